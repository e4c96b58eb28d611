package alert

// Setting is a global on/off switch. A missing setting reads as enabled.
type Setting string

const (
	SettingAlerts Setting = "alerts"
	SettingWeeks  Setting = "weeks"
)

var Settings = []Setting{SettingAlerts, SettingWeeks}

func ParseSetting(s string) (Setting, bool) {
	for _, v := range Settings {
		if string(v) == s {
			return v, true
		}
	}
	return "", false
}

// Feature is a per-chat opt-in flag.
type Feature string

const (
	// FeatureNoDeactivationBanger keeps the video variant out of a chat.
	FeatureNoDeactivationBanger Feature = "no_deactivation_banger"
)

var Features = []Feature{FeatureNoDeactivationBanger}

func ParseFeature(s string) (Feature, bool) {
	for _, v := range Features {
		if string(v) == s {
			return v, true
		}
	}
	return "", false
}

// ChatStats is operator-facing metadata about a subscribed chat.
type ChatStats struct {
	ChatID      int64  `json:"chat_id"`
	Title       string `json:"name"`
	Username    string `json:"username,omitempty"`
	Members     int    `json:"members"`
	AdminRights bool   `json:"admin_rights"`
}
