package config

// Config is the on-disk configuration (YAML or JSON).
//
// Durations are Go duration strings ("500ms", "10s", "1m"). Secrets can be
// supplied through NAU_* environment variables instead of the file.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Sources  []SourceConfig `json:"sources"`
	Poller   PollerConfig   `json:"poller"`
	Dispatch DispatchConfig `json:"dispatch"`
	Render   RenderConfig   `json:"render"`
	Weeks    WeeksConfig    `json:"weeks"`
	HTTP     HTTPConfig     `json:"http"`
	Sentry   SentryConfig   `json:"sentry"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id that receives the Telegram log sink.
	GroupLog    string `json:"group_log"`
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the state store.
//
// Example:
//
//	storage: { driver: redis, redis_url: "redis://localhost:6379/0" }
type StorageConfig struct {
	Driver      string `json:"driver"` // redis | sqlite | memory
	RedisURL    string `json:"redis_url,omitempty"`
	KeyPrefix   string `json:"key_prefix,omitempty"`
	Path        string `json:"path,omitempty"`         // sqlite
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// SourceConfig describes one upstream alert feed.
//
// kind=http polls URL; kind=webhook registers PublicURL with the upstream
// API at BaseURL and receives alerts on the HTTP server.
type SourceConfig struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	URL      string `json:"url,omitempty"`
	Token    string `json:"token,omitempty"`
	RegionID int    `json:"region_id,omitempty"`
	Interval string `json:"interval,omitempty"`

	BaseURL   string `json:"base_url,omitempty"`
	PublicURL string `json:"public_url,omitempty"`
	Buffer    int    `json:"buffer,omitempty"`
}

type PollerConfig struct {
	Interval      string `json:"interval"`
	Timeout       string `json:"timeout"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
}

type DispatchConfig struct {
	RatePerSec    int    `json:"rate_per_sec"`
	PerChatPerMin int    `json:"per_chat_per_min"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RequeueMax    int    `json:"requeue_max"`
	AlertTimeout  string `json:"alert_timeout"`
	// BangerChance is the probability of the video variant on deactivation.
	// nil means the default (0.01); 0 disables it.
	BangerChance *float64 `json:"banger_chance,omitempty"`
}

type RenderConfig struct {
	TextsPath       string `json:"texts_path,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
	MapEducational  string `json:"map_educational,omitempty"`
	MapCampus       string `json:"map_campus,omitempty"`
	BangerVideo     string `json:"banger_video,omitempty"`
	EducationalFrom int    `json:"educational_from,omitempty"`
	EducationalTo   int    `json:"educational_to,omitempty"`
}

type WeeksConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

type HTTPConfig struct {
	Enabled       bool        `json:"enabled"`
	Addr          string      `json:"addr,omitempty"`
	WebhookSecret string      `json:"webhook_secret,omitempty"`
	ReadTimeout   string      `json:"read_timeout,omitempty"`
	WriteTimeout  string      `json:"write_timeout,omitempty"`
	Pprof         PprofConfig `json:"pprof"`
}

// PprofConfig mounts net/http/pprof on the HTTP server. A token is required.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Prefix  string `json:"prefix,omitempty"`
	Token   string `json:"token,omitempty"`
}

type SentryConfig struct {
	DSN         string `json:"dsn,omitempty"`
	Environment string `json:"environment,omitempty"`
}
