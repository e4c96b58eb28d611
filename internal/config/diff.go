package config

import (
	"reflect"
	"strings"

	logx "naualerts/pkg/logx"
)

// Change describes a reload: which sections changed, safe log fields
// (never secrets) and whether any changed section only applies on restart.
type Change struct {
	Sections        []string
	Fields          []logx.Field
	RestartRequired []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeChange compares two configs section by section.
func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Change
	section := func(name string, changed, restart bool, fields ...logx.Field) {
		if !changed {
			return
		}
		c.Sections = append(c.Sections, name)
		c.Fields = append(c.Fields, fields...)
		if restart {
			c.RestartRequired = append(c.RestartRequired, name)
		}
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	section("telegram",
		ot.Token != nt.Token || ot.PollTimeout != nt.PollTimeout || ot.GroupLog != nt.GroupLog ||
			!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs),
		ot.Token != nt.Token || ot.PollTimeout != nt.PollTimeout,
		logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
		logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
	)
	section("logging", oldCfg.Logging != newCfg.Logging, false,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
	)
	section("storage", oldCfg.Storage != newCfg.Storage, true,
		logx.String("storage.driver", newCfg.Storage.Driver),
	)
	section("sources", !reflect.DeepEqual(oldCfg.Sources, newCfg.Sources), true,
		logx.Int("sources.count", len(newCfg.Sources)),
	)
	section("poller", oldCfg.Poller != newCfg.Poller, false,
		logx.String("poller.interval", newCfg.Poller.Interval),
		logx.Int("poller.retry_max", newCfg.Poller.RetryMax),
	)
	section("dispatch", !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch), false,
		logx.Int("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
		logx.Int("dispatch.per_chat_per_min", newCfg.Dispatch.PerChatPerMin),
	)
	section("render", oldCfg.Render != newCfg.Render, false,
		logx.String("render.timezone", newCfg.Render.Timezone),
	)
	section("weeks", oldCfg.Weeks != newCfg.Weeks, false,
		logx.Bool("weeks.enabled", newCfg.Weeks.Enabled),
		logx.String("weeks.schedule", newCfg.Weeks.Schedule),
	)
	section("http", oldCfg.HTTP != newCfg.HTTP, true,
		logx.Bool("http.enabled", newCfg.HTTP.Enabled),
		logx.String("http.addr", newCfg.HTTP.Addr),
		logx.Bool("http.pprof", newCfg.HTTP.Pprof.Enabled),
	)
	section("sentry", oldCfg.Sentry != newCfg.Sentry, false,
		logx.Bool("sentry.enabled", strings.TrimSpace(newCfg.Sentry.DSN) != ""),
	)
	return c
}
