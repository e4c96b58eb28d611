package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"

	logx "naualerts/pkg/logx"
)

const (
	SourceHTTP    = "http"
	SourceWebhook = "webhook"
)

// Validate checks a decoded config. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	check := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token is required (or NAU_TELEGRAM_TOKEN)"))
	}
	check("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			add(fmt.Errorf("telegram.group_log: want a chat id, got %q", g))
		}
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if !logx.ValidLevel(cfg.Logging.Telegram.MinLevel) {
		add(fmt.Errorf("logging.telegram.min_level: unknown level %q", cfg.Logging.Telegram.MinLevel))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "redis":
		if strings.TrimSpace(cfg.Storage.RedisURL) == "" {
			add(errors.New("storage.redis_url is required when storage.driver=redis"))
		}
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path is required when storage.driver=sqlite"))
		}
		check("storage.busy_timeout", cfg.Storage.BusyTimeout)
	case "memory":
	case "":
		add(errors.New("storage.driver is required (redis|sqlite|memory)"))
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	if len(cfg.Sources) == 0 {
		add(errors.New("sources: at least one source is required"))
	}
	seen := make(map[string]bool, len(cfg.Sources))
	for i, src := range cfg.Sources {
		p := fmt.Sprintf("sources[%d]", i)
		name := strings.TrimSpace(src.Name)
		switch {
		case name == "":
			add(fmt.Errorf("%s.name is required", p))
		case strings.ContainsAny(name, " :/"):
			add(fmt.Errorf("%s.name %q must not contain spaces, ':' or '/'", p, name))
		case seen[name]:
			add(fmt.Errorf("%s.name %q is duplicated", p, name))
		}
		seen[name] = true
		check(p+".interval", src.Interval)
		switch src.Kind {
		case SourceHTTP:
			add(validURL(p+".url", src.URL))
		case SourceWebhook:
			add(validURL(p+".base_url", src.BaseURL))
			add(validURL(p+".public_url", src.PublicURL))
			if !cfg.HTTP.Enabled {
				add(fmt.Errorf("%s: webhook sources need http.enabled", p))
			}
			if strings.TrimSpace(cfg.HTTP.WebhookSecret) == "" {
				add(fmt.Errorf("%s: webhook sources need http.webhook_secret", p))
			}
		default:
			add(fmt.Errorf("%s.kind: want http or webhook, got %q", p, src.Kind))
		}
		if src.RegionID < 0 {
			add(fmt.Errorf("%s.region_id must be >= 0", p))
		}
	}

	check("poller.interval", cfg.Poller.Interval)
	check("poller.timeout", cfg.Poller.Timeout)
	check("poller.retry_base", cfg.Poller.RetryBase)
	check("poller.retry_max_delay", cfg.Poller.RetryMaxDelay)
	if cfg.Poller.RetryMax < 0 {
		add(errors.New("poller.retry_max must be >= 0"))
	}

	check("dispatch.retry_base", cfg.Dispatch.RetryBase)
	check("dispatch.alert_timeout", cfg.Dispatch.AlertTimeout)
	if cfg.Dispatch.RatePerSec < 0 || cfg.Dispatch.PerChatPerMin < 0 {
		add(errors.New("dispatch rates must be >= 0"))
	}
	if cfg.Dispatch.RetryMax < 0 || cfg.Dispatch.RequeueMax < 0 {
		add(errors.New("dispatch.retry_max and dispatch.requeue_max must be >= 0"))
	}
	if c := cfg.Dispatch.BangerChance; c != nil && (*c < 0 || *c > 1) {
		add(fmt.Errorf("dispatch.banger_chance must be within [0,1], got %v", *c))
	}

	add(validTimezone("render.timezone", cfg.Render.Timezone))
	if r := cfg.Render; r.EducationalFrom != 0 || r.EducationalTo != 0 {
		if r.EducationalFrom < 0 || r.EducationalTo > 24 || r.EducationalFrom >= r.EducationalTo {
			add(fmt.Errorf("render.educational_from/to: invalid range %d-%d", r.EducationalFrom, r.EducationalTo))
		}
	}

	add(validTimezone("weeks.timezone", cfg.Weeks.Timezone))
	if s := strings.TrimSpace(cfg.Weeks.Schedule); s != "" {
		p := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := p.Parse(s); err != nil {
			add(fmt.Errorf("weeks.schedule: %w", err))
		}
	}

	check("http.read_timeout", cfg.HTTP.ReadTimeout)
	check("http.write_timeout", cfg.HTTP.WriteTimeout)
	if cfg.HTTP.Pprof.Enabled && strings.TrimSpace(cfg.HTTP.Pprof.Token) == "" {
		add(errors.New("http.pprof.token is required when pprof is enabled"))
	}

	return errors.Join(errs...)
}

func validURL(path, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%s is required", path)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s: want an http(s) URL, got %q", path, raw)
	}
	return nil
}

func validTimezone(path, name string) error {
	if strings.TrimSpace(name) == "" {
		return nil
	}
	if _, err := time.LoadLocation(name); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
