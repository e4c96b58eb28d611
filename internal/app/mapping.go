package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"naualerts/internal/bot"
	"naualerts/internal/config"
	"naualerts/internal/dispatch"
	"naualerts/internal/httpapi"
	"naualerts/internal/pipeline"
	"naualerts/internal/render"
	"naualerts/internal/scheduler"
	"naualerts/internal/source"
	"naualerts/internal/storage"
	"naualerts/internal/weeks"
	logx "naualerts/pkg/logx"
)

const (
	defaultPollInterval = 10 * time.Second
	defaultPollTimeout  = 10 * time.Second
	weeksJobTimeout     = 5 * time.Minute
	weeksJob            = "weeks"
)

func pollJob(source string) string { return "poll:" + source }

func mapLogConfig(cfg *config.Config, release string) logx.Config {
	var chatID int64
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		chatID, _ = strconv.ParseInt(g, 10, 64)
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && chatID != 0,
			ChatID:     chatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
		Sentry: logx.SentryConfig{
			DSN:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
			Release:     release,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	bt, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		RedisURL:    cfg.Storage.RedisURL,
		KeyPrefix:   cfg.Storage.KeyPrefix,
		Path:        cfg.Storage.Path,
		BusyTimeout: bt,
	}, nil
}

func mapSourceConfigs(cfg *config.Config) ([]source.Config, error) {
	out := make([]source.Config, 0, len(cfg.Sources))
	for i, sc := range cfg.Sources {
		every, err := config.ParseDurationField(fmt.Sprintf("sources[%d].interval", i), sc.Interval)
		if err != nil {
			return nil, err
		}
		out = append(out, source.Config{
			Name:      sc.Name,
			Kind:      sc.Kind,
			URL:       sc.URL,
			Token:     sc.Token,
			RegionID:  sc.RegionID,
			Interval:  every,
			BaseURL:   sc.BaseURL,
			PublicURL: sc.PublicURL,
			Secret:    cfg.HTTP.WebhookSecret,
			Buffer:    sc.Buffer,
		})
	}
	return out, nil
}

func mapPollerConfig(cfg *config.Config) (source.PollerConfig, time.Duration, error) {
	p := cfg.Poller
	every, err := config.ParseDurationOrDefault("poller.interval", p.Interval, defaultPollInterval)
	if err != nil {
		return source.PollerConfig{}, 0, err
	}
	timeout, err := config.ParseDurationOrDefault("poller.timeout", p.Timeout, defaultPollTimeout)
	if err != nil {
		return source.PollerConfig{}, 0, err
	}
	base, err := config.ParseDurationOrDefault("poller.retry_base", p.RetryBase, time.Second)
	if err != nil {
		return source.PollerConfig{}, 0, err
	}
	maxDelay, err := config.ParseDurationOrDefault("poller.retry_max_delay", p.RetryMaxDelay, 30*time.Second)
	if err != nil {
		return source.PollerConfig{}, 0, err
	}
	return source.PollerConfig{
		Timeout:       timeout,
		RetryMax:      p.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}, every, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, pipeline.Config, error) {
	d := cfg.Dispatch
	base, err := config.ParseDurationOrDefault("dispatch.retry_base", d.RetryBase, time.Second)
	if err != nil {
		return dispatch.Config{}, pipeline.Config{}, err
	}
	alertTimeout, err := config.ParseDurationOrDefault("dispatch.alert_timeout", d.AlertTimeout, pipeline.DefaultAlertTimeout)
	if err != nil {
		return dispatch.Config{}, pipeline.Config{}, err
	}
	dc := dispatch.Config{
		RatePerSec:    d.RatePerSec,
		PerChatPerMin: d.PerChatPerMin,
		RetryMax:      d.RetryMax,
		RetryBase:     base,
		RequeueMax:    d.RequeueMax,
		BangerChance:  d.BangerChance,
	}
	return dc, pipeline.Config{AlertTimeout: alertTimeout}, nil
}

func mapRenderConfig(cfg *config.Config) render.Config {
	r := cfg.Render
	return render.Config{
		TextsPath:       r.TextsPath,
		Timezone:        r.Timezone,
		MapEducational:  r.MapEducational,
		MapCampus:       r.MapCampus,
		BangerVideo:     r.BangerVideo,
		EducationalFrom: r.EducationalFrom,
		EducationalTo:   r.EducationalTo,
	}
}

// mapSchedulerConfig runs cron specs in the weeks timezone, falling back to
// the render timezone so the Monday notice matches rendered times.
func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	tz := strings.TrimSpace(cfg.Weeks.Timezone)
	if tz == "" {
		tz = strings.TrimSpace(cfg.Render.Timezone)
	}
	return scheduler.Config{Timezone: tz}
}

func weeksSchedule(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Weeks.Schedule); s != "" {
		return s
	}
	return weeks.DefaultSchedule
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	rt, err := config.ParseDurationField("http.read_timeout", h.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	wt, err := config.ParseDurationField("http.write_timeout", h.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:         h.Addr,
		ReadTimeout:  rt,
		WriteTimeout: wt,
		PprofEnabled: h.Pprof.Enabled,
		PprofPrefix:  h.Pprof.Prefix,
		PprofToken:   h.Pprof.Token,
	}, nil
}

func mapBotConfig(cfg *config.Config, botID int64, username string) bot.Config {
	return bot.Config{
		BotID:           botID,
		BotUsername:     username,
		OwnerUserIDs:    cfg.Telegram.OwnerUserIDs,
		WeekDeleteAfter: bot.DefaultWeekDeleteAfter,
		FeatDeleteAfter: bot.DefaultFeatDeleteAfter,
	}
}

// validateMapping rejects a reloaded config that parses but cannot be
// mapped onto the running components.
func validateMapping(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSourceConfigs(cfg); err != nil {
		return err
	}
	if _, _, err := mapPollerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := scheduler.ParseSchedule(weeksSchedule(cfg)); err != nil {
		return fmt.Errorf("weeks.schedule: %w", err)
	}
	return nil
}
