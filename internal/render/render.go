// Package render turns alerts into chat payloads: localized text from the
// message catalog plus the media that goes with it.
package render

import (
	"fmt"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"naualerts/internal/alert"
	kit "naualerts/internal/transport"
)

const (
	DefaultTimezone        = "Europe/Kyiv"
	DefaultEducationalFrom = 7
	DefaultEducationalTo   = 17
)

type Config struct {
	TextsPath       string
	Timezone        string
	MapEducational  string
	MapCampus       string
	BangerVideo     string
	EducationalFrom int // first hour of the educational range
	EducationalTo   int // exclusive
}

// Rendered is the payload for an alert. Banger is set for deactivations
// when a banger video is configured.
type Rendered struct {
	Payload kit.Payload
	Banger  *kit.Payload
}

type Renderer struct {
	mu  sync.RWMutex
	cfg Config
	cat *Catalog
	loc *time.Location
	now func() time.Time
}

func New(cfg Config) (*Renderer, error) {
	r := &Renderer{now: time.Now}
	if err := r.Apply(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Apply reloads the catalog and timezone. On error the previous state is kept.
func (r *Renderer) Apply(cfg Config) error {
	if cfg.Timezone == "" {
		cfg.Timezone = DefaultTimezone
	}
	if cfg.EducationalFrom == 0 && cfg.EducationalTo == 0 {
		cfg.EducationalFrom, cfg.EducationalTo = DefaultEducationalFrom, DefaultEducationalTo
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("render timezone: %w", err)
	}
	cat, err := LoadCatalog(cfg.TextsPath)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cfg, r.cat, r.loc = cfg, cat, loc
	r.mu.Unlock()
	return nil
}

// SetClock replaces the wall clock used for the educational range.
func (r *Renderer) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

func (r *Renderer) Catalog() *Catalog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cat
}

func (r *Renderer) Location() *time.Location {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loc
}

// Now is the current time in the configured timezone.
func (r *Renderer) Now() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.now().In(r.loc)
}

// Educational reports whether the local hour falls in the educational range.
func (r *Renderer) Educational() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h := r.now().In(r.loc).Hour()
	return h >= r.cfg.EducationalFrom && h < r.cfg.EducationalTo
}

// Text renders a. prev is the alert that preceded it on the same source and
// supplies the duration of a finished alarm.
func (r *Renderer) Text(a alert.Alert, prev *alert.Alert) string {
	edu := r.Educational()

	r.mu.RLock()
	cat, loc := r.cat, r.loc
	r.mu.RUnlock()

	status := string(a.Status)
	duration := FormatDuration(0)
	if a.Status == alert.StatusDeactivate && prev != nil {
		status = "deactivate_with_duration"
		duration = FormatDuration(a.CreatedAt.Sub(prev.CreatedAt))
	}

	text, ok := cat.Get(string(a.Type) + "." + status)
	if !ok {
		text, _ = cat.Get(string(alert.TypeUnknown) + "." + status)
	}
	if a.Status == alert.StatusActivate {
		variant := "campus"
		if edu {
			variant = "educational"
		}
		if extra, ok := cat.Get("additional_info." + variant); ok {
			text += "\n\n" + extra
		}
	}
	return Fill(text,
		"time", a.CreatedAt.In(loc).Format("15:04:05"),
		"duration", duration,
	)
}

// Render builds the payload for a: the map photo on activation, plain text
// with an optional banger variant on deactivation.
func (r *Renderer) Render(a alert.Alert, prev *alert.Alert) Rendered {
	text := r.Text(a, prev)
	edu := r.Educational()

	r.mu.RLock()
	cfg := r.cfg
	r.mu.RUnlock()

	opts := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	out := Rendered{Payload: kit.Payload{Text: text, Options: opts}}
	if a.Status == alert.StatusActivate {
		photo := cfg.MapCampus
		if edu {
			photo = cfg.MapEducational
		}
		out.Payload.PhotoPath = photo
		return out
	}
	if cfg.BangerVideo != "" {
		out.Banger = &kit.Payload{Text: text, VideoPath: cfg.BangerVideo, Options: opts}
	}
	return out
}

// FormatDuration renders d as H:MM:SS. Hours are not wrapped at 24.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int64(d / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", s/3600, s/60%60, s%60)
}

// WeekNotice is the Monday broadcast for study week n.
func (r *Renderer) WeekNotice(n int) kit.Payload {
	return kit.Payload{
		Text:    r.Catalog().Text("weeks.notice", "week", fmt.Sprint(n)),
		Options: &kit.SendOptions{ParseMode: "HTML", DisablePreview: true},
	}
}

// WeekStatus is the /week reply for study week n on weekday wd; next is the
// week that follows.
func (r *Renderer) WeekStatus(n, next int, wd time.Weekday) string {
	cat := r.Catalog()
	var head string
	switch wd {
	case time.Friday:
		head = cat.Text("weeks.ending", "week", fmt.Sprint(n))
	case time.Saturday, time.Sunday:
		head = cat.Text("weeks.ending_next", "week", fmt.Sprint(n), "next", fmt.Sprint(next))
	default:
		head = cat.Text("weeks.current", "week", fmt.Sprint(n))
	}
	return strings.Join([]string{head, cat.Text("weeks.schedule")}, "\n\n")
}
