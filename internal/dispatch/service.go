package dispatch

import (
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"naualerts/internal/eventbus"
	logx "naualerts/pkg/logx"
)

func New(cfg Config, sender Sender, reg Registry, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	cfg = normalize(cfg)
	return &Service{
		cfg:     cfg,
		sender:  sender,
		reg:     reg,
		bus:     bus,
		log:     log.With(logx.String("comp", "dispatch")),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		chats:   map[int64]*rate.Limiter{},
		rnd:     rand.Float64,
	}
}

func normalize(cfg Config) Config {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = DefaultRatePerSec
	}
	if cfg.PerChatPerMin <= 0 {
		cfg.PerChatPerMin = DefaultPerChatPerMin
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RequeueMax < 0 {
		cfg.RequeueMax = 0
	}
	if cfg.BangerChance == nil {
		c := DefaultBangerChance
		cfg.BangerChance = &c
	}
	return cfg
}

// Apply swaps limits in place. Per-chat buckets are reset when the per-chat
// rate changes.
func (s *Service) Apply(cfg Config) {
	cfg = normalize(cfg)
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if old.RatePerSec != cfg.RatePerSec {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	if old.PerChatPerMin != cfg.PerChatPerMin {
		s.chats = map[int64]*rate.Limiter{}
	}
	s.log.Debug("dispatch config applied",
		logx.Int("rps", cfg.RatePerSec),
		logx.Int("per_chat_per_min", cfg.PerChatPerMin),
		logx.Int("retry_max", cfg.RetryMax),
		logx.Int("requeue_max", cfg.RequeueMax),
	)
}

// SetRand replaces the source used for the banger roll.
func (s *Service) SetRand(fn func() float64) {
	s.mu.Lock()
	s.rnd = fn
	s.mu.Unlock()
}

func (s *Service) snapshot() (Config, *rate.Limiter, func() float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter, s.rnd
}

func (s *Service) chatLimiter(chatID int64) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.chats[chatID]; l != nil {
		return l
	}
	per := s.cfg.PerChatPerMin
	burst := min(per, 3)
	l := rate.NewLimiter(rate.Every(time.Minute/time.Duration(per)), burst)
	s.chats[chatID] = l
	return l
}

func (s *Service) forgetChat(chatID int64) {
	s.mu.Lock()
	delete(s.chats, chatID)
	s.mu.Unlock()
}
