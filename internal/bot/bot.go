// Package bot routes chat updates: subscription commands, per-chat
// settings, study-week queries and owner-only administration.
package bot

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"naualerts/internal/alert"
	"naualerts/internal/render"
	"naualerts/internal/storage"
	kit "naualerts/internal/transport"
	logx "naualerts/pkg/logx"
)

const (
	DefaultCommandTimeout  = 30 * time.Second
	DefaultWeekDeleteAfter = time.Minute
	DefaultFeatDeleteAfter = 5 * time.Second
)

// Messenger is the part of the transport adapter the router talks to.
type Messenger interface {
	Send(ctx context.Context, to kit.ChatTarget, p kit.Payload) (kit.MessageRef, error)
	EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error
	DeleteMessage(ctx context.Context, ref kit.MessageRef) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
	IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error)
	ChatInfo(ctx context.Context, chatID int64) (kit.ChatInfo, error)
}

type Store interface {
	storage.SubscriptionStore
	storage.SettingsStore
	storage.StatsStore
}

type Weeks interface {
	Status(ctx context.Context) (string, error)
	ToggleInvert(ctx context.Context) (bool, error)
}

type Config struct {
	BotID        int64
	BotUsername  string
	OwnerUserIDs []int64

	CommandTimeout time.Duration
	// WeekDeleteAfter and FeatDeleteAfter remove the command and its reply
	// from the group. Zero keeps them.
	WeekDeleteAfter time.Duration
	FeatDeleteAfter time.Duration
}

type Bot struct {
	mu  sync.RWMutex
	cfg Config

	ad    Messenger
	store Store
	weeks Weeks
	r     *render.Renderer
	log   logx.Logger

	cmds map[string]command

	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(cfg Config, ad Messenger, store Store, weeks Weeks, r *render.Renderer, log logx.Logger) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bot{
		cfg:   normalize(cfg),
		ad:    ad,
		store: store,
		weeks: weeks,
		r:     r,
		log:   log.With(logx.String("comp", "bot")),
		quit:  make(chan struct{}),
	}
	b.cmds = b.commands()
	return b
}

func normalize(cfg Config) Config {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	cfg.OwnerUserIDs = slices.Clone(cfg.OwnerUserIDs)
	return cfg
}

// Apply swaps the router settings. Commands in flight keep the old ones.
func (b *Bot) Apply(cfg Config) {
	b.mu.Lock()
	b.cfg = normalize(cfg)
	b.mu.Unlock()
}

func (b *Bot) config() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

// Run handles updates until ctx is done or updates is closed. Each update
// runs in its own goroutine bounded by the command timeout.
func (b *Bot) Run(ctx context.Context, updates <-chan kit.Update) error {
	var inflight sync.WaitGroup
	defer inflight.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				hctx, cancel := context.WithTimeout(ctx, b.config().CommandTimeout)
				defer cancel()
				if err := b.Handle(hctx, up); err != nil {
					b.log.Warn("update failed", logx.String("kind", string(up.Kind)), logx.Err(err))
				}
			}()
		}
	}
}

// Close cancels pending delayed deletions and waits for them.
func (b *Bot) Close() {
	b.closeOnce.Do(func() { close(b.quit) })
	b.wg.Wait()
}

// Handle processes a single update.
func (b *Bot) Handle(ctx context.Context, up kit.Update) error {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("update handler panic", logx.Any("panic", r))
		}
	}()
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message == nil {
			return nil
		}
		return b.onMessage(ctx, up.Message)
	case kit.UpdateCallback:
		if up.Callback == nil {
			return nil
		}
		return b.onCallback(ctx, up.Callback)
	case kit.UpdateLeft:
		if up.Message == nil {
			return nil
		}
		return b.onLeft(ctx, up.Message)
	}
	return nil
}

// MenuCommands is the command list shown in the Telegram menu.
func (b *Bot) MenuCommands() []kit.BotCommand {
	cat := b.r.Catalog()
	var out []kit.BotCommand
	for _, name := range menuOrder {
		out = append(out, kit.BotCommand{Command: name, Description: cat.Text("bot.cmd_" + name)})
	}
	return out
}

var menuOrder = []string{"start", "stop", "settings", "week"}

func (b *Bot) onMessage(ctx context.Context, m *kit.Message) error {
	cfg := b.config()
	name, args, ok := parseCommand(m.Text, cfg.BotUsername)
	if !ok {
		return nil
	}
	cmd, found := b.cmds[name]
	if !found {
		if m.ChatType == kit.ChatPrivate {
			return b.reply(ctx, m, b.text("bot.unknown_command"), nil)
		}
		return nil
	}
	if cmd.owner && !slices.Contains(cfg.OwnerUserIDs, m.FromID) {
		b.log.Debug("owner command from non-owner", logx.String("cmd", name), logx.Int64("user_id", m.FromID))
		return nil
	}
	b.log.Debug("command", logx.String("cmd", name), logx.Int64("chat_id", m.ChatID), logx.Int64("user_id", m.FromID))
	if err := cmd.handle(ctx, m, args); err != nil {
		return fmt.Errorf("/%s: %w", name, err)
	}
	return nil
}

func (b *Bot) onLeft(ctx context.Context, m *kit.Message) error {
	botID := b.config().BotID
	if botID == 0 || m.LeftUserID != botID {
		return nil
	}
	if err := b.store.RemoveChat(ctx, m.ChatID); err != nil {
		return fmt.Errorf("remove chat %d: %w", m.ChatID, err)
	}
	b.log.Info("bot was removed from group", logx.Int64("chat_id", m.ChatID), logx.String("title", m.ChatTitle))
	return nil
}

// parseCommand splits "/cmd@bot a b" into ("cmd", [a b]). Commands
// addressed to another bot are ignored.
func parseCommand(text, username string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text)
	head := fields[0][1:]
	if at := strings.IndexByte(head, '@'); at >= 0 {
		if username != "" && !strings.EqualFold(head[at+1:], username) {
			return "", nil, false
		}
		head = head[:at]
	}
	if head == "" {
		return "", nil, false
	}
	return strings.ToLower(head), fields[1:], true
}

func (b *Bot) text(key string, pairs ...string) string {
	return b.r.Catalog().Text(key, pairs...)
}

func htmlOptions(markup any) *kit.SendOptions {
	return &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, ReplyMarkupAdapter: markup}
}

func (b *Bot) reply(ctx context.Context, m *kit.Message, text string, markup any) error {
	_, err := b.send(ctx, m, text, markup)
	return err
}

func (b *Bot) send(ctx context.Context, m *kit.Message, text string, markup any) (kit.MessageRef, error) {
	to := kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
	ref, err := b.ad.Send(ctx, to, kit.Payload{Text: text, Options: htmlOptions(markup)})
	if err != nil {
		return ref, fmt.Errorf("reply to %d: %w", m.ChatID, err)
	}
	return ref, nil
}

// refreshStats stores the chat metadata and returns it. Lookup failures
// are logged and yield an empty info.
func (b *Bot) refreshStats(ctx context.Context, chatID int64) kit.ChatInfo {
	info, err := b.ad.ChatInfo(ctx, chatID)
	if err != nil {
		b.log.Debug("chat info lookup failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return kit.ChatInfo{ChatID: chatID}
	}
	st := alert.ChatStats{
		ChatID:      chatID,
		Title:       info.Title,
		Username:    info.Username,
		Members:     info.Members,
		AdminRights: info.AdminRights,
	}
	if err := b.store.PutChatStats(ctx, st); err != nil {
		b.log.Warn("store chat stats failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
	return info
}

// deleteLater removes refs after d unless the bot is closed first.
func (b *Bot) deleteLater(ctx context.Context, d time.Duration, refs ...kit.MessageRef) {
	if d <= 0 || len(refs) == 0 {
		return
	}
	dctx := context.WithoutCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-b.quit:
			return
		case <-t.C:
		}
		for _, ref := range refs {
			cctx, cancel := context.WithTimeout(dctx, 10*time.Second)
			if err := b.ad.DeleteMessage(cctx, ref); err != nil {
				b.log.Debug("delayed delete failed", logx.Int64("chat_id", ref.ChatID), logx.Int("message_id", ref.MessageID), logx.Err(err))
			}
			cancel()
		}
	}()
}
