package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"naualerts/internal/alert"
	kit "naualerts/internal/transport"
	logx "naualerts/pkg/logx"
	"naualerts/pkg/tgui"
)

type handlerFunc func(ctx context.Context, m *kit.Message, args []string) error

type command struct {
	owner  bool
	handle handlerFunc
}

func (b *Bot) commands() map[string]command {
	return map[string]command{
		"start":          {handle: b.cmdStart},
		"stop":           {handle: b.cmdStop},
		"settings":       {handle: b.cmdSettings},
		"feat":           {handle: b.cmdFeat},
		"week":           {handle: b.cmdWeek},
		"globalsettings": {owner: true, handle: b.cmdGlobalSettings},
		"invert_weeks":   {owner: true, handle: b.cmdInvertWeeks},
		"stats":          {owner: true, handle: b.cmdStats},
		"trigger":        {owner: true, handle: b.cmdTrigger},
	}
}

// groupAdmin gates commands that manage a group's subscriptions. It replies
// in private chats, refreshes the group's stats and reports whether the
// sender administers the group.
func (b *Bot) groupAdmin(ctx context.Context, m *kit.Message) (kit.ChatInfo, bool, error) {
	if m.ChatType == kit.ChatPrivate {
		return kit.ChatInfo{}, false, b.reply(ctx, m, b.text("bot.groups_only"), nil)
	}
	if !m.ChatType.IsGroup() {
		return kit.ChatInfo{}, false, nil
	}
	info := b.refreshStats(ctx, m.ChatID)
	if m.FromID == 0 {
		return info, false, nil
	}
	admin, err := b.ad.IsChatAdmin(ctx, m.ChatID, m.FromID)
	if err != nil {
		return info, false, fmt.Errorf("check admin: %w", err)
	}
	return info, admin, nil
}

func (b *Bot) subscribedAny(ctx context.Context, chatID int64) (bool, error) {
	for _, t := range alert.Topics {
		ok, err := b.store.IsSubscribed(ctx, t, chatID)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (b *Bot) cmdStart(ctx context.Context, m *kit.Message, _ []string) error {
	if m.ChatType == kit.ChatPrivate {
		var markup any
		if u := b.config().BotUsername; u != "" {
			markup = tgui.NewInline().
				Row(tgui.URLBtn(b.text("bot.add_to_group"), "https://t.me/"+u+"?startgroup=true")).
				Markup()
		}
		return b.reply(ctx, m, b.text("bot.start_private"), markup)
	}
	info, ok, err := b.groupAdmin(ctx, m)
	if err != nil || !ok {
		return err
	}
	subscribed, err := b.subscribedAny(ctx, m.ChatID)
	if err != nil {
		return err
	}
	if subscribed {
		return b.reply(ctx, m, b.text("bot.already_subscribed"), nil)
	}
	for _, t := range alert.Topics {
		if _, err := b.store.Subscribe(ctx, t, m.ChatID); err != nil {
			return fmt.Errorf("subscribe %s: %w", t, err)
		}
	}
	b.log.Info("group subscribed", logx.Int64("chat_id", m.ChatID), logx.String("title", m.ChatTitle))

	text := b.text("bot.start_ok")
	if !info.AdminRights {
		text += "\n\n" + b.text("bot.start_need_admin")
	}
	return b.reply(ctx, m, text, nil)
}

func (b *Bot) cmdStop(ctx context.Context, m *kit.Message, _ []string) error {
	_, ok, err := b.groupAdmin(ctx, m)
	if err != nil || !ok {
		return err
	}
	subscribed, err := b.subscribedAny(ctx, m.ChatID)
	if err != nil {
		return err
	}
	if !subscribed {
		return b.reply(ctx, m, b.text("bot.not_subscribed"), nil)
	}
	for _, t := range alert.Topics {
		if _, err := b.store.Unsubscribe(ctx, t, m.ChatID); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", t, err)
		}
	}
	b.log.Info("group unsubscribed", logx.Int64("chat_id", m.ChatID), logx.String("title", m.ChatTitle))
	return b.reply(ctx, m, b.text("bot.stopped"), nil)
}

func (b *Bot) cmdSettings(ctx context.Context, m *kit.Message, _ []string) error {
	_, ok, err := b.groupAdmin(ctx, m)
	if err != nil || !ok {
		return err
	}
	kb, err := b.settingsKeyboard(ctx, m.ChatID)
	if err != nil {
		return err
	}
	return b.reply(ctx, m, b.text("bot.settings"), kb.Markup())
}

const (
	settingsScope = "settings"
	actionSub     = "subscribe"
	actionUnsub   = "unsubscribe"
)

func (b *Bot) settingsKeyboard(ctx context.Context, chatID int64) (*tgui.Inline, error) {
	kb := tgui.NewInline()
	for _, t := range alert.Topics {
		on, err := b.store.IsSubscribed(ctx, t, chatID)
		if err != nil {
			return nil, fmt.Errorf("read subscription %s: %w", t, err)
		}
		action := actionSub
		if on {
			action = actionUnsub
		}
		label := tgui.Toggle(b.text("bot.settings_"+string(t)), on)
		kb.Row(tgui.Btn(label, tgui.Data(settingsScope, action, string(t))))
	}
	return kb, nil
}

func (b *Bot) onCallback(ctx context.Context, cb *kit.Callback) error {
	scope, action, payload := tgui.ParseData(cb.Data)
	if scope != settingsScope {
		return b.ad.AnswerCallback(ctx, cb.ID, "")
	}
	if !cb.ChatType.IsGroup() {
		return b.ad.AnswerCallback(ctx, cb.ID, b.text("bot.groups_only"))
	}
	b.refreshStats(ctx, cb.ChatID)

	admin, err := b.ad.IsChatAdmin(ctx, cb.ChatID, cb.FromID)
	if err != nil {
		b.log.Debug("settings callback from unknown member", logx.Int64("chat_id", cb.ChatID), logx.Err(err))
		return b.ad.AnswerCallback(ctx, cb.ID, b.text("bot.not_member"))
	}
	if !admin {
		return b.ad.AnswerCallback(ctx, cb.ID, b.text("bot.admins_only"))
	}

	topic, ok := alert.ParseTopic(payload)
	if !ok {
		return b.ad.AnswerCallback(ctx, cb.ID, b.text("bot.unknown_command"))
	}
	switch action {
	case actionSub:
		_, err = b.store.Subscribe(ctx, topic, cb.ChatID)
	case actionUnsub:
		_, err = b.store.Unsubscribe(ctx, topic, cb.ChatID)
	default:
		return b.ad.AnswerCallback(ctx, cb.ID, b.text("bot.unknown_command"))
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", action, topic, err)
	}
	b.log.Info("settings changed", logx.Int64("chat_id", cb.ChatID), logx.String("action", action), logx.String("topic", string(topic)))

	kb, err := b.settingsKeyboard(ctx, cb.ChatID)
	if err != nil {
		return err
	}
	if err := b.ad.AnswerCallback(ctx, cb.ID, ""); err != nil {
		return err
	}
	ref := kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
	return b.ad.EditText(ctx, ref, b.text("bot.settings"), htmlOptions(kb.Markup()))
}

// cmdFeat toggles a per-chat feature: /feat enable|disable <name>. Without
// arguments it lists the features and their state for the chat.
func (b *Bot) cmdFeat(ctx context.Context, m *kit.Message, args []string) error {
	_, ok, err := b.groupAdmin(ctx, m)
	if err != nil || !ok {
		return err
	}
	if len(args) == 0 {
		return b.listFeatures(ctx, m)
	}
	self := kit.MessageRef{ChatID: m.ChatID, ThreadID: m.ThreadID, MessageID: m.ID}
	feature, known := alert.ParseFeature(strings.ToLower(strings.TrimSpace(strings.Join(args[1:], " "))))
	action := strings.ToLower(args[0])
	if len(args) < 2 || !known || (action != "enable" && action != "disable") {
		return b.ad.DeleteMessage(ctx, self)
	}
	if err := b.store.SetFeature(ctx, feature, m.ChatID, action == "enable"); err != nil {
		return fmt.Errorf("set feature %s: %w", feature, err)
	}
	ref, err := b.send(ctx, m, b.text("bot.ok"), nil)
	if err != nil {
		return err
	}
	b.deleteLater(ctx, b.config().FeatDeleteAfter, self, ref)
	return nil
}

func (b *Bot) listFeatures(ctx context.Context, m *kit.Message) error {
	lines := []string{b.text("bot.features"), ""}
	for _, f := range alert.Features {
		on, err := b.store.FeatureEnabled(ctx, f, m.ChatID)
		if err != nil {
			return fmt.Errorf("read feature %s: %w", f, err)
		}
		lines = append(lines, tgui.Toggle(tgui.Code(string(f)).String(), on), b.text("bot.feature_"+string(f)))
	}
	return b.reply(ctx, m, strings.Join(lines, "\n"), nil)
}

func (b *Bot) cmdWeek(ctx context.Context, m *kit.Message, _ []string) error {
	if m.ChatType != kit.ChatPrivate {
		info := kit.ChatInfo{}
		if m.ChatType.IsGroup() {
			info = b.refreshStats(ctx, m.ChatID)
		}
		if !info.AdminRights {
			return b.reply(ctx, m, b.text("bot.no_delete_rights"), nil)
		}
	}
	status, err := b.weeks.Status(ctx)
	if err != nil {
		return err
	}
	ref, err := b.send(ctx, m, status, nil)
	if err != nil {
		return err
	}
	if m.ChatType != kit.ChatPrivate {
		self := kit.MessageRef{ChatID: m.ChatID, ThreadID: m.ThreadID, MessageID: m.ID}
		b.deleteLater(ctx, b.config().WeekDeleteAfter, self, ref)
	}
	return nil
}

// cmdGlobalSettings: /globalsettings [show] | enable <name> | disable <name>.
func (b *Bot) cmdGlobalSettings(ctx context.Context, m *kit.Message, args []string) error {
	switch {
	case len(args) == 0 || (len(args) == 1 && args[0] == "show"):
		lines := []string{b.text("bot.global_settings"), ""}
		for _, s := range alert.Settings {
			on, err := b.store.SettingEnabled(ctx, s)
			if err != nil {
				return fmt.Errorf("read setting %s: %w", s, err)
			}
			lines = append(lines, string(s)+": "+tgui.Code(strconv.FormatBool(on)).String())
		}
		return b.reply(ctx, m, strings.Join(lines, "\n"), nil)
	case len(args) == 2 && (args[0] == "enable" || args[0] == "disable"):
		s, ok := alert.ParseSetting(args[1])
		if !ok {
			return b.reply(ctx, m, b.text("bot.unknown_command"), nil)
		}
		enabled := args[0] == "enable"
		if err := b.store.SetSetting(ctx, s, enabled); err != nil {
			return fmt.Errorf("set setting %s: %w", s, err)
		}
		b.log.Info("global setting changed", logx.String("setting", string(s)), logx.Bool("enabled", enabled), logx.Int64("user_id", m.FromID))
		return b.reply(ctx, m, b.text("bot.ok"), nil)
	default:
		return b.reply(ctx, m, b.text("bot.unknown_command"), nil)
	}
}

func (b *Bot) cmdInvertWeeks(ctx context.Context, m *kit.Message, _ []string) error {
	if _, err := b.weeks.ToggleInvert(ctx); err != nil {
		return err
	}
	return b.reply(ctx, m, b.text("weeks.inverted"), nil)
}

func (b *Bot) cmdStats(ctx context.Context, m *kit.Message, _ []string) error {
	stats, err := b.store.ChatStats(ctx)
	if err != nil {
		return fmt.Errorf("read stats: %w", err)
	}
	counts := make(map[alert.Topic]int, len(alert.Topics))
	for _, t := range alert.Topics {
		ids, err := b.store.Subscribers(ctx, t)
		if err != nil {
			return fmt.Errorf("read subscribers %s: %w", t, err)
		}
		counts[t] = len(ids)
	}
	text := b.text("bot.stats",
		"groups", strconv.Itoa(len(stats)),
		"alerts", strconv.Itoa(counts[alert.TopicAlerts]),
		"weeks", strconv.Itoa(counts[alert.TopicWeeks]),
	)
	if len(stats) == 0 {
		return b.reply(ctx, m, text+"\n\n"+b.text("bot.stats_empty"), nil)
	}
	lines := []string{text, ""}
	for _, st := range stats {
		lines = append(lines, statsLine(st).String())
	}
	return b.reply(ctx, m, strings.Join(lines, "\n"), nil)
}

func statsLine(st alert.ChatStats) tgui.H {
	title := tgui.B(tgui.TruncRunes(st.Title, 40))
	if st.Title == "" {
		title = tgui.Code(strconv.FormatInt(st.ChatID, 10))
	}
	rights := "❌"
	if st.AdminRights {
		rights = "✅"
	}
	parts := []tgui.H{"•", title}
	if st.Username != "" {
		parts = append(parts, tgui.Esc("(@"+st.Username+")"))
	}
	parts = append(parts, tgui.H(fmt.Sprintf("| 👥 %d | 🛡 %s", st.Members, rights)))
	return tgui.JoinH(" ", parts...)
}

// cmdTrigger previews an alert in the current chat: /trigger <status> <type>.
func (b *Bot) cmdTrigger(ctx context.Context, m *kit.Message, args []string) error {
	if len(args) != 2 {
		return b.reply(ctx, m, b.text("bot.bad_format"), nil)
	}
	status, err := alert.ParseStatus(args[0])
	if err != nil {
		return b.reply(ctx, m, b.text("bot.bad_format"), nil)
	}
	a := alert.Alert{
		Source:    "manual",
		Status:    status,
		Type:      alert.ParseType(args[1]),
		CreatedAt: b.r.Now(),
	}
	out := b.r.Render(a, nil)
	if _, err := b.ad.Send(ctx, kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}, out.Payload); err != nil {
		return fmt.Errorf("send preview: %w", err)
	}
	return nil
}
