package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
	// UpdateLeft is emitted when a member leaves a group (incl. the bot itself).
	UpdateLeft UpdateKind = "left"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type ChatType string

const (
	ChatPrivate    ChatType = "private"
	ChatGroup      ChatType = "group"
	ChatSupergroup ChatType = "supergroup"
	ChatChannel    ChatType = "channel"
)

// IsGroup reports whether subscriptions may be managed in this chat.
func (t ChatType) IsGroup() bool { return t == ChatGroup || t == ChatSupergroup }

type Message struct {
	ID           int
	ChatID       int64
	ChatType     ChatType
	ChatTitle    string
	ChatUsername string
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	// LeftUserID is set for UpdateLeft.
	LeftUserID int64
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ChatType  ChatType
	ThreadID  int
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// Payload is what gets delivered to a chat. PhotoPath / VideoPath are local
// files; when set, Text becomes the caption.
type Payload struct {
	Text      string
	PhotoPath string
	VideoPath string
	Options   *SendOptions
}

// ChatInfo is the subset of chat metadata kept for operator stats.
type ChatInfo struct {
	ChatID      int64
	Title       string
	Username    string
	Members     int
	AdminRights bool
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	// Send delivers p. Delivery failures are reported as *DeliveryError.
	Send(ctx context.Context, to ChatTarget, p Payload) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	DeleteMessage(ctx context.Context, ref MessageRef) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error

	// IsChatAdmin reports whether userID administers chatID.
	IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error)
	ChatInfo(ctx context.Context, chatID int64) (ChatInfo, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
