package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// Destination is a resolved forwarding target.
type Destination struct {
	ID    int64
	Title string
}

// Adapter is the chat transport consumed by the rest of the bot.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// Resolver turns user-supplied destination input (link, @username, numeric id)
// into a canonical destination. Failures the user can correct come back as
// *VerificationError.
type Resolver interface {
	ResolveDestination(ctx context.Context, input string) (Destination, error)
}

// Forwarder re-sends a previously received message, preserving original
// authorship metadata. A rate-limit response surfaces as *RateLimitedError.
type Forwarder interface {
	Forward(ctx context.Context, ownerID int64, sourceMessageID int, destinationID int64) error
}
