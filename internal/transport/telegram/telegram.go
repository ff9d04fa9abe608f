package telegram

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"forwardbot/internal/transport"
	"forwardbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter bridges telebot to the transport contract: it pumps inbound
// updates into a channel and implements sending, destination resolution and
// message forwarding.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(1)
	a.runMu.Unlock()

	pump := func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		up := transport.Update{
			Kind: transport.UpdateMessage,
			Message: &transport.Message{
				ID:           m.ID,
				ChatID:       m.Chat.ID,
				FromID:       m.Sender.ID,
				FromUsername: m.Sender.Username,
				Text:         m.Text,
				IsGroup:      m.Chat.Type != tele.ChatPrivate,
			},
		}
		select {
		case out <- up:
		default:
			a.log.Warn("inbound update dropped (channel full)", logx.Int64("chat", m.Chat.ID))
		}
		return nil
	}
	// Setup step 2 accepts any message kind, so media counts too.
	a.bot.Handle(tele.OnText, pump)
	a.bot.Handle(tele.OnMedia, pump)

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		m := c.Message()
		if cb == nil || m == nil {
			return nil
		}
		up := transport.Update{
			Kind: transport.UpdateCallback,
			Callback: &transport.Callback{
				ID:        cb.ID,
				FromID:    cb.Sender.ID,
				ChatID:    m.Chat.ID,
				MessageID: m.ID,
				Data:      cb.Data,
			},
		}
		select {
		case out <- up:
		default:
			a.log.Warn("inbound callback dropped (channel full)", logx.Int64("chat", m.Chat.ID))
		}
		return nil
	})

	go func() {
		defer a.runWG.Done()
		go func() {
			<-rctx.Done()
			a.bot.Stop()
		}()
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop()
	}()
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()
	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()
	// Keep shutdown snappy even if the long-poll is still waiting.
	grace := time.NewTimer(2 * time.Second)
	defer grace.Stop()
	select {
	case <-done:
		a.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-grace.C:
		a.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	sendOpt := &tele.SendOptions{DisableWebPagePreview: opt.DisablePreview}
	if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
		sendOpt.ReplyMarkup = rm
	}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, text, sendOpt)
	if err != nil {
		return transport.MessageRef{}, mapSendErr(err)
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}, nil
}

func (a *Adapter) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	sendOpt := &tele.SendOptions{DisableWebPagePreview: opt.DisablePreview}
	if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
		sendOpt.ReplyMarkup = rm
	}
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	_, err := a.bot.Edit(m, text, sendOpt)
	return err
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

// Forward re-sends the source message from the owner's private chat to the
// destination, preserving authorship. Copies are never made; the original
// forward metadata stays intact.
func (a *Adapter) Forward(ctx context.Context, ownerID int64, sourceMessageID int, destinationID int64) error {
	src := tele.StoredMessage{
		MessageID: strconv.Itoa(sourceMessageID),
		ChatID:    ownerID,
	}
	_, err := a.bot.Forward(&tele.Chat{ID: destinationID}, src, tele.Silent)
	if err != nil {
		return mapSendErr(err)
	}
	return nil
}

var (
	usernameLinkRe = regexp.MustCompile(`(?i)(?:https?://)?t\.me/([A-Za-z0-9_]{3,})$`)
	inviteLinkRe   = regexp.MustCompile(`(?i)(?:https?://)?t\.me/(?:\+|joinchat/)[A-Za-z0-9_-]+`)
)

// ResolveDestination canonicalizes a destination from a link, @username or
// numeric id, then checks the bot can actually post there.
//
// Invite links cannot be consumed through the Bot API (bots cannot join
// chats on their own), so those come back as a typed verification failure
// telling the user to add the bot first.
func (a *Adapter) ResolveDestination(ctx context.Context, input string) (transport.Destination, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return transport.Destination{}, &transport.VerificationError{
			Kind: transport.VerifyInvalidLink, Reason: "Invalid group link or ID."}
	}

	var (
		chat *tele.Chat
		err  error
	)
	switch {
	case inviteLinkRe.MatchString(input):
		return transport.Destination{}, &transport.VerificationError{
			Kind:   transport.VerifyNotMember,
			Reason: "Private invite links can't be used directly. Add the bot to the group first, then send the group's ID or @username.",
		}
	case strings.HasPrefix(input, "@"):
		chat, err = a.bot.ChatByUsername(input)
	case usernameLinkRe.MatchString(input):
		m := usernameLinkRe.FindStringSubmatch(input)
		chat, err = a.bot.ChatByUsername("@" + m[1])
	default:
		id, perr := strconv.ParseInt(input, 10, 64)
		if perr != nil {
			return transport.Destination{}, &transport.VerificationError{
				Kind: transport.VerifyInvalidLink, Reason: "Invalid group link or ID."}
		}
		chat, err = a.bot.ChatByID(id)
	}
	if err != nil {
		return transport.Destination{}, &transport.VerificationError{
			Kind:   transport.VerifyInvalidLink,
			Reason: fmt.Sprintf("Cannot access that chat: %v. Check the link and ensure the bot was added.", err),
		}
	}

	member, err := a.bot.ChatMemberOf(chat, a.bot.Me)
	if err != nil || member == nil || member.Role == tele.Kicked || member.Role == tele.Left {
		return transport.Destination{}, &transport.VerificationError{
			Kind:   transport.VerifyNotMember,
			Reason: "The bot is not a member of that chat. Add it (with permission to send messages) and try again.",
		}
	}

	title := chat.Title
	if title == "" {
		title = strings.TrimPrefix(input, "@")
	}
	return transport.Destination{ID: chat.ID, Title: title}, nil
}

// mapSendErr converts telebot errors into the transport taxonomy.
func mapSendErr(err error) error {
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &transport.RateLimitedError{RetryAfter: time.Duration(fe.RetryAfter) * time.Second}
	}
	switch {
	case errors.Is(err, tele.ErrChatNotFound), errors.Is(err, tele.ErrNotFoundToForward):
		return fmt.Errorf("%w: %v", transport.ErrNotFound, err)
	case errors.Is(err, tele.ErrBlockedByUser), errors.Is(err, tele.ErrKickedFromGroup),
		errors.Is(err, tele.ErrKickedFromSuperGroup), errors.Is(err, tele.ErrNoRightsToSend):
		return fmt.Errorf("%w: %v", transport.ErrForbidden, err)
	}
	return err
}
