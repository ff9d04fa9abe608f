package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"forwardbot/internal/engine"
	"forwardbot/internal/storage"
	"forwardbot/internal/transport"
	"forwardbot/pkg/logx"
	"forwardbot/pkg/tgui"
)

// Options gates which updates the router reacts to. Reloadable via Apply.
type Options struct {
	// PrivateOnly drops messages from group chats.
	PrivateOnly bool
	// DedupWindow suppresses an identical text from the same user arriving
	// within the window. 0 disables dedup.
	DedupWindow time.Duration
}

// Router turns inbound transport updates into setup-flow and registry calls
// and renders the replies. Handle is invoked from a single consume loop, so
// updates for one user are processed in arrival order.
type Router struct {
	adapter  transport.Adapter
	flow     *engine.SetupFlow
	registry *engine.Registry
	store    storage.Store
	log      logx.Logger

	optMu sync.RWMutex
	opts  Options

	dedupMu sync.Mutex
	dedup   map[int64]lastInput
}

type lastInput struct {
	text string
	at   time.Time
}

func New(adapter transport.Adapter, flow *engine.SetupFlow, registry *engine.Registry, store storage.Store, opts Options, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		adapter:  adapter,
		flow:     flow,
		registry: registry,
		store:    store,
		log:      log,
		opts:     opts,
		dedup:    map[int64]lastInput{},
	}
}

// Apply swaps the policy options at runtime.
func (r *Router) Apply(opts Options) {
	r.optMu.Lock()
	r.opts = opts
	r.optMu.Unlock()
}

func (r *Router) options() Options {
	r.optMu.RLock()
	defer r.optMu.RUnlock()
	return r.opts
}

func (r *Router) Handle(ctx context.Context, up transport.Update) {
	switch up.Kind {
	case transport.UpdateMessage:
		if up.Message != nil {
			r.handleMessage(ctx, up.Message)
		}
	case transport.UpdateCallback:
		if up.Callback != nil {
			r.handleCallback(ctx, up.Callback)
		}
	}
}

func (r *Router) handleMessage(ctx context.Context, m *transport.Message) {
	opts := r.options()
	if opts.PrivateOnly && m.IsGroup {
		return
	}
	if r.isDuplicate(m.FromID, m.Text, opts.DedupWindow) {
		r.log.Debug("duplicate input dropped", logx.Int64("user", m.FromID))
		return
	}

	if cmd, arg, ok := parseCommand(m.Text); ok {
		r.handleCommand(ctx, m, cmd, arg)
		return
	}

	switch r.flow.Step(ctx, m.FromID) {
	case storage.StepAwaitingDestination:
		r.handleDestinationInput(ctx, m)
	case storage.StepAwaitingMessage:
		r.handleMessageInput(ctx, m)
	case storage.StepAwaitingInterval:
		r.reply(ctx, m.ChatID, useButtonsText, nil)
	default:
		r.reply(ctx, m.ChatID, idleHintText, nil)
	}
}

func (r *Router) handleCommand(ctx context.Context, m *transport.Message, cmd, arg string) {
	switch cmd {
	case "start":
		if err := r.flow.Begin(ctx, m.FromID); err != nil {
			r.log.Warn("begin setup failed", logx.Int64("user", m.FromID), logx.Err(err))
			r.reply(ctx, m.ChatID, "Something went wrong, please try again.", nil)
			return
		}
		r.reply(ctx, m.ChatID, welcomeText, nil)

	case "cancel":
		if r.flow.Cancel(ctx, m.FromID) {
			r.reply(ctx, m.ChatID, cancelledText, nil)
		} else {
			r.reply(ctx, m.ChatID, nothingCancelText, nil)
		}

	case "mytasks":
		tasks, err := r.store.Tasks(ctx, m.FromID)
		if err != nil {
			r.log.Warn("list tasks failed", logx.Int64("user", m.FromID), logx.Err(err))
			r.reply(ctx, m.ChatID, "Could not load your tasks, please try again.", nil)
			return
		}
		r.reply(ctx, m.ChatID, renderTaskList(tasks), nil)

	case "status":
		tasks, err := r.store.Tasks(ctx, m.FromID)
		if err != nil {
			r.log.Warn("status failed", logx.Int64("user", m.FromID), logx.Err(err))
			r.reply(ctx, m.ChatID, "Could not load your tasks, please try again.", nil)
			return
		}
		running := 0
		for _, t := range tasks {
			if r.registry.Running(m.FromID, t.ID) {
				running++
			}
		}
		r.reply(ctx, m.ChatID, renderStatus(tasks, running), nil)

	case "stoptask":
		r.handleStop(ctx, m, arg)

	case "help":
		r.reply(ctx, m.ChatID, helpText, nil)

	default:
		r.reply(ctx, m.ChatID, idleHintText, nil)
	}
}

func (r *Router) handleStop(ctx context.Context, m *transport.Message, arg string) {
	id, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || id <= 0 {
		r.reply(ctx, m.ChatID, "Usage: /stoptask_N (see /mytasks for task numbers).", nil)
		return
	}

	found, err := r.registry.StopJob(ctx, m.FromID, id)
	if err != nil {
		r.log.Warn("stop task failed", logx.Int64("user", m.FromID), logx.Int("task", id), logx.Err(err))
		r.reply(ctx, m.ChatID, "Could not stop the task, please try again.", nil)
		return
	}

	var known *storage.Task
	if !found {
		tasks, terr := r.store.Tasks(ctx, m.FromID)
		if terr == nil {
			for i := range tasks {
				if tasks[i].ID == id {
					known = &tasks[i]
					break
				}
			}
		}
	}
	r.reply(ctx, m.ChatID, renderStopResult(id, found, known), nil)
}

func (r *Router) handleDestinationInput(ctx context.Context, m *transport.Message) {
	dest, err := r.flow.SubmitDestination(ctx, m.FromID, strings.TrimSpace(m.Text))
	if err != nil {
		if ve, ok := transport.AsVerification(err); ok {
			r.reply(ctx, m.ChatID, "❌ "+ve.Reason, nil)
			return
		}
		r.log.Warn("destination submit failed", logx.Int64("user", m.FromID), logx.Err(err))
		r.reply(ctx, m.ChatID, "Could not verify that destination, please try again.", nil)
		return
	}
	r.replyf(ctx, m.ChatID, askMessageText, dest.Title)
}

func (r *Router) handleMessageInput(ctx context.Context, m *transport.Message) {
	if err := r.flow.SubmitMessage(ctx, m.FromID, m.ID); err != nil {
		r.log.Warn("message submit failed", logx.Int64("user", m.FromID), logx.Err(err))
		r.reply(ctx, m.ChatID, "Something went wrong, use /start to begin again.", nil)
		return
	}
	r.reply(ctx, m.ChatID, askIntervalText, &transport.SendOptions{
		ReplyMarkupAdapter: intervalKeyboard().Markup(),
	})
}

func (r *Router) handleCallback(ctx context.Context, cb *transport.Callback) {
	scope, action, payload := tgui.ParseData(cb.Data)
	if scope != "fwd" || action != "int" {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	hours, err := strconv.Atoi(payload)
	if err != nil {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}

	task, err := r.flow.SelectInterval(ctx, cb.FromID, hours)
	switch {
	case err == nil:
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "✅")
		ref := transport.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
		if eerr := r.adapter.EditText(ctx, ref, renderTaskCreated(task), nil); eerr != nil {
			r.log.Debug("edit confirmation failed", logx.Int64("user", cb.FromID), logx.Err(eerr))
			r.reply(ctx, cb.ChatID, renderTaskCreated(task), nil)
		}
	case errors.Is(err, engine.ErrSessionExpired):
		_ = r.adapter.AnswerCallback(ctx, cb.ID, sessionExpiredText)
	case errors.Is(err, engine.ErrBadInterval):
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "That interval is not available.")
	default:
		r.log.Warn("interval selection failed", logx.Int64("user", cb.FromID), logx.Err(err))
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "Something went wrong, please try again.")
	}
}

func (r *Router) isDuplicate(userID int64, text string, window time.Duration) bool {
	if window <= 0 || text == "" {
		return false
	}
	now := time.Now()
	r.dedupMu.Lock()
	defer r.dedupMu.Unlock()
	prev, ok := r.dedup[userID]
	r.dedup[userID] = lastInput{text: text, at: now}
	if len(r.dedup) > 4096 {
		for id, li := range r.dedup {
			if now.Sub(li.at) > window {
				delete(r.dedup, id)
			}
		}
	}
	return ok && prev.text == text && now.Sub(prev.at) < window
}

func (r *Router) reply(ctx context.Context, chatID int64, text string, opt *transport.SendOptions) {
	if _, err := r.adapter.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, opt); err != nil {
		r.log.Warn("send reply failed", logx.Int64("chat", chatID), logx.Err(err))
	}
}

func (r *Router) replyf(ctx context.Context, chatID int64, format string, args ...any) {
	r.reply(ctx, chatID, fmt.Sprintf(format, args...), nil)
}

// parseCommand splits "/stoptask_3", "/stoptask 3" or "/start@SomeBot" into
// a lowercase command name and its argument.
func parseCommand(text string) (cmd, arg string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	// /stoptask_3 style
	if base, suffix, found := strings.Cut(head, "_"); found {
		head, rest = base, suffix
	}
	head = strings.ToLower(head)
	if head == "" {
		return "", "", false
	}
	return head, strings.TrimSpace(rest), true
}
