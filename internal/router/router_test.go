package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"forwardbot/internal/engine"
	"forwardbot/internal/storage"
	"forwardbot/internal/transport"
	"forwardbot/pkg/logx"
)

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []sentMsg
	edits   []string
	answers []string
	nextID  int

	resolveOK  transport.Destination
	resolveErr error
}

type sentMsg struct {
	chatID int64
	text   string
	markup bool
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                               { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, sentMsg{
		chatID: to.ChatID,
		text:   text,
		markup: opt != nil && opt.ReplyMarkupAdapter != nil,
	})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: f.nextID}, nil
}

func (f *fakeAdapter) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeAdapter) AnswerCallback(ctx context.Context, callbackID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeAdapter) ResolveDestination(ctx context.Context, input string) (transport.Destination, error) {
	if f.resolveErr != nil {
		return transport.Destination{}, f.resolveErr
	}
	return f.resolveOK, nil
}

func (f *fakeAdapter) Forward(ctx context.Context, ownerID int64, sourceMessageID int, destinationID int64) error {
	return nil
}

func (f *fakeAdapter) lastText(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1].text
}

func (f *fakeAdapter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type noopNotifier struct{}

func (noopNotifier) Notify(userID int64, text string) {}

func newTestRouter(t *testing.T, opts Options) (*Router, *fakeAdapter, *engine.Registry) {
	t.Helper()
	store, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   t.TempDir() + "/store.json",
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ad := &fakeAdapter{resolveOK: transport.Destination{ID: -100123, Title: "Test Group"}}
	reg := engine.NewRegistry(store, ad, noopNotifier{}, engine.Config{IntervalUnit: 5 * time.Millisecond}, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		reg.Shutdown(ctx)
	})
	flow := engine.NewSetupFlow(store, ad, reg, testLogger())
	return New(ad, flow, reg, store, opts, testLogger()), ad, reg
}

func msg(from int64, text string) transport.Update {
	return transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{
		ID: 1, ChatID: from, FromID: from, Text: text,
	}}
}

func callback(from int64, data string) transport.Update {
	return transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{
		ID: "cb1", FromID: from, ChatID: from, MessageID: 7, Data: data,
	}}
}

func TestFullSetupFlow(t *testing.T) {
	r, ad, reg := newTestRouter(t, Options{})
	ctx := context.Background()
	const user = int64(42)

	r.Handle(ctx, msg(user, "/start"))
	require.Contains(t, ad.lastText(t), "Welcome")

	r.Handle(ctx, msg(user, "https://t.me/testgroup"))
	require.Contains(t, ad.lastText(t), "Test Group")

	r.Handle(ctx, transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{
		ID: 99, ChatID: user, FromID: user, Text: "forward me please",
	}})
	ad.mu.Lock()
	last := ad.sent[len(ad.sent)-1]
	ad.mu.Unlock()
	require.True(t, last.markup, "interval prompt should carry the keyboard")

	r.Handle(ctx, callback(user, "fwd:int:2"))
	ad.mu.Lock()
	require.NotEmpty(t, ad.edits)
	created := ad.edits[len(ad.edits)-1]
	ad.mu.Unlock()
	require.Contains(t, created, "Task #1 created")
	require.Contains(t, created, "2 hours")
	require.True(t, reg.Running(user, 1))

	// Double-tap on the same keyboard must not create a second task.
	r.Handle(ctx, callback(user, "fwd:int:2"))
	ad.mu.Lock()
	expired := ad.answers[len(ad.answers)-1]
	ad.mu.Unlock()
	require.Contains(t, expired, "expired")
	require.Equal(t, 1, reg.Count())
}

func TestVerificationFailureMessage(t *testing.T) {
	r, ad, _ := newTestRouter(t, Options{})
	ctx := context.Background()
	ad.resolveErr = &transport.VerificationError{
		Kind: transport.VerifyNotMember, Reason: "The bot is not a member of that chat.",
	}

	r.Handle(ctx, msg(7, "/start"))
	r.Handle(ctx, msg(7, "https://t.me/nope"))
	require.Contains(t, ad.lastText(t), "not a member")

	// State is untouched; fixing the resolver lets the same step retry.
	ad.resolveErr = nil
	r.Handle(ctx, msg(7, "@testgroup"))
	require.Contains(t, ad.lastText(t), "Test Group")
}

func TestGroupMessagesIgnoredWhenPrivateOnly(t *testing.T) {
	r, ad, _ := newTestRouter(t, Options{PrivateOnly: true})
	r.Handle(context.Background(), transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{
		ID: 1, ChatID: -100999, FromID: 5, Text: "/start", IsGroup: true,
	}})
	require.Zero(t, ad.sentCount())
}

func TestDedupWindowDropsRepeats(t *testing.T) {
	r, ad, _ := newTestRouter(t, Options{DedupWindow: time.Second})
	ctx := context.Background()
	r.Handle(ctx, msg(9, "/mytasks"))
	r.Handle(ctx, msg(9, "/mytasks"))
	require.Equal(t, 1, ad.sentCount())
}

func TestStopTaskVariants(t *testing.T) {
	r, ad, reg := newTestRouter(t, Options{})
	ctx := context.Background()
	const user = int64(11)

	r.Handle(ctx, msg(user, "/start"))
	r.Handle(ctx, msg(user, "@testgroup"))
	r.Handle(ctx, msg(user, "payload"))
	r.Handle(ctx, callback(user, "fwd:int:1"))
	require.True(t, reg.Running(user, 1))

	r.Handle(ctx, msg(user, "/stoptask_1"))
	require.Contains(t, ad.lastText(t), "Task #1 stopped")
	require.False(t, reg.Running(user, 1))

	r.Handle(ctx, msg(user, "/stoptask 1"))
	require.Contains(t, ad.lastText(t), "already stopped")

	r.Handle(ctx, msg(user, "/stoptask 99"))
	require.Contains(t, ad.lastText(t), "No active task #99")

	r.Handle(ctx, msg(user, "/stoptask_x"))
	require.Contains(t, ad.lastText(t), "Usage")
}

func TestStatusAndMyTasks(t *testing.T) {
	r, ad, _ := newTestRouter(t, Options{})
	ctx := context.Background()
	const user = int64(3)

	r.Handle(ctx, msg(user, "/mytasks"))
	require.Contains(t, ad.lastText(t), "no tasks yet")

	r.Handle(ctx, msg(user, "/start"))
	r.Handle(ctx, msg(user, "@testgroup"))
	r.Handle(ctx, msg(user, "payload"))
	r.Handle(ctx, callback(user, "fwd:int:3"))

	r.Handle(ctx, msg(user, "/mytasks"))
	list := ad.lastText(t)
	require.Contains(t, list, "#1 → Test Group")
	require.Contains(t, list, "every 3 hours")
	require.Contains(t, list, "active")

	r.Handle(ctx, msg(user, "/status"))
	status := ad.lastText(t)
	require.Contains(t, status, "1 active, 0 stopped")
	require.Contains(t, status, "1 running job")
}

func TestIdleTextGetsHint(t *testing.T) {
	r, ad, _ := newTestRouter(t, Options{})
	r.Handle(context.Background(), msg(2, "hello there"))
	require.Contains(t, ad.lastText(t), "/start")
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in       string
		cmd, arg string
		ok       bool
	}{
		{"/start", "start", "", true},
		{"/start@ForwarderBot", "start", "", true},
		{"/stoptask_3", "stoptask", "3", true},
		{"/stoptask 3", "stoptask", "3", true},
		{"/STOPTASK_4", "stoptask", "4", true},
		{"hello", "", "", false},
		{"/", "", "", false},
	}
	for _, tc := range cases {
		cmd, arg, ok := parseCommand(tc.in)
		require.Equal(t, tc.ok, ok, tc.in)
		require.Equal(t, tc.cmd, cmd, tc.in)
		require.Equal(t, tc.arg, arg, tc.in)
	}
}

func testLogger() logx.Logger { return logx.Nop() }
