package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"

	"SupportChat/server/internal/handlers"
	"SupportChat/server/internal/models"
	"SupportChat/server/internal/pool"
	"SupportChat/server/internal/services"
	"SupportChat/server/internal/store"
	"SupportChat/server/internal/utils"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeAPI serves one chat from memory.
type fakeAPI struct {
	mu        sync.Mutex
	chat      *models.Chat
	markReads int
	sends     int
	lists     int
	deletes   []int64
	deleteErr error
}

func (f *fakeAPI) ListChats(ctx context.Context, query url.Values) ([]models.ChatSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.chat == nil {
		return nil, nil
	}
	return []models.ChatSummary{f.chat.Summary()}, nil
}

func (f *fakeAPI) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chat == nil || f.chat.ID != chatID {
		return nil, &APIError{Status: 404, Message: models.ErrChatNotFound.Error()}
	}
	return f.chat.Clone(), nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReads++
	f.chat.Unread = false
	return nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, chatID, text string) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if f.chat.Status == models.StatusClosed {
		return models.Message{}, &APIError{Status: 409, Message: models.ErrChatClosed.Error()}
	}
	f.chat.NextSeq++
	msg := models.Message{Seq: f.chat.NextSeq, From: models.RoleAdmin, Text: text, At: time.Now().UTC()}
	f.chat.Messages = append(f.chat.Messages, msg)
	return msg, nil
}

func (f *fakeAPI) Assign(ctx context.Context, chatID string) (string, error) { return "alice", nil }
func (f *fakeAPI) Unassign(ctx context.Context, chatID string) error         { return nil }

func (f *fakeAPI) SetClosed(ctx context.Context, chatID string, closed bool) (models.ChatStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chat.Status = models.StatusOpen
	if closed {
		f.chat.Status = models.StatusClosed
	}
	return f.chat.Status, nil
}

func (f *fakeAPI) Export(ctx context.Context, chatID string) (string, error) { return "", nil }

func (f *fakeAPI) DeleteMessage(ctx context.Context, chatID string, index int, seq int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletes = append(f.deletes, seq)
	return nil
}

func (f *fakeAPI) DeleteChat(ctx context.Context, chatID string) error { return nil }

type pushCall struct {
	op     string
	chatID string
	typing bool
}

type fakePusher struct {
	mu    sync.Mutex
	calls []pushCall
}

func (p *fakePusher) record(c pushCall) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, c)
	return nil
}

func (p *fakePusher) Subscribe(ctx context.Context, chatID string) error {
	return p.record(pushCall{op: "subscribe", chatID: chatID})
}

func (p *fakePusher) Unsubscribe(ctx context.Context, chatID string) error {
	return p.record(pushCall{op: "unsubscribe", chatID: chatID})
}

func (p *fakePusher) Typing(ctx context.Context, chatID string, typing bool) error {
	return p.record(pushCall{op: "typing", chatID: chatID, typing: typing})
}

func (p *fakePusher) snapshot() []pushCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pushCall(nil), p.calls...)
}

func sampleChat(id string, msgs ...string) *models.Chat {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	chat := &models.Chat{
		ID:          id,
		VisitorName: "Ann",
		CreatedAt:   at,
		Status:      models.StatusOpen,
		Unread:      true,
	}
	for i, text := range msgs {
		chat.NextSeq++
		chat.Messages = append(chat.Messages, models.Message{
			Seq:  chat.NextSeq,
			From: models.RoleUser,
			Text: text,
			At:   at.Add(time.Duration(i) * time.Second),
		})
	}
	return chat
}

func newFakeConsole(t *testing.T, api *fakeAPI, clock clockwork.Clock) (*Console, *fakePusher, *[]Notification) {
	t.Helper()
	push := &fakePusher{}
	var notes []Notification
	c, err := New(api, push, Options{
		Clock:    clock,
		Logger:   discard,
		OnNotify: func(n Notification) { notes = append(notes, n) },
	})
	if err != nil {
		t.Fatal(err)
	}
	return c, push, &notes
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSelectFetchesSubscribesAndMarksRead(t *testing.T) {
	api := &fakeAPI{chat: sampleChat("c1", "hello")}
	c, push, _ := newFakeConsole(t, api, clockwork.NewFakeClock())

	if err := c.Select(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	v := c.View()
	if v.Selected == nil || v.Selected.ID != "c1" || v.Selected.Unread {
		t.Fatalf("selected = %+v", v.Selected)
	}
	if api.markReads != 1 {
		t.Fatalf("mark-read calls = %d", api.markReads)
	}
	calls := push.snapshot()
	if len(calls) != 1 || calls[0] != (pushCall{op: "subscribe", chatID: "c1"}) {
		t.Fatalf("push calls = %+v", calls)
	}

	// already read: no second mark-read
	if err := c.Select(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if api.markReads != 1 {
		t.Fatalf("mark-read calls = %d", api.markReads)
	}
}

func TestApplyEvents(t *testing.T) {
	api := &fakeAPI{chat: sampleChat("c1", "one", "two")}
	c, _, notes := newFakeConsole(t, api, clockwork.NewFakeClock())
	if err := c.Select(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	at := time.Date(2024, 3, 1, 12, 1, 0, 0, time.UTC)
	third := models.Message{Seq: 3, From: models.RoleUser, Text: "three", At: at}

	c.HandleEvent(models.NewMessageEvent("c1", third))
	c.HandleEvent(models.NewMessageEvent("c1", third))
	if n := len(c.View().Selected.Messages); n != 3 {
		t.Fatalf("messages = %d, want 3 after duplicate event", n)
	}
	if len(*notes) != 1 || (*notes)[0].Text != "three" {
		t.Fatalf("notifications = %+v", *notes)
	}

	c.HandleEvent(models.NewDeletedEvent("c1", 0, 1))
	c.HandleEvent(models.NewAssignedEvent("c1", "bob"))
	c.HandleEvent(models.NewStatusEvent("c1", models.StatusClosed))
	c.HandleEvent(models.NewPresenceEvent("c1", 2))

	v := c.View()
	if len(v.Selected.Messages) != 2 || v.Selected.Messages[0].Seq != 2 {
		t.Fatalf("messages after delete = %+v", v.Selected.Messages)
	}
	if v.Selected.AssignedAdmin != "bob" || v.Selected.Status != models.StatusClosed || v.Admins != 2 {
		t.Fatalf("view = %+v", v)
	}

	// events for other chats are ignored
	c.HandleEvent(models.NewPresenceEvent("c2", 7))
	if c.View().Admins != 2 {
		t.Fatal("foreign presence applied")
	}

	// init replaces the local copy wholesale
	fresh := sampleChat("c1", "only")
	c.HandleEvent(models.NewInitEvent(fresh, 1))
	v = c.View()
	if len(v.Selected.Messages) != 1 || v.Selected.Status != models.StatusOpen || v.Admins != 1 {
		t.Fatalf("view after init = %+v", v)
	}

	c.HandleEvent(models.NewRemovedEvent("c1"))
	if c.View().Selected != nil {
		t.Fatal("removed chat still selected")
	}
}

func TestVisitorTypingExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	api := &fakeAPI{chat: sampleChat("c1", "hi")}
	c, _, _ := newFakeConsole(t, api, clock)
	if err := c.Select(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	c.HandleEvent(models.NewTypingEvent("c1", models.RoleUser, true))
	if !c.View().VisitorTyping {
		t.Fatal("visitor typing not shown")
	}
	c.HandleEvent(models.NewTypingEvent("c1", models.RoleAdmin, false))
	if !c.View().VisitorTyping {
		t.Fatal("admin typing event changed visitor flag")
	}

	clock.Advance(TypingIdle + time.Millisecond)
	eventually(t, "typing to expire", func() bool { return !c.View().VisitorTyping })
}

func TestSendForcesTypingOff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	api := &fakeAPI{chat: sampleChat("c1", "hi")}
	c, push, _ := newFakeConsole(t, api, clock)
	if err := c.Select(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	c.Keystroke()
	msg, err := c.Send(context.Background(), "on it")
	if err != nil {
		t.Fatal(err)
	}

	calls := push.snapshot()
	want := []pushCall{
		{op: "subscribe", chatID: "c1"},
		{op: "typing", chatID: "c1", typing: true},
		{op: "typing", chatID: "c1", typing: false},
	}
	if fmt.Sprint(calls) != fmt.Sprint(want) {
		t.Fatalf("push calls = %+v", calls)
	}

	// the push echo of our own reply is not appended twice
	c.HandleEvent(models.NewMessageEvent("c1", msg))
	if n := len(c.View().Selected.Messages); n != 2 {
		t.Fatalf("messages = %d, want 2", n)
	}

	clock.Advance(5 * time.Second)
	time.Sleep(50 * time.Millisecond)
	if n := len(push.snapshot()); n != 3 {
		t.Fatalf("timer fired after send: %d calls", n)
	}
}

func TestReselectCancelsTypingAndUnsubscribes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	api := &fakeAPI{chat: sampleChat("c1", "hi")}
	c, push, _ := newFakeConsole(t, api, clock)
	ctx := context.Background()

	if err := c.Select(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	c.Keystroke()

	api.mu.Lock()
	api.chat = sampleChat("c2", "other")
	api.mu.Unlock()
	if err := c.Select(ctx, "c2"); err != nil {
		t.Fatal(err)
	}

	want := []pushCall{
		{op: "subscribe", chatID: "c1"},
		{op: "typing", chatID: "c1", typing: true},
		{op: "typing", chatID: "c1", typing: false},
		{op: "unsubscribe", chatID: "c1"},
		{op: "subscribe", chatID: "c2"},
	}
	if got := push.snapshot(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("push calls = %+v", got)
	}

	clock.Advance(5 * time.Second)
	time.Sleep(50 * time.Millisecond)
	if n := len(push.snapshot()); n != len(want) {
		t.Fatalf("old chat timer still running: %d calls", n)
	}
}

func TestDeleteMessageSendsSeqGuard(t *testing.T) {
	api := &fakeAPI{chat: sampleChat("c1", "a", "b", "c")}
	c, _, _ := newFakeConsole(t, api, clockwork.NewFakeClock())
	if err := c.Select(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	if err := c.DeleteMessage(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if len(api.deletes) != 1 || api.deletes[0] != 2 {
		t.Fatalf("deletes = %v", api.deletes)
	}
	msgs := c.View().Selected.Messages
	if len(msgs) != 2 || msgs[0].Text != "a" || msgs[1].Text != "c" {
		t.Fatalf("messages = %+v", msgs)
	}

	if err := c.DeleteMessage(context.Background(), 5); !errors.Is(err, models.ErrMessageNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestSendRefusedOnClosedChat(t *testing.T) {
	api := &fakeAPI{chat: sampleChat("c1", "hi")}
	c, push, _ := newFakeConsole(t, api, clockwork.NewFakeClock())
	if err := c.Select(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	c.HandleEvent(models.NewStatusEvent("c1", models.StatusClosed))

	if _, err := c.Send(context.Background(), "hi"); !errors.Is(err, models.ErrChatClosed) {
		t.Fatalf("err = %v", err)
	}
	if api.sends != 0 {
		t.Fatalf("REST sends = %d, want 0", api.sends)
	}
	if n := len(push.snapshot()); n != 1 {
		t.Fatalf("push calls = %d, want only the subscribe", n)
	}
}

func TestStaleDeleteRefetchesChatAndList(t *testing.T) {
	for name, apiErr := range map[string]error{
		"message gone": &APIError{Status: 404, Message: models.ErrMessageNotFound.Error()},
		"log shifted":  &APIError{Status: 409, Message: models.ErrStaleIndex.Error()},
	} {
		t.Run(name, func(t *testing.T) {
			api := &fakeAPI{chat: sampleChat("c1", "a", "b", "c")}
			c, _, _ := newFakeConsole(t, api, clockwork.NewFakeClock())
			ctx := context.Background()
			if err := c.Select(ctx, "c1"); err != nil {
				t.Fatal(err)
			}

			// another admin removed the first message meanwhile
			api.mu.Lock()
			api.chat.Messages = api.chat.Messages[1:]
			api.deleteErr = apiErr
			api.lists = 0
			api.mu.Unlock()

			err := c.DeleteMessage(ctx, 0)
			if !errors.Is(err, apiErr) {
				t.Fatalf("err = %v", err)
			}
			if api.lists != 1 {
				t.Fatalf("list refreshes = %d, want 1", api.lists)
			}
			msgs := c.View().Selected.Messages
			if len(msgs) != 2 || msgs[0].Text != "b" {
				t.Fatalf("messages = %+v, want the server log", msgs)
			}
		})
	}
}

func TestMissingChatDropsSelection(t *testing.T) {
	api := &fakeAPI{chat: sampleChat("c1", "hi")}
	c, _, _ := newFakeConsole(t, api, clockwork.NewFakeClock())
	ctx := context.Background()
	if err := c.Select(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := c.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	api.mu.Lock()
	api.chat = nil
	api.deleteErr = &APIError{Status: 404, Message: models.ErrChatNotFound.Error()}
	api.mu.Unlock()

	if err := c.DeleteMessage(ctx, 0); !errors.Is(err, models.ErrChatNotFound) {
		t.Fatalf("err = %v", err)
	}
	if v := c.View(); v.Selected != nil || len(v.Chats) != 0 {
		t.Fatalf("view = %+v", v)
	}
}

func TestLateInitKeepsChatRead(t *testing.T) {
	api := &fakeAPI{chat: sampleChat("c1", "hi")}
	c, _, _ := newFakeConsole(t, api, clockwork.NewFakeClock())
	if err := c.Select(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	// snapshot taken before the mark-read committed
	stale := sampleChat("c1", "hi")
	c.HandleEvent(models.NewInitEvent(stale, 1))

	if v := c.View(); v.Selected.Unread || v.Admins != 1 {
		t.Fatalf("view after init = %+v", v.Selected)
	}
}

func TestActionsNeedSelection(t *testing.T) {
	c, _, _ := newFakeConsole(t, &fakeAPI{}, clockwork.NewFakeClock())
	if _, err := c.Send(context.Background(), "hi"); !errors.Is(err, ErrNoSelection) {
		t.Fatalf("err = %v", err)
	}
	if err := c.Assign(context.Background()); !errors.Is(err, ErrNoSelection) {
		t.Fatalf("err = %v", err)
	}
}

// liveServer runs the real router on a memory store.
type liveServer struct {
	*httptest.Server
	signer *utils.TokenSigner
}

func newLiveServer(t *testing.T) *liveServer {
	t.Helper()

	clock := clockwork.NewRealClock()
	chatStore := store.NewMemoryStore()
	hub := pool.NewHub(pool.LoaderFunc(chatStore.Get), discard)
	chats := services.NewChatService(chatStore, hub, clock, discard)
	signer := utils.NewTokenSigner("console-secret", time.Hour)

	r := chi.NewRouter()
	handlers.RegisterRoutes(r, handlers.NewHandler(chats, hub, signer, clock, discard))

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &liveServer{Server: srv, signer: signer}
}

func (s *liveServer) token(t *testing.T, id models.Identity) string {
	t.Helper()
	tok, err := s.signer.Issue(id, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (s *liveServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

// visitor posts through the public routes with a visitor token.
type visitor struct {
	*Client
	chatID string
}

func (s *liveServer) startChat(t *testing.T, name, text string) *visitor {
	t.Helper()
	anon := NewClient(s.URL, "")
	var out struct {
		Chat  models.Chat `json:"chat"`
		Token string      `json:"token"`
	}
	body := map[string]string{"name": name, "email": "ann@example.com", "text": text}
	if err := anon.do(context.Background(), "POST", "/api/chats", body, &out); err != nil {
		t.Fatal(err)
	}
	return &visitor{Client: NewClient(s.URL, out.Token), chatID: out.Chat.ID}
}

func (v *visitor) say(t *testing.T, text string) {
	t.Helper()
	if err := v.do(context.Background(), "POST", "/api/chats/"+v.chatID+"/message",
		map[string]string{"text": text}, nil); err != nil {
		t.Fatal(err)
	}
}

func TestConsoleAgainstServer(t *testing.T) {
	srv := newLiveServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adminTok := srv.token(t, models.Identity{ID: "alice", Name: "Alice", Role: models.RoleAdmin})
	api := NewClient(srv.URL, adminTok)
	push, err := NewPushConn(srv.wsURL(), adminTok, discard)
	if err != nil {
		t.Fatal(err)
	}

	var (
		mu    sync.Mutex
		notes []Notification
		errs  []error
	)
	c, err := New(api, push, Options{
		Logger:   discard,
		OnNotify: func(n Notification) { mu.Lock(); notes = append(notes, n); mu.Unlock() },
		OnError:  func(err error) { mu.Lock(); errs = append(errs, err); mu.Unlock() },
	})
	if err != nil {
		t.Fatal(err)
	}
	noteCount := func() int { mu.Lock(); defer mu.Unlock(); return len(notes) }
	errCount := func() int { mu.Lock(); defer mu.Unlock(); return len(errs) }

	runDone := make(chan error, 1)
	go func() { runDone <- push.Run(ctx, c.HandleEvent) }()

	ann := srv.startChat(t, "Ann", "my order is late")

	if err := c.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if v := c.View(); len(v.Chats) != 1 || !v.Chats[0].Unread {
		t.Fatalf("chats = %+v", v.Chats)
	}
	if noteCount() != 1 {
		t.Fatalf("notifications = %d", noteCount())
	}

	if err := c.Select(ctx, ann.chatID); err != nil {
		t.Fatal(err)
	}
	stored, err := api.GetChat(ctx, ann.chatID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Unread {
		t.Fatal("select did not mark the chat read")
	}
	eventually(t, "presence from init", func() bool { return c.View().Admins == 1 })

	ann.say(t, "order 1234")
	eventually(t, "visitor message", func() bool { return len(c.View().Selected.Messages) == 2 })
	if noteCount() != 2 {
		t.Fatalf("notifications = %d", noteCount())
	}

	// the refresh sees the same unread message; no second toast
	if err := c.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if noteCount() != 2 {
		t.Fatalf("notifications after refresh = %d", noteCount())
	}

	if _, err := c.Send(ctx, "looking into it"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if n := len(c.View().Selected.Messages); n != 3 {
		t.Fatalf("messages = %d, want 3", n)
	}

	if err := c.Assign(ctx); err != nil {
		t.Fatal(err)
	}
	if got := c.View().Selected.AssignedAdmin; got != "Alice" {
		t.Fatalf("assigned = %q", got)
	}

	if err := c.DeleteMessage(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if msgs := c.View().Selected.Messages; len(msgs) != 2 || msgs[1].Text != "looking into it" {
		t.Fatalf("messages = %+v", msgs)
	}

	transcript, err := c.Export(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(transcript, "looking into it") || strings.Contains(transcript, "order 1234") {
		t.Fatalf("transcript = %q", transcript)
	}

	if err := c.SetClosed(ctx, true); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Send(ctx, "one more thing"); !errors.Is(err, models.ErrChatClosed) {
		t.Fatalf("send to closed chat: %v", err)
	}
	// refused locally, nothing reached the server
	if errCount() != 0 {
		t.Fatalf("errors reported = %d", errCount())
	}

	if err := c.DeleteChat(ctx); err != nil {
		t.Fatal(err)
	}
	if v := c.View(); v.Selected != nil || len(v.Chats) != 0 {
		t.Fatalf("view after delete = %+v", v)
	}

	err = c.Select(ctx, ann.chatID)
	if !errors.Is(err, ErrNotFound) || !errors.Is(err, models.ErrChatNotFound) {
		t.Fatalf("select deleted chat: %v", err)
	}

	cancel()
	select {
	case err := <-runDone:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("push loop did not stop")
	}
}

func TestPushRejectsBadToken(t *testing.T) {
	srv := newLiveServer(t)
	push, err := NewPushConn(srv.wsURL(), "garbage", discard)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := push.Run(ctx, func(models.Event) {}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v", err)
	}
}
