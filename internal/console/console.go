package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"SupportChat/server/internal/models"
)

// API is the subset of the control plane the console drives. *Client
// implements it.
type API interface {
	ListChats(ctx context.Context, query url.Values) ([]models.ChatSummary, error)
	GetChat(ctx context.Context, chatID string) (*models.Chat, error)
	MarkRead(ctx context.Context, chatID string) error
	SendMessage(ctx context.Context, chatID, text string) (models.Message, error)
	Assign(ctx context.Context, chatID string) (string, error)
	Unassign(ctx context.Context, chatID string) error
	SetClosed(ctx context.Context, chatID string, closed bool) (models.ChatStatus, error)
	Export(ctx context.Context, chatID string) (string, error)
	DeleteMessage(ctx context.Context, chatID string, index int, seq int64) error
	DeleteChat(ctx context.Context, chatID string) error
}

// Pusher is the outbound half of the push channel. *PushConn implements it.
type Pusher interface {
	Subscribe(ctx context.Context, chatID string) error
	Unsubscribe(ctx context.Context, chatID string) error
	Typing(ctx context.Context, chatID string, typing bool) error
}

var ErrNoSelection = errors.New("no chat selected")

type Options struct {
	Clock  clockwork.Clock
	Logger *slog.Logger
	// ListQuery filters the chat list, e.g. status=open.
	ListQuery url.Values
	// TypingIdle defaults to TypingIdle. It is also how long a visitor's
	// typing indicator is shown without being refreshed.
	TypingIdle time.Duration
	// OnError receives every failed REST call.
	OnError func(error)
	// OnNotify shows a toast.
	OnNotify func(Notification)
	// OnChange is called after local state changed.
	OnChange        func()
	NotifyCacheSize int
}

// View is a copy of the console state for rendering.
type View struct {
	Chats         []models.ChatSummary
	Selected      *models.Chat
	Admins        int
	VisitorTyping bool
}

// Console keeps the chat list and exactly one open chat in sync with the
// REST responses and the push events for that chat.
type Console struct {
	api      API
	push     Pusher
	clock    clockwork.Clock
	log      *slog.Logger
	opts     Options
	notifier *Notifier

	mu            sync.Mutex
	chats         []models.ChatSummary
	selected      *models.Chat
	readChat      string
	admins        int
	visitorTyping bool
	typingTimer   clockwork.Timer
	typingGen     uint64
	debouncer     *TypingDebouncer
}

func New(api API, push Pusher, opts Options) (*Console, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TypingIdle <= 0 {
		opts.TypingIdle = TypingIdle
	}

	notifier, err := NewNotifier(opts.NotifyCacheSize, opts.OnNotify)
	if err != nil {
		return nil, fmt.Errorf("notifier: %w", err)
	}

	return &Console{
		api:      api,
		push:     push,
		clock:    opts.Clock,
		log:      opts.Logger.With(slog.String("component", "console")),
		opts:     opts,
		notifier: notifier,
	}, nil
}

// fail reports a REST failure. A chat or message that no longer exists, or a
// log that shifted under a delete, means local state is stale: the chat list
// is refetched and so is the open chat, or it is dropped if it is gone.
func (c *Console) fail(ctx context.Context, op, chatID string, err error) error {
	err = fmt.Errorf("%s: %w", op, err)
	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}

	switch {
	case errors.Is(err, models.ErrChatNotFound):
		c.apply(models.NewRemovedEvent(chatID))
	case errors.Is(err, models.ErrMessageNotFound), errors.Is(err, models.ErrStaleIndex):
		c.resync(ctx, chatID)
	default:
		return err
	}
	if rerr := c.Refresh(ctx); rerr != nil {
		c.log.Warn("list refresh failed", slog.Any("error", rerr))
	}
	return err
}

// resync replaces the open chat with a fresh copy from the server.
func (c *Console) resync(ctx context.Context, chatID string) {
	chat, err := c.api.GetChat(ctx, chatID)
	if err != nil {
		c.log.Warn("chat refetch failed", slog.String("chat_id", chatID), slog.Any("error", err))
		return
	}

	c.mu.Lock()
	replaced := c.selected != nil && c.selected.ID == chatID
	if replaced {
		if c.readChat == chatID {
			chat.Unread = false
		}
		c.selected = chat
	}
	c.mu.Unlock()
	if replaced {
		c.changed()
	}
}

func (c *Console) changed() {
	if c.opts.OnChange != nil {
		c.opts.OnChange()
	}
}

func (c *Console) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := View{
		Chats:         append([]models.ChatSummary(nil), c.chats...),
		Admins:        c.admins,
		VisitorTyping: c.visitorTyping,
	}
	if c.selected != nil {
		v.Selected = c.selected.Clone()
	}
	return v
}

func (c *Console) SelectedID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == nil {
		return ""
	}
	return c.selected.ID
}

// Refresh reloads the chat list. Unread chats whose last message came from
// the visitor are offered to the notifier.
func (c *Console) Refresh(ctx context.Context) error {
	chats, err := c.api.ListChats(ctx, c.opts.ListQuery)
	if err != nil {
		err = fmt.Errorf("list chats: %w", err)
		if c.opts.OnError != nil {
			c.opts.OnError(err)
		}
		return err
	}

	c.mu.Lock()
	c.chats = chats
	c.mu.Unlock()

	for _, s := range chats {
		if s.Unread && s.LastMessage != nil {
			c.notifier.Offer(s.ID, s.VisitorName, *s.LastMessage)
		}
	}
	c.changed()
	return nil
}

// Select opens a chat: fetch it, subscribe to its events, then mark it read
// if it was unread. The previous chat is unsubscribed and its typing timer
// cancelled.
func (c *Console) Select(ctx context.Context, chatID string) error {
	chat, err := c.api.GetChat(ctx, chatID)
	if err != nil {
		return c.fail(ctx, "open chat", chatID, err)
	}

	unread := chat.Unread

	c.mu.Lock()
	prev := c.selected
	if c.debouncer != nil {
		c.debouncer.Stop()
	}
	c.stopVisitorTypingLocked()
	c.selected = chat
	c.readChat = ""
	c.admins = 0
	c.debouncer = NewTypingDebouncer(c.clock, c.opts.TypingIdle, func(typing bool) {
		// fires from the idle timer, long after the Select call returned
		if err := c.push.Typing(context.Background(), chatID, typing); err != nil {
			c.log.Debug("typing signal dropped", slog.Any("error", err))
		}
	})
	c.mu.Unlock()

	if prev != nil && prev.ID != chatID {
		if err := c.push.Unsubscribe(ctx, prev.ID); err != nil {
			c.log.Debug("unsubscribe failed", slog.String("chat_id", prev.ID), slog.Any("error", err))
		}
	}
	if err := c.push.Subscribe(ctx, chatID); err != nil {
		c.log.Warn("subscribe failed", slog.String("chat_id", chatID), slog.Any("error", err))
	}

	if unread {
		if err := c.api.MarkRead(ctx, chatID); err != nil {
			return c.fail(ctx, "mark read", chatID, err)
		}
		c.mu.Lock()
		if c.selected != nil && c.selected.ID == chatID {
			c.selected.Unread = false
			c.readChat = chatID
		}
		c.setUnreadLocked(chatID, false)
		c.mu.Unlock()
	}

	c.changed()
	return nil
}

// Close drops the selection.
func (c *Console) Close(ctx context.Context) {
	c.mu.Lock()
	prev := c.selected
	if c.debouncer != nil {
		c.debouncer.Stop()
		c.debouncer = nil
	}
	c.stopVisitorTypingLocked()
	c.selected = nil
	c.admins = 0
	c.mu.Unlock()

	if prev != nil {
		c.push.Unsubscribe(ctx, prev.ID)
	}
	c.changed()
}

// Keystroke feeds the typing debouncer of the open chat.
func (c *Console) Keystroke() {
	c.mu.Lock()
	d := c.debouncer
	c.mu.Unlock()
	if d != nil {
		d.Keystroke()
	}
}

func (c *Console) selection() (string, models.ChatStatus, *TypingDebouncer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == nil {
		return "", "", nil, ErrNoSelection
	}
	return c.selected.ID, c.selected.Status, c.debouncer, nil
}

// Send posts an admin reply to the open chat. Typing is forced off first.
// A chat known to be closed is refused locally without a request. The
// stored message is merged locally; the push echo of the same message is
// recognised by seq.
func (c *Console) Send(ctx context.Context, text string) (models.Message, error) {
	chatID, status, d, err := c.selection()
	if err != nil {
		return models.Message{}, err
	}
	if status == models.StatusClosed {
		return models.Message{}, models.ErrChatClosed
	}
	if d != nil {
		d.Flush()
	}

	msg, err := c.api.SendMessage(ctx, chatID, text)
	if err != nil {
		return models.Message{}, c.fail(ctx, "send message", chatID, err)
	}

	c.mu.Lock()
	if c.selected != nil && c.selected.ID == chatID {
		c.appendLocked(msg)
	}
	c.mu.Unlock()
	c.changed()
	return msg, nil
}

func (c *Console) Assign(ctx context.Context) error {
	chatID, _, _, err := c.selection()
	if err != nil {
		return err
	}
	admin, err := c.api.Assign(ctx, chatID)
	if err != nil {
		return c.fail(ctx, "assign", chatID, err)
	}
	c.apply(models.NewAssignedEvent(chatID, admin))
	return nil
}

func (c *Console) Unassign(ctx context.Context) error {
	chatID, _, _, err := c.selection()
	if err != nil {
		return err
	}
	if err := c.api.Unassign(ctx, chatID); err != nil {
		return c.fail(ctx, "unassign", chatID, err)
	}
	c.apply(models.NewAssignedEvent(chatID, ""))
	return nil
}

func (c *Console) SetClosed(ctx context.Context, closed bool) error {
	chatID, _, _, err := c.selection()
	if err != nil {
		return err
	}
	status, err := c.api.SetClosed(ctx, chatID, closed)
	if err != nil {
		return c.fail(ctx, "set status", chatID, err)
	}
	c.apply(models.NewStatusEvent(chatID, status))
	return nil
}

func (c *Console) Export(ctx context.Context) (string, error) {
	chatID, _, _, err := c.selection()
	if err != nil {
		return "", err
	}
	transcript, err := c.api.Export(ctx, chatID)
	if err != nil {
		return "", c.fail(ctx, "export", chatID, err)
	}
	return transcript, nil
}

// DeleteMessage removes the message at index of the open chat. The seq the
// console has at that index goes along so a shifted log is refused instead
// of deleting the wrong entry.
func (c *Console) DeleteMessage(ctx context.Context, index int) error {
	c.mu.Lock()
	if c.selected == nil {
		c.mu.Unlock()
		return ErrNoSelection
	}
	chatID := c.selected.ID
	if index < 0 || index >= len(c.selected.Messages) {
		c.mu.Unlock()
		return models.ErrMessageNotFound
	}
	seq := c.selected.Messages[index].Seq
	c.mu.Unlock()

	if err := c.api.DeleteMessage(ctx, chatID, index, seq); err != nil {
		return c.fail(ctx, "delete message", chatID, err)
	}
	c.apply(models.NewDeletedEvent(chatID, index, seq))
	return nil
}

func (c *Console) DeleteChat(ctx context.Context) error {
	chatID, _, _, err := c.selection()
	if err != nil {
		return err
	}
	if err := c.api.DeleteChat(ctx, chatID); err != nil {
		return c.fail(ctx, "delete chat", chatID, err)
	}
	c.apply(models.NewRemovedEvent(chatID))
	return nil
}

// HandleEvent applies one push event. It is the handler given to
// PushConn.Run.
func (c *Console) HandleEvent(ev models.Event) {
	if e, ok := ev.(*models.ErrorEvent); ok {
		c.log.Warn("push error", slog.String("chat_id", e.ChatID), slog.String("error", e.Error))
		return
	}
	if e, ok := ev.(*models.MessageEvent); ok {
		c.mu.Lock()
		name := c.visitorNameLocked(e.ChatID)
		c.mu.Unlock()
		c.notifier.Offer(e.ChatID, name, e.Message)
	}
	c.apply(ev)
}

func (c *Console) apply(ev models.Event) {
	c.mu.Lock()
	changed := c.applyLocked(ev)
	c.mu.Unlock()
	if changed {
		c.changed()
	}
}

func (c *Console) applyLocked(ev models.Event) bool {
	if e, ok := ev.(*models.RemovedEvent); ok {
		c.removeSummaryLocked(e.ChatID)
	}
	if c.selected == nil || c.selected.ID != ev.EventChatID() {
		return false
	}

	switch e := ev.(type) {
	case *models.InitEvent:
		if e.Chat == nil {
			return false
		}
		// a snapshot loaded before our mark-read committed still says unread
		if e.Chat.ID == c.readChat {
			e.Chat.Unread = false
		}
		c.selected = e.Chat
		c.admins = e.Admins
	case *models.MessageEvent:
		if !c.appendLocked(e.Message) {
			return false
		}
	case *models.DeletedEvent:
		c.deleteLocked(e.Index, e.Seq)
	case *models.AssignedEvent:
		c.selected.AssignedAdmin = e.AssignedAdmin
		c.updateSummaryLocked(e.ChatID, func(s *models.ChatSummary) { s.AssignedAdmin = e.AssignedAdmin })
	case *models.StatusEvent:
		c.selected.Status = e.Status
		c.updateSummaryLocked(e.ChatID, func(s *models.ChatSummary) { s.Status = e.Status })
	case *models.PresenceEvent:
		c.admins = e.Admins
	case *models.TypingEvent:
		if e.Role != models.RoleUser {
			return false
		}
		c.setVisitorTypingLocked(e.Typing)
	case *models.RemovedEvent:
		if c.debouncer != nil {
			c.debouncer.Stop()
			c.debouncer = nil
		}
		c.stopVisitorTypingLocked()
		c.selected = nil
		c.admins = 0
	default:
		return false
	}
	return true
}

// appendLocked adds msg unless a message with the same seq is already there.
// Messages arrive in seq order except when the REST reply and the push echo
// race, so insertion keeps the log sorted.
func (c *Console) appendLocked(msg models.Message) bool {
	msgs := c.selected.Messages
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].Seq >= msg.Seq })
	if i < len(msgs) && msgs[i].Seq == msg.Seq {
		return false
	}
	msgs = append(msgs, models.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = msg
	c.selected.Messages = msgs
	if msg.At.After(c.selected.LastActivityAt) {
		c.selected.LastActivityAt = msg.At
	}

	c.updateSummaryLocked(c.selected.ID, func(s *models.ChatSummary) {
		s.MessageCount = len(msgs)
		last := msgs[len(msgs)-1]
		s.LastMessage = &last
		s.LastActivityAt = c.selected.LastActivityAt
	})
	return true
}

// deleteLocked prefers the seq to locate the entry; the index is only used
// by servers that do not report one.
func (c *Console) deleteLocked(index int, seq int64) {
	msgs := c.selected.Messages
	at := -1
	if seq > 0 {
		for i := range msgs {
			if msgs[i].Seq == seq {
				at = i
				break
			}
		}
	} else if index >= 0 && index < len(msgs) {
		at = index
	}
	if at < 0 {
		return
	}
	c.selected.Messages = append(msgs[:at:at], msgs[at+1:]...)
	c.updateSummaryLocked(c.selected.ID, func(s *models.ChatSummary) {
		s.MessageCount = len(c.selected.Messages)
	})
}

func (c *Console) setVisitorTypingLocked(typing bool) {
	c.stopVisitorTypingLocked()
	c.visitorTyping = typing
	if !typing {
		return
	}
	gen := c.typingGen
	c.typingTimer = c.clock.AfterFunc(c.opts.TypingIdle, func() {
		c.mu.Lock()
		expired := gen == c.typingGen && c.visitorTyping
		if expired {
			c.visitorTyping = false
			c.typingTimer = nil
		}
		c.mu.Unlock()
		if expired {
			c.changed()
		}
	})
}

func (c *Console) stopVisitorTypingLocked() {
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.typingGen++
	c.visitorTyping = false
}

func (c *Console) visitorNameLocked(chatID string) string {
	if c.selected != nil && c.selected.ID == chatID {
		return c.selected.VisitorName
	}
	for _, s := range c.chats {
		if s.ID == chatID {
			return s.VisitorName
		}
	}
	return ""
}

func (c *Console) setUnreadLocked(chatID string, unread bool) {
	c.updateSummaryLocked(chatID, func(s *models.ChatSummary) { s.Unread = unread })
}

func (c *Console) updateSummaryLocked(chatID string, fn func(*models.ChatSummary)) {
	for i := range c.chats {
		if c.chats[i].ID == chatID {
			fn(&c.chats[i])
			return
		}
	}
}

func (c *Console) removeSummaryLocked(chatID string) {
	for i := range c.chats {
		if c.chats[i].ID == chatID {
			c.chats = append(c.chats[:i:i], c.chats[i+1:]...)
			return
		}
	}
}
