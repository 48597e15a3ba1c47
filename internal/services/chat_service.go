package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"SupportChat/server/internal/models"
	"SupportChat/server/internal/store"
	"SupportChat/server/internal/utils"
)

const MaxMessageLength = 4000

type ChatService interface {
	StartChat(ctx context.Context, visitorName, email, text string) (*models.Chat, error)
	ListChats(ctx context.Context, filter models.ChatFilter) ([]models.ChatSummary, error)
	GetChat(ctx context.Context, chatID string) (*models.Chat, error)
	MarkRead(ctx context.Context, chatID string) error
	AppendMessage(ctx context.Context, chatID string, from models.Role, text, author string) (models.Message, error)
	Assign(ctx context.Context, chatID, admin string) (string, error)
	Unassign(ctx context.Context, chatID string) error
	SetClosed(ctx context.Context, chatID string, closed bool) (models.ChatStatus, error)
	DeleteMessage(ctx context.Context, chatID string, index int, seq int64) (models.Message, error)
	DeleteChat(ctx context.Context, chatID string) error
	Export(ctx context.Context, chatID string) (string, error)
}

// Broadcaster receives an event after the mutation behind it is durable.
// Delivery is best effort; it must not block the caller for long.
type Broadcaster interface {
	Broadcast(ev models.Event)
}

// Broadcasters fans one event out to several sinks.
type Broadcasters []Broadcaster

func (bs Broadcasters) Broadcast(ev models.Event) {
	for _, b := range bs {
		b.Broadcast(ev)
	}
}

type chatService struct {
	store store.Store
	bus   Broadcaster
	clock clockwork.Clock
	log   *slog.Logger
}

func NewChatService(s store.Store, bus Broadcaster, clock clockwork.Clock, logger *slog.Logger) ChatService {
	return &chatService{
		store: s,
		bus:   bus,
		clock: clock,
		log:   logger,
	}
}

func validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return models.ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return models.ErrMessageTooLong
	}
	return nil
}

func (cs *chatService) StartChat(ctx context.Context, visitorName, email, text string) (*models.Chat, error) {
	visitorName = strings.TrimSpace(visitorName)
	if visitorName == "" {
		return nil, models.ErrInvalidName
	}
	if err := validateText(text); err != nil {
		return nil, err
	}

	now := cs.clock.Now().UTC()
	chat := &models.Chat{
		ID:             uuid.NewString(),
		VisitorName:    visitorName,
		Email:          strings.TrimSpace(email),
		CreatedAt:      now,
		LastActivityAt: now,
		Status:         models.StatusOpen,
		Unread:         true,
		NextSeq:        1,
		Messages: []models.Message{
			{Seq: 1, From: models.RoleUser, Text: text, At: now},
		},
	}

	if err := cs.store.Create(ctx, chat); err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	cs.log.Info("chat started", slog.String("chat_id", chat.ID), slog.String("visitor", visitorName))
	return chat, nil
}

func (cs *chatService) ListChats(ctx context.Context, filter models.ChatFilter) ([]models.ChatSummary, error) {
	chats, err := cs.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return chats, nil
}

func (cs *chatService) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	chat, err := cs.store.Get(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("get chat %s: %w", chatID, err)
	}
	return chat, nil
}

func (cs *chatService) MarkRead(ctx context.Context, chatID string) error {
	_, err := cs.store.Update(ctx, chatID, func(chat *models.Chat) error {
		chat.Unread = false
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark chat %s read: %w", chatID, err)
	}
	return nil
}

func (cs *chatService) AppendMessage(ctx context.Context, chatID string, from models.Role, text, author string) (models.Message, error) {
	if !from.Valid() {
		return models.Message{}, models.ErrInvalidRole
	}
	if err := validateText(text); err != nil {
		return models.Message{}, err
	}

	var stored models.Message
	_, err := cs.store.Update(ctx, chatID, func(chat *models.Chat) error {
		if chat.Status == models.StatusClosed {
			return models.ErrChatClosed
		}

		at := cs.clock.Now().UTC()
		if n := len(chat.Messages); n > 0 && at.Before(chat.Messages[n-1].At) {
			at = chat.Messages[n-1].At
		}

		chat.NextSeq++
		stored = models.Message{
			Seq:    chat.NextSeq,
			From:   from,
			Text:   text,
			At:     at,
			Author: strings.TrimSpace(author),
		}
		chat.Messages = append(chat.Messages, stored)
		chat.LastActivityAt = at
		if from == models.RoleUser {
			chat.Unread = true
		}
		return nil
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("append to chat %s: %w", chatID, err)
	}

	cs.bus.Broadcast(models.NewMessageEvent(chatID, stored))
	return stored, nil
}

// Assign claims the chat for admin. A chat already claimed by someone else is
// taken over: last writer wins.
func (cs *chatService) Assign(ctx context.Context, chatID, admin string) (string, error) {
	var changed bool
	chat, err := cs.store.Update(ctx, chatID, func(chat *models.Chat) error {
		changed = chat.AssignedAdmin != admin
		chat.AssignedAdmin = admin
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("assign chat %s: %w", chatID, err)
	}

	if changed {
		cs.log.Info("chat assigned", slog.String("chat_id", chatID), slog.String("admin", admin))
		cs.bus.Broadcast(models.NewAssignedEvent(chatID, chat.AssignedAdmin))
	}
	return chat.AssignedAdmin, nil
}

func (cs *chatService) Unassign(ctx context.Context, chatID string) error {
	var changed bool
	_, err := cs.store.Update(ctx, chatID, func(chat *models.Chat) error {
		changed = chat.AssignedAdmin != ""
		chat.AssignedAdmin = ""
		return nil
	})
	if err != nil {
		return fmt.Errorf("unassign chat %s: %w", chatID, err)
	}

	if changed {
		cs.bus.Broadcast(models.NewAssignedEvent(chatID, ""))
	}
	return nil
}

func (cs *chatService) SetClosed(ctx context.Context, chatID string, closed bool) (models.ChatStatus, error) {
	want := models.StatusOpen
	if closed {
		want = models.StatusClosed
	}

	var changed bool
	chat, err := cs.store.Update(ctx, chatID, func(chat *models.Chat) error {
		changed = chat.Status != want
		chat.Status = want
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("set status of chat %s: %w", chatID, err)
	}

	if changed {
		cs.log.Info("chat status changed", slog.String("chat_id", chatID), slog.String("status", string(want)))
		cs.bus.Broadcast(models.NewStatusEvent(chatID, chat.Status))
	}
	return chat.Status, nil
}

// DeleteMessage removes the message at index. When seq is non-zero it must
// match the message currently at that index, otherwise ErrStaleIndex is
// returned and nothing is removed.
func (cs *chatService) DeleteMessage(ctx context.Context, chatID string, index int, seq int64) (models.Message, error) {
	var removed models.Message
	_, err := cs.store.Update(ctx, chatID, func(chat *models.Chat) error {
		if index < 0 || index >= len(chat.Messages) {
			return models.ErrMessageNotFound
		}
		if seq != 0 && chat.Messages[index].Seq != seq {
			return models.ErrStaleIndex
		}
		removed = chat.Messages[index]
		chat.Messages = append(chat.Messages[:index], chat.Messages[index+1:]...)
		return nil
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("delete message %d of chat %s: %w", index, chatID, err)
	}

	cs.bus.Broadcast(models.NewDeletedEvent(chatID, index, removed.Seq))
	return removed, nil
}

func (cs *chatService) DeleteChat(ctx context.Context, chatID string) error {
	if err := cs.store.Delete(ctx, chatID); err != nil {
		return fmt.Errorf("delete chat %s: %w", chatID, err)
	}
	cs.log.Info("chat deleted", slog.String("chat_id", chatID))
	cs.bus.Broadcast(models.NewRemovedEvent(chatID))
	return nil
}

func (cs *chatService) Export(ctx context.Context, chatID string) (string, error) {
	chat, err := cs.GetChat(ctx, chatID)
	if err != nil {
		return "", err
	}
	return utils.RenderTranscript(chat), nil
}
