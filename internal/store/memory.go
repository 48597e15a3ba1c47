package store

import (
	"context"
	"sync"

	"SupportChat/server/internal/models"
)

type memoryStore struct {
	mu    sync.RWMutex
	chats map[string]*models.Chat
}

func NewMemoryStore() Store {
	return &memoryStore{chats: make(map[string]*models.Chat)}
}

func (s *memoryStore) Create(_ context.Context, chat *models.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chats[chat.ID] = chat.Clone()
	return nil
}

func (s *memoryStore) List(_ context.Context, filter models.ChatFilter) ([]models.ChatSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ChatSummary, 0, len(s.chats))
	for _, chat := range s.chats {
		if filter.Match(chat) {
			out = append(out, chat.Summary())
		}
	}
	sortSummaries(out, filter.Sort)
	return out, nil
}

func (s *memoryStore) Get(_ context.Context, chatID string) (*models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chat, ok := s.chats[chatID]
	if !ok {
		return nil, models.ErrChatNotFound
	}
	return chat.Clone(), nil
}

func (s *memoryStore) Update(_ context.Context, chatID string, fn func(chat *models.Chat) error) (*models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.chats[chatID]
	if !ok {
		return nil, models.ErrChatNotFound
	}
	work := current.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	s.chats[chatID] = work
	return work.Clone(), nil
}

func (s *memoryStore) Delete(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chatID]; !ok {
		return models.ErrChatNotFound
	}
	delete(s.chats, chatID)
	return nil
}

func (s *memoryStore) Close() error { return nil }
