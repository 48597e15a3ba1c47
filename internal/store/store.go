// Package store keeps chats and their message logs. Every engine serializes
// writes to a single chat through Update, so two admins posting at the same
// time never lose each other's message.
package store

import (
	"context"
	"sort"

	"SupportChat/server/internal/models"
)

type Store interface {
	Create(ctx context.Context, chat *models.Chat) error
	List(ctx context.Context, filter models.ChatFilter) ([]models.ChatSummary, error)
	Get(ctx context.Context, chatID string) (*models.Chat, error)
	// Update loads the chat, applies fn and persists the result atomically.
	// If fn returns an error nothing is written and the error is returned as is.
	Update(ctx context.Context, chatID string, fn func(chat *models.Chat) error) (*models.Chat, error)
	Delete(ctx context.Context, chatID string) error
	Close() error
}

func sortSummaries(chats []models.ChatSummary, order models.SortOrder) {
	sort.SliceStable(chats, func(i, j int) bool {
		if order == models.SortByCreated {
			return chats[i].CreatedAt.After(chats[j].CreatedAt)
		}
		return chats[i].LastActivityAt.After(chats[j].LastActivityAt)
	})
}
