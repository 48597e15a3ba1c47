package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"SupportChat/server/internal/models"
)

var chatsBucket = []byte("chats")

// boltStore keeps one JSON document per chat. bbolt allows a single writer
// at a time, which is what serializes concurrent appends.
type boltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(chatsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &boltStore{db: db}, nil
}

func (s *boltStore) Create(_ context.Context, chat *models.Chat) error {
	data, err := json.Marshal(chat)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucket).Put([]byte(chat.ID), data)
	})
}

func (s *boltStore) List(_ context.Context, filter models.ChatFilter) ([]models.ChatSummary, error) {
	out := []models.ChatSummary{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEach(func(k, v []byte) error {
			var chat models.Chat
			if err := json.Unmarshal(v, &chat); err != nil {
				return fmt.Errorf("decode chat %s: %w", k, err)
			}
			if filter.Match(&chat) {
				out = append(out, chat.Summary())
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortSummaries(out, filter.Sort)
	return out, nil
}

func (s *boltStore) Get(_ context.Context, chatID string) (*models.Chat, error) {
	var chat models.Chat
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(chatsBucket).Get([]byte(chatID))
		if v == nil {
			return models.ErrChatNotFound
		}
		return json.Unmarshal(v, &chat)
	})
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

func (s *boltStore) Update(_ context.Context, chatID string, fn func(chat *models.Chat) error) (*models.Chat, error) {
	var chat models.Chat
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(chatsBucket)
		v := b.Get([]byte(chatID))
		if v == nil {
			return models.ErrChatNotFound
		}
		if err := json.Unmarshal(v, &chat); err != nil {
			return fmt.Errorf("decode chat %s: %w", chatID, err)
		}
		if err := fn(&chat); err != nil {
			return err
		}
		data, err := json.Marshal(&chat)
		if err != nil {
			return err
		}
		return b.Put([]byte(chatID), data)
	})
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

func (s *boltStore) Delete(_ context.Context, chatID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(chatsBucket)
		if b.Get([]byte(chatID)) == nil {
			return models.ErrChatNotFound
		}
		return b.Delete([]byte(chatID))
	})
}

func (s *boltStore) Close() error {
	return s.db.Close()
}
