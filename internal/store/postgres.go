package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"SupportChat/server/internal/models"
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

var chatColumns = []string{
	"id", "visitor_name", "email", "created_at", "last_activity_at",
	"status", "assigned_admin", "unread", "next_seq",
}

type postgresStore struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgresStore expects the schema from internal/db migrations. The
// message log lives in a JSONB column next to the chat row.
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) Store {
	return &postgresStore{pool: pool, log: logger}
}

func (s *postgresStore) Create(ctx context.Context, chat *models.Chat) error {
	messages, err := json.Marshal(messagesOrEmpty(chat.Messages))
	if err != nil {
		return err
	}

	sqlStr, args, err := psql.Insert("chats").
		Columns(append(chatColumns, "messages")...).
		Values(chat.ID, chat.VisitorName, chat.Email, chat.CreatedAt, chat.LastActivityAt,
			string(chat.Status), chat.AssignedAdmin, chat.Unread, chat.NextSeq, string(messages)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := s.pool.Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert chat %s: %w", chat.ID, err)
	}
	return nil
}

func (s *postgresStore) List(ctx context.Context, filter models.ChatFilter) ([]models.ChatSummary, error) {
	sqlStr, args, err := listQuery(filter).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list: %w", err)
	}
	s.log.Debug("list chats", slog.String("sql", sqlStr), slog.Any("args", args))

	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	out := []models.ChatSummary{}
	for rows.Next() {
		var (
			sum    models.ChatSummary
			status string
			last   []byte
		)
		err := rows.Scan(&sum.ID, &sum.VisitorName, &sum.Email, &sum.CreatedAt, &sum.LastActivityAt,
			&status, &sum.AssignedAdmin, &sum.Unread, &sum.MessageCount, &last)
		if err != nil {
			return nil, fmt.Errorf("scan chat summary: %w", err)
		}
		sum.Status = models.ChatStatus(status)
		if len(last) > 0 {
			var msg models.Message
			if err := json.Unmarshal(last, &msg); err != nil {
				return nil, fmt.Errorf("decode last message of %s: %w", sum.ID, err)
			}
			sum.LastMessage = &msg
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func listQuery(filter models.ChatFilter) squirrel.SelectBuilder {
	q := psql.Select("id", "visitor_name", "email", "created_at", "last_activity_at",
		"status", "assigned_admin", "unread",
		"jsonb_array_length(messages) AS message_count",
		"messages -> -1 AS last_message").
		From("chats")

	if filter.Status != "" {
		q = q.Where(squirrel.Eq{"status": string(filter.Status)})
	}
	if filter.AssignedAdmin != "" {
		q = q.Where(squirrel.Eq{"assigned_admin": filter.AssignedAdmin})
	}
	if filter.UnreadOnly {
		q = q.Where(squirrel.Eq{"unread": true})
	}
	if filter.Sort == models.SortByCreated {
		return q.OrderBy("created_at DESC")
	}
	return q.OrderBy("last_activity_at DESC")
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *postgresStore) Get(ctx context.Context, chatID string) (*models.Chat, error) {
	return s.load(ctx, s.pool, chatID, false)
}

func (s *postgresStore) load(ctx context.Context, q rowQuerier, chatID string, forUpdate bool) (*models.Chat, error) {
	sel := psql.Select(append(chatColumns, "messages")...).
		From("chats").
		Where(squirrel.Eq{"id": chatID})
	if forUpdate {
		sel = sel.Suffix("FOR UPDATE")
	}
	sqlStr, args, err := sel.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var (
		chat     models.Chat
		status   string
		messages []byte
	)
	err = q.QueryRow(ctx, sqlStr, args...).Scan(&chat.ID, &chat.VisitorName, &chat.Email,
		&chat.CreatedAt, &chat.LastActivityAt, &status, &chat.AssignedAdmin, &chat.Unread,
		&chat.NextSeq, &messages)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrChatNotFound
		}
		return nil, fmt.Errorf("select chat %s: %w", chatID, err)
	}
	chat.Status = models.ChatStatus(status)
	if err := json.Unmarshal(messages, &chat.Messages); err != nil {
		return nil, fmt.Errorf("decode messages of %s: %w", chatID, err)
	}
	return &chat, nil
}

func (s *postgresStore) Update(ctx context.Context, chatID string, fn func(chat *models.Chat) error) (*models.Chat, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	chat, err := s.load(ctx, tx, chatID, true)
	if err != nil {
		return nil, err
	}
	if err := fn(chat); err != nil {
		return nil, err
	}

	messages, err := json.Marshal(messagesOrEmpty(chat.Messages))
	if err != nil {
		return nil, err
	}
	sqlStr, args, err := psql.Update("chats").
		SetMap(map[string]any{
			"visitor_name":     chat.VisitorName,
			"email":            chat.Email,
			"last_activity_at": chat.LastActivityAt,
			"status":           string(chat.Status),
			"assigned_admin":   chat.AssignedAdmin,
			"unread":           chat.Unread,
			"next_seq":         chat.NextSeq,
			"messages":         string(messages),
		}).
		Where(squirrel.Eq{"id": chatID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build update: %w", err)
	}
	if _, err := tx.Exec(ctx, sqlStr, args...); err != nil {
		return nil, fmt.Errorf("update chat %s: %w", chatID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return chat, nil
}

func (s *postgresStore) Delete(ctx context.Context, chatID string) error {
	sqlStr, args, err := psql.Delete("chats").Where(squirrel.Eq{"id": chatID}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	tag, err := s.pool.Exec(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete chat %s: %w", chatID, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrChatNotFound
	}
	return nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func messagesOrEmpty(msgs []models.Message) []models.Message {
	if msgs == nil {
		return []models.Message{}
	}
	return msgs
}
