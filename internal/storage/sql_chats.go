package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/chatturn/internal/canonical"
	"github.com/haasonsaas/chatturn/pkg/models"
)

func (s *SQLStore) CreateChat(ctx context.Context, chat *models.Chat) error {
	if chat == nil || chat.ID == "" {
		return fmt.Errorf("chat is required")
	}
	_, err := s.exec(ctx, s.db,
		`INSERT INTO chats (id, owner_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		chat.ID, chat.OwnerID, chat.Title, toMillis(chat.CreatedAt), toMillis(chat.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create chat: %w", err)
	}
	return nil
}

func (s *SQLStore) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, owner_id, title, created_at, updated_at FROM chats WHERE id = ?`), id)
	chat, err := scanChat(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get chat: %w", err)
	}
	return chat, nil
}

func (s *SQLStore) ListChats(ctx context.Context, ownerID string, limit int) ([]*models.Chat, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, owner_id, title, created_at, updated_at FROM chats
		 WHERE owner_id = ? ORDER BY updated_at DESC, id LIMIT ?`), ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	chats := []*models.Chat{}
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return chats, nil
}

func (s *SQLStore) UpdateChatTitle(ctx context.Context, id, title string, at time.Time) error {
	res, err := s.exec(ctx, s.db, `UPDATE chats SET title = ?, updated_at = ? WHERE id = ?`, title, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("update chat title: %w", err)
	}
	return requireRows(res)
}

func (s *SQLStore) DeleteChat(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM votes WHERE chat_id = ?`, id); err != nil {
			return fmt.Errorf("delete votes: %w", err)
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM messages WHERE chat_id = ?`, id); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		res, err := s.exec(ctx, tx, `DELETE FROM chats WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete chat: %w", err)
		}
		return requireRows(res)
	})
}

func (s *SQLStore) AppendMessages(ctx context.Context, messages []*models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, msg := range messages {
			if msg == nil || msg.ID == "" {
				return fmt.Errorf("message id is required")
			}
			content, err := json.Marshal(msg.Content)
			if err != nil {
				return fmt.Errorf("marshal message content: %w", err)
			}
			_, err = s.exec(ctx, tx,
				`INSERT INTO messages (id, chat_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT (id) DO NOTHING`,
				msg.ID, msg.ChatID, string(msg.Role), string(content), toMillis(msg.CreatedAt),
			)
			if err != nil {
				if isForeignKeyViolation(err) {
					return fmt.Errorf("chat %s: %w", msg.ChatID, ErrNotFound)
				}
				return fmt.Errorf("insert message: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLStore) ListMessages(ctx context.Context, chatID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, chat_id, role, content, created_at FROM messages WHERE chat_id = ? ORDER BY seq`), chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := []*models.Message{}
	for rows.Next() {
		var (
			msg     models.Message
			role    string
			content string
			created int64
		)
		if err := rows.Scan(&msg.ID, &msg.ChatID, &role, &content, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = models.Role(role)
		msg.Content = canonical.Canonicalize(json.RawMessage(content))
		msg.CreatedAt = fromMillis(created)
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

func (s *SQLStore) VoteMessage(ctx context.Context, vote models.Vote) error {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO votes (chat_id, message_id, is_upvoted) VALUES (?, ?, ?)
		 ON CONFLICT (chat_id, message_id) DO UPDATE SET is_upvoted = excluded.is_upvoted`,
		vote.ChatID, vote.MessageID, vote.IsUpvoted,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("message %s: %w", vote.MessageID, ErrNotFound)
		}
		return fmt.Errorf("vote message: %w", err)
	}
	return nil
}

func (s *SQLStore) ListVotes(ctx context.Context, chatID string) ([]models.Vote, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT chat_id, message_id, is_upvoted FROM votes WHERE chat_id = ? ORDER BY message_id`), chatID)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	votes := []models.Vote{}
	for rows.Next() {
		var vote models.Vote
		if err := rows.Scan(&vote.ChatID, &vote.MessageID, &vote.IsUpvoted); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		votes = append(votes, vote)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	return votes, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (*models.Chat, error) {
	var (
		chat             models.Chat
		created, updated int64
	)
	if err := row.Scan(&chat.ID, &chat.OwnerID, &chat.Title, &created, &updated); err != nil {
		return nil, err
	}
	chat.CreatedAt = fromMillis(created)
	chat.UpdatedAt = fromMillis(updated)
	return &chat, nil
}

func requireRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
