package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/travelops/internal/logger"
	"github.com/travelops/internal/model"
	"github.com/travelops/internal/storage"
)

const messageCols = `m.id, m.conversation_id, m.sender_id, m.content, m.is_read, m.delivered_at, m.read_at, m.created_at,
		        p.id, p.full_name, p.role`

type MessageRepository struct {
	pool *pgxpool.Pool
}

var _ storage.MessageStore = (*MessageRepository)(nil)

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(s scanner, m *model.Message) error {
	sender := &model.ProfileRef{}
	if err := s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.IsRead, &m.DeliveredAt, &m.ReadAt, &m.CreatedAt,
		&sender.ID, &sender.FullName, &sender.Role); err != nil {
		return err
	}
	m.Sender = sender
	return nil
}

// InsertMessage stores m and bumps the conversation's updated_at so the
// directory order follows activity.
func (r *MessageRepository) InsertMessage(ctx context.Context, m *model.Message) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.InsertMessage", time.Now())()
	saved := &model.Message{}
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO messages (id, conversation_id, sender_id, content, is_read, created_at)
			 VALUES ($1, $2, $3, $4, false, $5)`,
			m.ID, m.ConversationID, m.SenderID, m.Content, m.CreatedAt,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE conversations SET updated_at = GREATEST(updated_at, $2) WHERE id = $1`,
			m.ConversationID, m.CreatedAt,
		); err != nil {
			return err
		}
		row := tx.QueryRow(ctx,
			`SELECT `+messageCols+`
			 FROM messages m
			 JOIN profiles p ON p.id = m.sender_id
			 WHERE m.id = $1`, m.ID,
		)
		return scanMessage(row, saved)
	})
	if err != nil {
		return nil, fmt.Errorf("msgRepo.InsertMessage: %w", mapPgError(err))
	}
	return saved, nil
}

func (r *MessageRepository) History(ctx context.Context, conversationID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.History", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageCols+`
		 FROM messages m
		 JOIN profiles p ON p.id = m.sender_id
		 WHERE m.conversation_id = $1
		 ORDER BY m.created_at ASC, m.id ASC`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.History query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, 64)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.History scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.History rows: %w", err)
	}
	return messages, nil
}

func (r *MessageRepository) LastMessage(ctx context.Context, conversationID string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.LastMessage", time.Now())()
	m := &model.Message{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+messageCols+`
		 FROM messages m
		 JOIN profiles p ON p.id = m.sender_id
		 WHERE m.conversation_id = $1
		 ORDER BY m.created_at DESC, m.id DESC
		 LIMIT 1`, conversationID,
	)
	if err := scanMessage(row, m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("msgRepo.LastMessage: %w", err)
	}
	return m, nil
}

func (r *MessageRepository) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	defer logger.DeferLogDuration("msg.UnreadCount", time.Now())()
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages
		 WHERE conversation_id = $1 AND sender_id <> $2 AND is_read = false`,
		conversationID, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.UnreadCount: %w", err)
	}
	return count, nil
}

func (r *MessageRepository) UnreadIDs(ctx context.Context, conversationID, userID string) ([]string, error) {
	defer logger.DeferLogDuration("msg.UnreadIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM messages
		 WHERE conversation_id = $1 AND sender_id <> $2 AND is_read = false
		 ORDER BY created_at, id`,
		conversationID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.UnreadIDs query: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("msgRepo.UnreadIDs rows: %w", err)
	}
	return ids, nil
}

// MarkRead only touches rows that are still unread, which makes repeated
// and concurrent calls converge on the same state.
func (r *MessageRepository) MarkRead(ctx context.Context, conversationID string, ids []string, at time.Time) ([]string, error) {
	defer logger.DeferLogDuration("msg.MarkRead", time.Now())()
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx,
		`UPDATE messages SET is_read = true, read_at = $3
		 WHERE conversation_id = $1 AND id = ANY($2) AND is_read = false
		 RETURNING id`,
		conversationID, ids, at,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.MarkRead query: %w", err)
	}
	updated, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("msgRepo.MarkRead rows: %w", err)
	}
	return updated, nil
}
