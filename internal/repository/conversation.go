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

const conversationCols = `c.id, c.type, COALESCE(c.title, ''), c.group_id, c.created_by, c.created_at, c.updated_at`

type ConversationRepository struct {
	pool *pgxpool.Pool
}

var _ storage.ConversationStore = (*ConversationRepository)(nil)

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

func scanConversation(s scanner, c *model.Conversation) error {
	return s.Scan(&c.ID, &c.Type, &c.Title, &c.GroupID, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
}

func (r *ConversationRepository) ConversationIDs(ctx context.Context, userID string) ([]string, error) {
	defer logger.DeferLogDuration("conversation.ConversationIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT conversation_id FROM conversation_participants WHERE user_id = $1`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.ConversationIDs query: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.ConversationIDs rows: %w", err)
	}
	return ids, nil
}

func (r *ConversationRepository) ConversationsByIDs(ctx context.Context, ids []string) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("conversation.ConversationsByIDs", time.Now())()
	if len(ids) == 0 {
		return []model.Conversation{}, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+conversationCols+`
		 FROM conversations c
		 WHERE c.id = ANY($1)
		 ORDER BY c.updated_at DESC, c.id`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.ConversationsByIDs query: %w", err)
	}
	defer rows.Close()

	convs := make([]model.Conversation, 0, len(ids))
	for rows.Next() {
		var c model.Conversation
		if err := scanConversation(rows, &c); err != nil {
			return nil, fmt.Errorf("conversationRepo.ConversationsByIDs scan: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversationRepo.ConversationsByIDs rows: %w", err)
	}
	return convs, nil
}

func (r *ConversationRepository) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conversation.GetConversation", time.Now())()
	c := &model.Conversation{}
	row := r.pool.QueryRow(ctx, `SELECT `+conversationCols+` FROM conversations c WHERE c.id = $1`, id)
	if err := scanConversation(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("conversationRepo.GetConversation: %w", err)
	}
	return c, nil
}

func (r *ConversationRepository) Participants(ctx context.Context, conversationID string) ([]model.Participant, error) {
	defer logger.DeferLogDuration("conversation.Participants", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT cp.conversation_id, cp.user_id, cp.joined_at, p.id, p.full_name, p.role
		 FROM conversation_participants cp
		 JOIN profiles p ON p.id = cp.user_id
		 WHERE cp.conversation_id = $1
		 ORDER BY cp.joined_at, p.full_name`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.Participants query: %w", err)
	}
	defer rows.Close()

	parts := make([]model.Participant, 0, 8)
	for rows.Next() {
		var p model.Participant
		ref := &model.ProfileRef{}
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.JoinedAt, &ref.ID, &ref.FullName, &ref.Role); err != nil {
			return nil, fmt.Errorf("conversationRepo.Participants scan: %w", err)
		}
		p.Profile = ref
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversationRepo.Participants rows: %w", err)
	}
	return parts, nil
}

func (r *ConversationRepository) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	defer logger.DeferLogDuration("conversation.IsParticipant", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2)`,
		conversationID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("conversationRepo.IsParticipant: %w", err)
	}
	return exists, nil
}

func (r *ConversationRepository) FindDirect(ctx context.Context, a, b string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conversation.FindDirect", time.Now())()
	c := &model.Conversation{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+conversationCols+`
		 FROM conversations c
		 WHERE c.type = 'direct'
		   AND EXISTS (SELECT 1 FROM conversation_participants WHERE conversation_id = c.id AND user_id = $1)
		   AND EXISTS (SELECT 1 FROM conversation_participants WHERE conversation_id = c.id AND user_id = $2)
		 ORDER BY c.created_at
		 LIMIT 1`,
		a, b,
	)
	if err := scanConversation(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("conversationRepo.FindDirect: %w", err)
	}
	return c, nil
}

// CreateConversation writes the conversation row and its participant batch
// in one transaction, so a failed participant insert leaves no orphan.
func (r *ConversationRepository) CreateConversation(ctx context.Context, c *model.Conversation, participantIDs []string) error {
	defer logger.DeferLogDuration("conversation.CreateConversation", time.Now())()
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var title *string
		if c.Title != "" {
			title = &c.Title
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO conversations (id, type, title, group_id, created_by, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			c.ID, c.Type, title, c.GroupID, c.CreatedBy, c.CreatedAt, c.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}

		batch := &pgx.Batch{}
		for _, uid := range participantIDs {
			batch.Queue(
				`INSERT INTO conversation_participants (conversation_id, user_id, joined_at) VALUES ($1, $2, $3)`,
				c.ID, uid, c.CreatedAt,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert participants: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("conversationRepo.CreateConversation: %w", mapPgError(err))
	}
	return nil
}
