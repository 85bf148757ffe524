package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"missed-call-recovery/internal/models"
)

// InsertAttempt appends one outreach attempt. Attempts are immutable once
// written; there is deliberately no update path.
func (s *Store) InsertAttempt(ctx context.Context, a models.Attempt) (models.Attempt, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recovery_attempts (
			id, entry_id, attempt_number, method, message_body, response_body,
			provider_message_id, ai_confidence, ai_intent, success, engaged, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, a.ID, a.EntryID, a.AttemptNumber, a.Method, a.MessageBody, a.ResponseBody,
		nilIfEmpty(a.ProviderMessageID), a.AIConfidence, nilIfEmpty(a.AIIntent),
		a.Success, a.Engaged, a.CreatedAt)
	if err != nil {
		return models.Attempt{}, fmt.Errorf("insert attempt: %w", err)
	}
	return a, nil
}

// ListAttempts returns an entry's attempts in order.
func (s *Store) ListAttempts(ctx context.Context, entryID string) ([]models.Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, entry_id, attempt_number, method, message_body, response_body,
		       provider_message_id, ai_confidence, ai_intent, success, engaged, created_at
		FROM recovery_attempts
		WHERE entry_id = $1
		ORDER BY attempt_number ASC
	`, entryID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []models.Attempt
	for rows.Next() {
		var a models.Attempt
		var response, providerID, intent pgtype.Text
		if err := rows.Scan(&a.ID, &a.EntryID, &a.AttemptNumber, &a.Method, &a.MessageBody,
			&response, &providerID, &a.AIConfidence, &intent, &a.Success, &a.Engaged, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if response.Valid {
			v := response.String
			a.ResponseBody = &v
		}
		a.ProviderMessageID = providerID.String
		a.AIIntent = intent.String
		out = append(out, a)
	}
	return out, rows.Err()
}
