package store

import (
	"context"
	"fmt"

	"bot-backend/internal/models"
)

const userColumns = `id, chat_id, role, plan, replicas, created_at`

func scanUser(row interface{ Scan(...any) error }) (models.User, error) {
	var u models.User
	var role, plan string
	if err := row.Scan(&u.ID, &u.ChatID, &role, &plan, &u.Replicas, &u.CreatedAt); err != nil {
		return models.User{}, err
	}
	u.Role = models.Role(role)
	u.Plan = models.Plan(plan)
	return u, nil
}

// EnsureUser returns the user for chatID, registering a FREE user on first contact.
func (s *Store) EnsureUser(ctx context.Context, chatID int64) (models.User, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (chat_id, role, plan, replicas)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chat_id) DO UPDATE SET chat_id = EXCLUDED.chat_id
		RETURNING `+userColumns,
		chatID, string(models.RoleUser), string(models.PlanFree), models.ReplicasFor(models.PlanFree))
	u, err := scanUser(row)
	if err != nil {
		return models.User{}, fmt.Errorf("ensure user: %w", err)
	}
	return u, nil
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return models.User{}, notFound(err, "user")
	}
	return u, nil
}

// UserByChatID fetches a user by messaging chat id.
func (s *Store) UserByChatID(ctx context.Context, chatID int64) (models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE chat_id = $1`, chatID))
	if err != nil {
		return models.User{}, notFound(err, "user")
	}
	return u, nil
}

// RecipientChatIDs lists chat ids for a broadcast audience. An empty plan
// selects every user.
func (s *Store) RecipientChatIDs(ctx context.Context, plan models.Plan) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT chat_id FROM users
		WHERE $1 = '' OR plan = $1
		ORDER BY id
	`, string(plan))
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ConsumeReplica takes one reply from the user's allowance. Admins are never
// charged. It reports false when the allowance is exhausted.
func (s *Store) ConsumeReplica(ctx context.Context, userID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users
		SET replicas = CASE WHEN role = $2 THEN replicas ELSE replicas - 1 END
		WHERE id = $1 AND (role = $2 OR replicas > 0)
	`, userID, string(models.RoleAdmin))
	if err != nil {
		return false, fmt.Errorf("consume replica: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RefundReplica returns one reply to the allowance after a failed answer.
func (s *Store) RefundReplica(ctx context.Context, userID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET replicas = replicas + 1 WHERE id = $1 AND role <> $2
	`, userID, string(models.RoleAdmin))
	if err != nil {
		return fmt.Errorf("refund replica: %w", err)
	}
	return nil
}

func setPlan(ctx context.Context, q querier, userID int64, plan models.Plan, replicas int) error {
	tag, err := q.Exec(ctx, `UPDATE users SET plan = $2, replicas = $3 WHERE id = $1`, userID, string(plan), replicas)
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update plan for user %d: %w", userID, models.ErrNotFound)
	}
	return nil
}
