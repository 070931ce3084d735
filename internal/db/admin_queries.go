package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/HanTheDev/welfare-ai-gateway/internal/models"
)

func (db *DB) HasRole(ctx context.Context, userID, role string) (bool, error) {
	var ok bool
	err := db.Pool.QueryRow(ctx, `
        SELECT EXISTS (SELECT 1 FROM user_roles WHERE user_id = $1 AND role = $2)
    `, userID, role).Scan(&ok)
	return ok, err
}

// InsertAuditEntry appends to admin_audit_log. The table is never updated.
func (db *DB) InsertAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	params, err := json.Marshal(entry.Params)
	if err != nil {
		return fmt.Errorf("encode audit params: %w", err)
	}

	_, err = db.Pool.Exec(ctx, `
        INSERT INTO admin_audit_log (id, actor_id, action, params, created_at)
        VALUES ($1, $2, $3, $4, $5)
    `, entry.ID, entry.ActorID, entry.Action, params, entry.CreatedAt)
	return err
}

func (db *DB) ListAuditEntries(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	rows, err := db.Pool.Query(ctx, `
        SELECT id::text, actor_id, action, params, created_at
        FROM admin_audit_log
        ORDER BY created_at DESC
        LIMIT $1
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var (
			e      models.AuditEntry
			params []byte
		)
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &params, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(params, &e.Params); err != nil {
			return nil, fmt.Errorf("decode audit params: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
