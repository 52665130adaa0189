package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"renderq/internal/domain"
)

// HashToken returns a stable SHA-256 hex digest for the provided secret.
func HashToken(secret string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(secret)))
	return hex.EncodeToString(sum[:])
}

// InsertToken stores a hashed API token. KeyHash must already be hashed.
func (r Repo) InsertToken(ctx context.Context, t domain.Token) error {
	if t.ID == "" {
		return errors.New("id required")
	}
	if t.UserID == "" {
		return errors.New("user_id required")
	}
	if t.KeyHash == "" {
		return errors.New("key_hash required")
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tokens(id,user_id,key_hash,description,balance,created_at) VALUES (?,?,?,?,?,?)`,
		t.ID, t.UserID, t.KeyHash, nullable(t.Description), t.Balance, t.CreatedAt)
	return err
}

func (r Repo) GetToken(ctx context.Context, id string) (domain.Token, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,user_id,key_hash,COALESCE(description,''),balance,created_at FROM tokens WHERE id=?`, id)
	return scanToken(row)
}

// GetTokenByHash returns a token by its hashed secret.
func (r Repo) GetTokenByHash(ctx context.Context, hash string) (domain.Token, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,user_id,key_hash,COALESCE(description,''),balance,created_at FROM tokens WHERE key_hash=? LIMIT 1`, hash)
	return scanToken(row)
}

func scanToken(row *sql.Row) (domain.Token, error) {
	var t domain.Token
	err := row.Scan(&t.ID, &t.UserID, &t.KeyHash, &t.Description, &t.Balance, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTokens(ctx context.Context, userID string) ([]domain.Token, error) {
	query := `SELECT id,user_id,key_hash,COALESCE(description,''),balance,created_at FROM tokens`
	var args []any
	if userID != "" {
		query += ` WHERE user_id=?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Token
	for rows.Next() {
		var t domain.Token
		if err := rows.Scan(&t.ID, &t.UserID, &t.KeyHash, &t.Description, &t.Balance, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) DeleteToken(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	_, err := r.DB.ExecContext(ctx, `DELETE FROM tokens WHERE id=?`, id)
	return err
}
