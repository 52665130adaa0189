package repo

import (
	"context"
	"database/sql"

	"renderq/internal/domain"
)

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,name,role,balance,weight_offset,created_at) VALUES (?,?,?,?,?,?)`,
		u.ID, u.Name, u.Role, u.Balance, u.WeightOffset, u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,role,balance,weight_offset,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Name, &u.Role, &u.Balance, &u.WeightOffset, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,role,balance,weight_offset,created_at FROM users ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Role, &u.Balance, &u.WeightOffset, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// DeductBalance debits a user inside the admission transaction. A negative
// balance is the unlimited sentinel and is never debited. The conditional
// update makes concurrent admissions by the same user serialize on the row:
// the balance can never go below zero.
func (r Repo) DeductBalance(ctx context.Context, tx *sql.Tx, userID string, amount float64) (bool, error) {
	if amount <= 0 {
		return true, nil
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE users SET balance = CASE WHEN balance < 0 THEN balance ELSE balance - ? END WHERE id=? AND (balance < 0 OR balance >= ?)`,
		amount, userID, amount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) AddBalance(ctx context.Context, userID string, amount float64) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET balance = balance + ? WHERE id=? AND balance >= 0`, amount, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
