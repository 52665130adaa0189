package repo

import (
	"context"
	"database/sql"
	"strings"

	"renderq/internal/domain"
)

const notificationCols = `id,user_id,title,description,read,target_type,target_id,value,created_at,updated_at`

func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO user_notifications(`+notificationCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.UserID, n.Title, nullable(n.Description), boolToInt(n.Read),
		nullable(n.TargetType), nullable(n.TargetID), n.Value, n.CreatedAt, nullableStringPtr(n.UpdatedAt))
	return err
}

func scanNotification(scan func(dest ...any) error) (domain.Notification, error) {
	var n domain.Notification
	var desc, targetType, targetID, updatedAt sql.NullString
	var read int
	err := scan(&n.ID, &n.UserID, &n.Title, &desc, &read, &targetType, &targetID, &n.Value, &n.CreatedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	n.Read = read != 0
	if desc.Valid {
		n.Description = desc.String
	}
	if targetType.Valid {
		n.TargetType = targetType.String
	}
	if targetID.Valid {
		n.TargetID = targetID.String
	}
	if updatedAt.Valid {
		n.UpdatedAt = &updatedAt.String
	}
	return n, nil
}

// GetNotificationByTarget finds the active notification for a (user, target)
// pair. The manager looks up before creating so a target never accumulates
// duplicate feed entries.
func (r Repo) GetNotificationByTarget(ctx context.Context, userID, targetID string) (domain.Notification, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+notificationCols+` FROM user_notifications WHERE user_id=? AND target_id=? ORDER BY created_at DESC, id DESC LIMIT 1`,
		userID, targetID)
	return scanNotification(row.Scan)
}

type NotificationFilters struct {
	UserID     string
	UnreadOnly bool
	Limit      int
}

func (r Repo) ListNotifications(ctx context.Context, f NotificationFilters) ([]domain.Notification, error) {
	clauses := []string{"user_id=?"}
	args := []any{f.UserID}
	if f.UnreadOnly {
		clauses = append(clauses, "read=0")
	}
	query := `SELECT ` + notificationCols + ` FROM user_notifications WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) UpdateNotificationProgress(ctx context.Context, id string, value int, description, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE user_notifications SET value=?, description=?, read=0, updated_at=? WHERE id=?`,
		value, nullable(description), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkNotificationRead(ctx context.Context, userID, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE user_notifications SET read=1 WHERE id=? AND user_id=?`, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkAllNotificationsRead(ctx context.Context, userID string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE user_notifications SET read=1 WHERE user_id=?`, userID)
	return err
}

func (r Repo) DeleteNotification(ctx context.Context, userID, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM user_notifications WHERE id=? AND user_id=?`, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteAllNotifications(ctx context.Context, userID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM user_notifications WHERE user_id=?`, userID)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
