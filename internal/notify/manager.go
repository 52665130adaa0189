package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"renderq/internal/cache"
	"renderq/internal/domain"
	"renderq/internal/repo"
)

const targetTypeTask = "task"

// Manager maintains the per-user notification feed from task status signals.
// At most one active notification exists per (user, target): the manager
// looks up before creating and updates in place.
type Manager struct {
	Repo  repo.Repo
	Cache cache.Store
	Now   func() time.Time

	cancel func()
}

func New(r repo.Repo, store cache.Store) *Manager {
	return &Manager{Repo: r, Cache: store, Now: time.Now}
}

// Start subscribes to task status signals. Stop releases the listener.
func (m *Manager) Start() {
	m.cancel = m.Cache.OnCategory(cache.CategoryTaskStatus, func(id string, data []byte) {
		if err := m.handleSignal(context.Background(), data); err != nil {
			log.Printf("notify: task %s signal: %v", id, err)
		}
	})
}

func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

type taskSignal struct {
	TaskID     string        `json:"task_id"`
	WorkflowID string        `json:"workflow_id"`
	Status     domain.Status `json:"status"`
	UserID     string        `json:"user_id"`
	ParentID   string        `json:"parent_id"`
}

func (m *Manager) handleSignal(ctx context.Context, data []byte) error {
	var sig taskSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		return fmt.Errorf("decode signal: %w", err)
	}
	if sig.UserID == "" || sig.TaskID == "" {
		return nil
	}

	// A child reports against its batch parent so one notification tracks
	// the whole submission; a lone task tracks itself.
	targetID := sig.TaskID
	if sig.ParentID != "" {
		targetID = sig.ParentID
	}
	value, err := m.progress(ctx, sig, targetID)
	if err != nil {
		return err
	}
	desc := fmt.Sprintf("status: %s", sig.Status)

	now := m.now().UTC().Format(time.RFC3339)
	existing, err := m.Repo.GetNotificationByTarget(ctx, sig.UserID, targetID)
	switch {
	case err == nil:
		if err := m.Repo.UpdateNotificationProgress(ctx, existing.ID, value, desc, now); err != nil {
			return err
		}
	case errors.Is(err, repo.ErrNotFound):
		n := domain.Notification{
			ID:          uuid.New().String(),
			UserID:      sig.UserID,
			Title:       "Task update",
			Description: desc,
			TargetType:  targetTypeTask,
			TargetID:    targetID,
			Value:       value,
			CreatedAt:   now,
		}
		if err := m.Repo.InsertNotification(ctx, n); err != nil {
			return err
		}
	default:
		return err
	}
	m.feedSignal(sig.UserID)
	return nil
}

// progress computes the notification value: a lone task reaches 100 on a
// terminal status, a batch reports the share of children in a terminal
// state. One formula on both legs.
func (m *Manager) progress(ctx context.Context, sig taskSignal, targetID string) (int, error) {
	if sig.ParentID == "" {
		if sig.Status.Terminal() {
			return 100, nil
		}
		return 0, nil
	}
	statuses, err := m.Repo.ChildStatuses(ctx, targetID)
	if err != nil {
		return 0, err
	}
	if len(statuses) == 0 {
		return 0, nil
	}
	done := 0
	for _, s := range statuses {
		if s.Terminal() {
			done++
		}
	}
	return int(math.Round(100 * float64(done) / float64(len(statuses)))), nil
}

// MarkRead flags one notification as read.
func (m *Manager) MarkRead(ctx context.Context, userID, id string) error {
	if err := m.Repo.MarkNotificationRead(ctx, userID, id); err != nil {
		return err
	}
	m.feedSignal(userID)
	return nil
}

// MarkAllRead flags every notification of a user as read.
func (m *Manager) MarkAllRead(ctx context.Context, userID string) error {
	if err := m.Repo.MarkAllNotificationsRead(ctx, userID); err != nil {
		return err
	}
	m.feedSignal(userID)
	return nil
}

// DeleteAll clears a user's feed.
func (m *Manager) DeleteAll(ctx context.Context, userID string) error {
	if err := m.Repo.DeleteAllNotifications(ctx, userID); err != nil {
		return err
	}
	m.feedSignal(userID)
	return nil
}

// feedSignal tells open UIs that the user's feed changed. Best-effort.
func (m *Manager) feedSignal(userID string) {
	if m.Cache == nil {
		return
	}
	payload := map[string]any{"updated_at": m.now().UTC().Format(time.RFC3339)}
	if err := m.Cache.Set(context.Background(), cache.CategoryUserNotification, userID, payload); err != nil {
		log.Printf("notify: feed signal for %s: %v", userID, err)
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}
