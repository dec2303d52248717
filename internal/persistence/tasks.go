package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/fleetrelay/internal/bus"
)

// MaxPullBatch caps how many tasks one pull may lease.
const MaxPullBatch = 50

type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusLeased  TaskStatus = "leased"
)

// Task is a unit of work queued for the agents of one tenant.
type Task struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Type       string     `json:"type"`
	Payload    string     `json:"payload"`
	Status     TaskStatus `json:"status"`
	LeaseUntil *time.Time `json:"lease_until,omitempty"`
	Attempts   int        `json:"attempts"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// EnqueueTask inserts a pending task. When leaseFor is positive the task is
// inserted already leased until now+leaseFor, for tasks pushed to agents directly.
func (s *Store) EnqueueTask(ctx context.Context, task Task, leaseFor time.Duration) (Task, error) {
	if task.ID == "" || task.TenantID == "" || task.Type == "" {
		return Task{}, errors.New("enqueue task: id, tenant and type are required")
	}
	if task.Payload == "" {
		task.Payload = "{}"
	}
	now := s.clock()
	task.CreatedAt = now
	task.UpdatedAt = now
	task.Status = TaskStatusPending
	task.LeaseUntil = nil
	var leaseUntil any
	if leaseFor > 0 {
		until := now.Add(leaseFor)
		task.Status = TaskStatusLeased
		task.LeaseUntil = &until
		task.Attempts = 1
		leaseUntil = until.UnixMilli()
	}

	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO relay_tasks (id, tenant_id, type, payload, status, lease_until, attempts, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, task.ID, task.TenantID, task.Type, task.Payload, task.Status, leaseUntil, task.Attempts, now.UnixMilli(), now.UnixMilli())
		return err
	})
	if err != nil {
		return Task{}, fmt.Errorf("enqueue task: %w", err)
	}
	return task, nil
}

// PullTasks leases up to limit tasks of tenantID that are pending or whose lease
// has expired, oldest first. Each returned task is leased until now+lease.
func (s *Store) PullTasks(ctx context.Context, tenantID string, limit int, lease time.Duration) ([]Task, error) {
	if limit <= 0 || limit > MaxPullBatch {
		limit = MaxPullBatch
	}
	var out []Task
	err := retryOnBusy(ctx, 5, func() error {
		out = nil
		now := s.clock()
		nowMS := now.UnixMilli()
		until := now.Add(lease)

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin pull tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, tenant_id, type, payload, status, lease_until, attempts, created_at, updated_at
			FROM relay_tasks
			WHERE tenant_id = ?
			  AND (status = ? OR (status = ? AND lease_until <= ?))
			ORDER BY created_at ASC, id ASC
			LIMIT ?;
		`, tenantID, TaskStatusPending, TaskStatusLeased, nowMS, limit)
		if err != nil {
			return fmt.Errorf("select pullable tasks: %w", err)
		}
		var candidates []Task
		for rows.Next() {
			t, err := scanTask(rows.Scan)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan task: %w", err)
			}
			candidates = append(candidates, t)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate tasks: %w", err)
		}
		rows.Close()

		for _, t := range candidates {
			res, err := tx.ExecContext(ctx, `
				UPDATE relay_tasks
				SET status = ?, lease_until = ?, attempts = attempts + 1, updated_at = ?
				WHERE id = ? AND tenant_id = ?
				  AND (status = ? OR (status = ? AND lease_until <= ?));
			`, TaskStatusLeased, until.UnixMilli(), nowMS, t.ID, tenantID, TaskStatusPending, TaskStatusLeased, nowMS)
			if err != nil {
				return fmt.Errorf("lease task: %w", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				continue
			}
			t.Status = TaskStatusLeased
			leaseUntil := until
			t.LeaseUntil = &leaseUntil
			t.Attempts++
			t.UpdatedAt = now
			out = append(out, t)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit pull tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) > 0 {
		s.bus.Publish(bus.TopicTaskLeased, bus.TaskEvent{TenantID: tenantID, TaskIDs: taskIDs(out)})
	}
	return out, nil
}

// AckTasks deletes the given tasks of tenantID regardless of their state. Unknown
// ids are ignored. It returns the number of rows removed.
func (s *Store) AckTasks(ctx context.Context, tenantID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, tenantID)
	for _, id := range ids {
		args = append(args, id)
	}

	var removed int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM relay_tasks WHERE tenant_id = ? AND id IN (`+placeholders+`);`, args...)
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ack tasks: %w", err)
	}
	if removed > 0 {
		s.bus.Publish(bus.TopicTaskAcked, bus.TaskEvent{TenantID: tenantID, TaskIDs: ids})
	}
	return removed, nil
}

// DeleteTask removes a single task, e.g. one that could not be delivered at all.
func (s *Store) DeleteTask(ctx context.Context, tenantID, id string) error {
	_, err := s.AckTasks(ctx, tenantID, []string{id})
	return err
}

// GetTask returns sql.ErrNoRows when the task does not exist.
func (s *Store) GetTask(ctx context.Context, tenantID, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, type, payload, status, lease_until, attempts, created_at, updated_at
		FROM relay_tasks WHERE tenant_id = ? AND id = ?;
	`, tenantID, id)
	t, err := scanTask(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, sql.ErrNoRows
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// QueueDepth returns the pending and leased task counts of a tenant.
func (s *Store) QueueDepth(ctx context.Context, tenantID string) (pending, leased int, err error) {
	if err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM relay_tasks WHERE tenant_id = ?;
	`, TaskStatusPending, TaskStatusLeased, tenantID).Scan(&pending, &leased); err != nil {
		return 0, 0, fmt.Errorf("queue depth: %w", err)
	}
	return pending, leased, nil
}

// ExpiredLeaseCount counts leased tasks across tenants whose lease has run out and
// that are waiting to be pulled again.
func (s *Store) ExpiredLeaseCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM relay_tasks WHERE status = ? AND lease_until <= ?;
	`, TaskStatusLeased, s.clock().UnixMilli()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count expired leases: %w", err)
	}
	return n, nil
}

func scanTask(scanFn func(dest ...any) error) (Task, error) {
	var (
		t                    Task
		status               string
		leaseUntil           sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := scanFn(&t.ID, &t.TenantID, &t.Type, &t.Payload, &status, &leaseUntil, &t.Attempts, &createdAt, &updatedAt); err != nil {
		return Task{}, err
	}
	t.Status = TaskStatus(status)
	if leaseUntil.Valid {
		lu := time.UnixMilli(leaseUntil.Int64)
		t.LeaseUntil = &lu
	}
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	return t, nil
}

func taskIDs(tasks []Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}
