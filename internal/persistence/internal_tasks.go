package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/task-orchestrator/handoff/internal/bus"
)

// InternalTaskStatus is the lifecycle status of an InternalTask.
type InternalTaskStatus string

const (
	InternalStatusOpen     InternalTaskStatus = "open"
	InternalStatusAssigned InternalTaskStatus = "assigned"
	InternalStatusClosed   InternalTaskStatus = "closed"
)

// ErrNotFound is returned when a lookup by primary key or alternate key
// finds no row. Callers in the orchestrator treat this as a precondition
// violation and skip the task silently.
var ErrNotFound = errors.New("persistence: not found")

// InternalTask is an SMS-mediated handoff.
type InternalTask struct {
	ID                     string
	CustomerName           string
	CustomerContact        string
	OperatorID             *string
	OperatorName           *string
	Status                 InternalTaskStatus
	CreatedAt              time.Time
	UpdatedAt              time.Time
	AssignedAt             *time.Time
	GreetingSentAt         *time.Time
	PingSentAt             *time.Time
	InactiveSentAt         *time.Time
	LastCustomerActivityAt *time.Time
	ClosedAt               *time.Time
	CloseReason            *string
}

// CreateInternalTask inserts a new task in the "open" status. It is the seam
// through which the (out-of-scope) task CRUD module and tests create rows
// for the orchestrator to later assign and drive through its lifecycle.
func (s *Store) CreateInternalTask(ctx context.Context, customerName, customerContact string, now time.Time) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, customer_name, customer_contact, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, customerName, customerContact, string(InternalStatusOpen), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("create internal task: %w", err)
	}
	return id, nil
}

func scanInternalTask(row interface{ Scan(...any) error }) (*InternalTask, error) {
	var t InternalTask
	var status string
	var createdAt, updatedAt int64
	var operatorID, operatorName, closeReason sql.NullString
	var assignedAt, greetingSentAt, pingSentAt, inactiveSentAt, lastActivityAt, closedAt sql.NullInt64

	err := row.Scan(
		&t.ID, &t.CustomerName, &t.CustomerContact,
		&operatorID, &operatorName, &status,
		&createdAt, &updatedAt,
		&assignedAt, &greetingSentAt, &pingSentAt, &inactiveSentAt, &lastActivityAt,
		&closedAt, &closeReason,
	)
	if err != nil {
		return nil, err
	}
	t.OperatorID = stringPtr(operatorID)
	t.OperatorName = stringPtr(operatorName)
	t.Status = InternalTaskStatus(status)
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	t.AssignedAt = msToTime(assignedAt)
	t.GreetingSentAt = msToTime(greetingSentAt)
	t.PingSentAt = msToTime(pingSentAt)
	t.InactiveSentAt = msToTime(inactiveSentAt)
	t.LastCustomerActivityAt = msToTime(lastActivityAt)
	t.ClosedAt = msToTime(closedAt)
	t.CloseReason = stringPtr(closeReason)
	return &t, nil
}

const internalTaskColumns = `id, customer_name, customer_contact, operator_id, operator_name, status,
	created_at, updated_at, assigned_at, greeting_sent_at, ping_sent_at, inactive_sent_at,
	last_customer_activity_at, closed_at, close_reason`

// GetInternalTask reads a single task by primary key.
func (s *Store) GetInternalTask(ctx context.Context, id string) (*InternalTask, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+internalTaskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanInternalTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get internal task: %w", err)
	}
	return t, nil
}

// FindInternalByStatus returns up to limit tasks with the given status,
// feeding the internal pipeline.
func (s *Store) FindInternalByStatus(ctx context.Context, status InternalTaskStatus, limit int) ([]InternalTask, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+internalTaskColumns+" FROM tasks WHERE status = ? ORDER BY updated_at ASC LIMIT ?",
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("find internal by status: %w", err)
	}
	defer rows.Close()
	var out []InternalTask
	for rows.Next() {
		t, err := scanInternalTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan internal task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// FindAssignedByContact returns all "assigned" tasks for a customer contact.
// Backs MarkByContact; the (customer_contact, status) index on tasks serves
// it in place of what the source implements as an ALLOW FILTERING scan.
func (s *Store) FindAssignedByContact(ctx context.Context, contact string) ([]InternalTask, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+internalTaskColumns+" FROM tasks WHERE customer_contact = ? AND status = ? ORDER BY updated_at DESC",
		contact, string(InternalStatusAssigned),
	)
	if err != nil {
		return nil, fmt.Errorf("find assigned by contact: %w", err)
	}
	defer rows.Close()
	var out []InternalTask
	for rows.Next() {
		t, err := scanInternalTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan internal task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ListInternalTasksPaginated backs GET /api/tasks.
func (s *Store) ListInternalTasksPaginated(ctx context.Context, statusFilter string, limit, offset int) ([]InternalTask, int, error) {
	where := ""
	args := []any{}
	if statusFilter != "" {
		where = "WHERE status = ?"
		args = append(args, statusFilter)
	}

	var total int
	countArgs := append([]any{}, args...)
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks "+where, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count internal tasks: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+internalTaskColumns+" FROM tasks "+where+" ORDER BY updated_at DESC LIMIT ? OFFSET ?",
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list internal tasks: %w", err)
	}
	defer rows.Close()
	var out []InternalTask
	for rows.Next() {
		t, err := scanInternalTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan internal task: %w", err)
		}
		out = append(out, *t)
	}
	return out, total, rows.Err()
}

// StatusCounts holds per-status task counts for the status surfaces.
type StatusCounts struct {
	Open     int
	Assigned int
	Closed   int
}

// CountInternalByStatus returns per-status counts for the TUI status
// surface.
func (s *Store) CountInternalByStatus(ctx context.Context) (StatusCounts, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return StatusCounts{}, fmt.Errorf("count internal by status: %w", err)
	}
	defer rows.Close()
	var out StatusCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return StatusCounts{}, fmt.Errorf("scan status count: %w", err)
		}
		switch InternalTaskStatus(status) {
		case InternalStatusOpen:
			out.Open = n
		case InternalStatusAssigned:
			out.Assigned = n
		case InternalStatusClosed:
			out.Closed = n
		}
	}
	return out, rows.Err()
}

// CountFlexTasks returns the number of mirrored flex tasks.
func (s *Store) CountFlexTasks(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM flex_tasks").Scan(&n); err != nil {
		return 0, fmt.Errorf("count flex tasks: %w", err)
	}
	return n, nil
}

// AssignInternalTask sets operator, status,
// assignedAt (only if unset), updatedAt.
func (s *Store) AssignInternalTask(ctx context.Context, id, operatorID, operatorName string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET operator_id = ?, operator_name = ?, status = ?, updated_at = ?,
			assigned_at = COALESCE(assigned_at, ?)
		WHERE id = ?`,
		operatorID, operatorName, string(InternalStatusAssigned), now.UnixMilli(), now.UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("assign internal task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.publish(bus.TopicTaskAssigned, bus.TaskEvent{TaskID: id})
	return nil
}

// SetInternalGreetingSent implements the epoch-opening write: greetingSentAt
// is set and ping/inactive marks are cleared in the same write, so a second
// greeting always opens a fresh epoch.
func (s *Store) SetInternalGreetingSent(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET greeting_sent_at = ?, ping_sent_at = NULL, inactive_sent_at = NULL, updated_at = ?
		WHERE id = ?`,
		now.UnixMilli(), now.UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("set internal greeting sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.publish(bus.TopicTaskGreeted, bus.TaskEvent{TaskID: id})
	return nil
}

// MarkInternalPingSent implements the ping epoch mark.
func (s *Store) MarkInternalPingSent(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET ping_sent_at = ?, updated_at = ? WHERE id = ?",
		now.UnixMilli(), now.UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("mark internal ping sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.publish(bus.TopicTaskPinged, bus.TaskEvent{TaskID: id})
	return nil
}

// CloseInternalDueToInactivity commits the inactivity close in one write.
func (s *Store) CloseInternalDueToInactivity(ctx context.Context, id string, now time.Time) error {
	reason := "inactivity"
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET inactive_sent_at = ?, closed_at = ?, status = ?, close_reason = ?, updated_at = ?
		WHERE id = ?`,
		now.UnixMilli(), now.UnixMilli(), string(InternalStatusClosed), reason, now.UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("close internal task due to inactivity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.publish(bus.TopicTaskClosed, bus.TaskEvent{TaskID: id})
	return nil
}

// MarkInternalActivity records an inbound customer message.
func (s *Store) MarkInternalActivity(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET last_customer_activity_at = ?, updated_at = ? WHERE id = ?",
		now.UnixMilli(), now.UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("mark internal activity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.publish(bus.TopicCustomerActivity, bus.TaskEvent{TaskID: id})
	return nil
}
