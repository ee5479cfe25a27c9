package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/task-orchestrator/handoff/internal/bus"
)

// FlexTask is the automation state mirroring a provider-managed task.
type FlexTask struct {
	TaskSid                string
	ConversationSid        *string
	ChannelType            *string
	CustomerName           *string
	CustomerAddress        *string
	CustomerFrom           *string
	WorkerSid              *string
	WorkerName             *string
	TaskAssignmentStatus   *string
	TaskAttributes         *string
	GreetingSentAt         *time.Time
	PingSentAt             *time.Time
	InactiveSentAt         *time.Time
	LastCustomerActivityAt *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// FlexBaseState is the set of provider-observed fields upserted on every
// flex pipeline tick.
type FlexBaseState struct {
	TaskSid              string
	ConversationSid      *string
	ChannelType          *string
	CustomerName         *string
	CustomerAddress      *string
	CustomerFrom         *string
	WorkerSid            *string
	WorkerName           *string
	TaskAssignmentStatus *string
	TaskAttributes       *string
}

const flexTaskColumns = `task_sid, conversation_sid, channel_type, customer_name, customer_address, customer_from,
	worker_sid, worker_name, task_assignment_status, task_attributes,
	greeting_sent_at, ping_sent_at, inactive_sent_at, last_customer_activity_at, created_at, updated_at`

func scanFlexTask(row interface{ Scan(...any) error }) (*FlexTask, error) {
	var t FlexTask
	var conversationSid, channelType, customerName, customerAddress, customerFrom sql.NullString
	var workerSid, workerName, assignmentStatus, attributes sql.NullString
	var greetingSentAt, pingSentAt, inactiveSentAt, lastActivityAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&t.TaskSid, &conversationSid, &channelType, &customerName, &customerAddress, &customerFrom,
		&workerSid, &workerName, &assignmentStatus, &attributes,
		&greetingSentAt, &pingSentAt, &inactiveSentAt, &lastActivityAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.ConversationSid = stringPtr(conversationSid)
	t.ChannelType = stringPtr(channelType)
	t.CustomerName = stringPtr(customerName)
	t.CustomerAddress = stringPtr(customerAddress)
	t.CustomerFrom = stringPtr(customerFrom)
	t.WorkerSid = stringPtr(workerSid)
	t.WorkerName = stringPtr(workerName)
	t.TaskAssignmentStatus = stringPtr(assignmentStatus)
	t.TaskAttributes = stringPtr(attributes)
	t.GreetingSentAt = msToTime(greetingSentAt)
	t.PingSentAt = msToTime(pingSentAt)
	t.InactiveSentAt = msToTime(inactiveSentAt)
	t.LastCustomerActivityAt = msToTime(lastActivityAt)
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &t, nil
}

// GetFlexTask reads a single flex task by provider task sid.
func (s *Store) GetFlexTask(ctx context.Context, taskSid string) (*FlexTask, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+flexTaskColumns+" FROM flex_tasks WHERE task_sid = ?", taskSid)
	t, err := scanFlexTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get flex task: %w", err)
	}
	return t, nil
}

// GetFlexTaskByConversation resolves taskSid via the reverse lookup table,
// then reads the row.
func (s *Store) GetFlexTaskByConversation(ctx context.Context, conversationSid string) (*FlexTask, error) {
	var taskSid string
	err := s.db.QueryRowContext(ctx,
		"SELECT task_sid FROM flex_tasks_by_conversation WHERE conversation_sid = ?", conversationSid,
	).Scan(&taskSid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup flex task by conversation: %w", err)
	}
	return s.GetFlexTask(ctx, taskSid)
}

// ListFlexTasksPaginated backs GET /api/flex-tasks.
func (s *Store) ListFlexTasksPaginated(ctx context.Context, limit, offset int) ([]FlexTask, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM flex_tasks").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count flex tasks: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+flexTaskColumns+" FROM flex_tasks ORDER BY updated_at DESC LIMIT ? OFFSET ?", limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list flex tasks: %w", err)
	}
	defer rows.Close()
	var out []FlexTask
	for rows.Next() {
		t, err := scanFlexTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan flex task: %w", err)
		}
		out = append(out, *t)
	}
	return out, total, rows.Err()
}

// UpsertBaseState persists the provider-observed attributes for a flex task
// on every tick and ensures the conversation→task lookup
// row exists. It never touches greeting/ping/inactive/activity marks.
func (s *Store) UpsertBaseState(ctx context.Context, state FlexBaseState, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert base state: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO flex_tasks (
			task_sid, conversation_sid, channel_type, customer_name, customer_address, customer_from,
			worker_sid, worker_name, task_assignment_status, task_attributes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_sid) DO UPDATE SET
			conversation_sid = excluded.conversation_sid,
			channel_type = excluded.channel_type,
			customer_name = excluded.customer_name,
			customer_address = excluded.customer_address,
			customer_from = excluded.customer_from,
			worker_sid = excluded.worker_sid,
			worker_name = COALESCE(excluded.worker_name, flex_tasks.worker_name),
			task_assignment_status = excluded.task_assignment_status,
			task_attributes = excluded.task_attributes,
			updated_at = excluded.updated_at`,
		state.TaskSid, nullString(state.ConversationSid), nullString(state.ChannelType),
		nullString(state.CustomerName), nullString(state.CustomerAddress), nullString(state.CustomerFrom),
		nullString(state.WorkerSid), nullString(state.WorkerName), nullString(state.TaskAssignmentStatus),
		nullString(state.TaskAttributes), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert flex task: %w", err)
	}

	if state.ConversationSid != nil && *state.ConversationSid != "" {
		// Last write wins; entries may outlive their task.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO flex_tasks_by_conversation (conversation_sid, task_sid) VALUES (?, ?)
			ON CONFLICT(conversation_sid) DO UPDATE SET task_sid = excluded.task_sid`,
			*state.ConversationSid, state.TaskSid,
		)
		if err != nil {
			return fmt.Errorf("upsert flex conversation lookup: %w", err)
		}
	}

	return tx.Commit()
}

// SetFlexWorkerName caches the resolved display worker name on the row.
func (s *Store) SetFlexWorkerName(ctx context.Context, taskSid, workerName string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE flex_tasks SET worker_name = ?, updated_at = ? WHERE task_sid = ?",
		workerName, now.UnixMilli(), taskSid,
	)
	if err != nil {
		return fmt.Errorf("set flex worker name: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetFlexGreetingSent opens a new greeting epoch, clearing ping/inactive
// marks in the same write.
func (s *Store) SetFlexGreetingSent(ctx context.Context, taskSid string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE flex_tasks
		SET greeting_sent_at = ?, ping_sent_at = NULL, inactive_sent_at = NULL, updated_at = ?
		WHERE task_sid = ?`,
		now.UnixMilli(), now.UnixMilli(), taskSid,
	)
	if err != nil {
		return fmt.Errorf("set flex greeting sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.publish(bus.TopicFlexGreeted, bus.TaskEvent{TaskID: taskSid})
	return nil
}

func (s *Store) MarkFlexPingSent(ctx context.Context, taskSid string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE flex_tasks SET ping_sent_at = ?, updated_at = ? WHERE task_sid = ?",
		now.UnixMilli(), now.UnixMilli(), taskSid,
	)
	if err != nil {
		return fmt.Errorf("mark flex ping sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.publish(bus.TopicFlexPinged, bus.TaskEvent{TaskID: taskSid})
	return nil
}

func (s *Store) MarkFlexInactiveSent(ctx context.Context, taskSid string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE flex_tasks SET inactive_sent_at = ?, updated_at = ? WHERE task_sid = ?",
		now.UnixMilli(), now.UnixMilli(), taskSid,
	)
	if err != nil {
		return fmt.Errorf("mark flex inactive sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.publish(bus.TopicFlexClosed, bus.TaskEvent{TaskID: taskSid})
	return nil
}

func (s *Store) MarkFlexActivity(ctx context.Context, taskSid string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE flex_tasks SET last_customer_activity_at = ?, updated_at = ? WHERE task_sid = ?",
		now.UnixMilli(), now.UnixMilli(), taskSid,
	)
	if err != nil {
		return fmt.Errorf("mark flex activity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.publish(bus.TopicCustomerActivity, bus.TaskEvent{TaskID: taskSid})
	return nil
}

// DeleteOrphanedConversationLookups removes flex_tasks_by_conversation rows
// whose task_sid no longer has a flex_tasks row, bounding the "entries may
// outlive their task" allowance on the reverse lookup. Used by the janitor.
func (s *Store) DeleteOrphanedConversationLookups(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM flex_tasks_by_conversation
		WHERE task_sid NOT IN (SELECT task_sid FROM flex_tasks)`,
	)
	if err != nil {
		return 0, fmt.Errorf("delete orphaned conversation lookups: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
