package opsapi

import (
	"time"

	"github.com/task-orchestrator/handoff/internal/persistence"
)

// taskDTO is the wire shape for an InternalTask.
type taskDTO struct {
	ID                     string     `json:"id"`
	CustomerName           string     `json:"customer_name"`
	CustomerContact        string     `json:"customer_contact"`
	OperatorID             *string    `json:"operator_id,omitempty"`
	OperatorName           *string    `json:"operator_name,omitempty"`
	Status                 string     `json:"status"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
	AssignedAt             *time.Time `json:"assigned_at,omitempty"`
	GreetingSentAt         *time.Time `json:"greeting_sent_at,omitempty"`
	PingSentAt             *time.Time `json:"ping_sent_at,omitempty"`
	InactiveSentAt         *time.Time `json:"inactive_sent_at,omitempty"`
	LastCustomerActivityAt *time.Time `json:"last_customer_activity_at,omitempty"`
	ClosedAt               *time.Time `json:"closed_at,omitempty"`
	CloseReason            *string    `json:"close_reason,omitempty"`
}

func toTaskDTO(t persistence.InternalTask) taskDTO {
	return taskDTO{
		ID:                     t.ID,
		CustomerName:           t.CustomerName,
		CustomerContact:        t.CustomerContact,
		OperatorID:             t.OperatorID,
		OperatorName:           t.OperatorName,
		Status:                 string(t.Status),
		CreatedAt:              t.CreatedAt,
		UpdatedAt:              t.UpdatedAt,
		AssignedAt:             t.AssignedAt,
		GreetingSentAt:         t.GreetingSentAt,
		PingSentAt:             t.PingSentAt,
		InactiveSentAt:         t.InactiveSentAt,
		LastCustomerActivityAt: t.LastCustomerActivityAt,
		ClosedAt:               t.ClosedAt,
		CloseReason:            t.CloseReason,
	}
}

// flexTaskDTO is the wire shape for a FlexTask.
type flexTaskDTO struct {
	TaskSid                string     `json:"task_sid"`
	ConversationSid        *string    `json:"conversation_sid,omitempty"`
	ChannelType            *string    `json:"channel_type,omitempty"`
	CustomerName           *string    `json:"customer_name,omitempty"`
	CustomerAddress        *string    `json:"customer_address,omitempty"`
	CustomerFrom           *string    `json:"customer_from,omitempty"`
	WorkerSid              *string    `json:"worker_sid,omitempty"`
	WorkerName             *string    `json:"worker_name,omitempty"`
	TaskAssignmentStatus   *string    `json:"task_assignment_status,omitempty"`
	GreetingSentAt         *time.Time `json:"greeting_sent_at,omitempty"`
	PingSentAt             *time.Time `json:"ping_sent_at,omitempty"`
	InactiveSentAt         *time.Time `json:"inactive_sent_at,omitempty"`
	LastCustomerActivityAt *time.Time `json:"last_customer_activity_at,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

func toFlexTaskDTO(t persistence.FlexTask) flexTaskDTO {
	return flexTaskDTO{
		TaskSid:                t.TaskSid,
		ConversationSid:        t.ConversationSid,
		ChannelType:            t.ChannelType,
		CustomerName:           t.CustomerName,
		CustomerAddress:        t.CustomerAddress,
		CustomerFrom:           t.CustomerFrom,
		WorkerSid:              t.WorkerSid,
		WorkerName:             t.WorkerName,
		TaskAssignmentStatus:   t.TaskAssignmentStatus,
		GreetingSentAt:         t.GreetingSentAt,
		PingSentAt:             t.PingSentAt,
		InactiveSentAt:         t.InactiveSentAt,
		LastCustomerActivityAt: t.LastCustomerActivityAt,
		CreatedAt:              t.CreatedAt,
		UpdatedAt:              t.UpdatedAt,
	}
}
