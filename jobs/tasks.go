package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/salesflow/internal/sales"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskQuotationMail delivers a sent quotation to the party.
	TaskQuotationMail = "sales:quotation_mail"
	// TaskFollowupReminders mails assignees the follow-ups due soon.
	TaskFollowupReminders = "sales:followup_reminders"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

// FollowupRemindersPayload sets how far ahead the reminder sweep looks.
type FollowupRemindersPayload struct {
	WindowHours int `json:"window_hours"`
}

// IdempotencyCleanupPayload sets how long idempotency keys are kept.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewQuotationMailTask constructs a quotation mail task.
func NewQuotationMailTask(payload sales.QuotationMail) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode quotation mail payload: %w", err)
	}
	return asynq.NewTask(TaskQuotationMail, data), nil
}

// NewFollowupRemindersTask constructs the reminder sweep task.
func NewFollowupRemindersTask(windowHours int) (*asynq.Task, error) {
	if windowHours <= 0 {
		windowHours = 24
	}
	data, err := json.Marshal(FollowupRemindersPayload{WindowHours: windowHours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskFollowupReminders, data), nil
}

// NewIdempotencyCleanupTask constructs the housekeeping task.
func NewIdempotencyCleanupTask(retentionHours int) (*asynq.Task, error) {
	if retentionHours <= 0 {
		retentionHours = 72
	}
	data, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: retentionHours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}
