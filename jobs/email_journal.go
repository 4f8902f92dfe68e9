package jobs

import (
	"context"
	"log/slog"

	"github.com/odyssey-erp/salesflow/internal/platform/mail"
	"github.com/odyssey-erp/salesflow/internal/sales"
)

// EmailJournal persists the outcome of every delivery attempt.
type EmailJournal interface {
	RecordEmail(ctx context.Context, log sales.EmailLog) error
}

// journalEmail records msg with the outcome of sending it. A journal failure
// is logged and never fails the job.
func journalEmail(ctx context.Context, journal EmailJournal, logger *slog.Logger, entry sales.EmailLog, msg mail.Message, sendErr error) {
	if journal == nil {
		return
	}
	entry.Recipient = msg.To
	entry.CC = msg.CC
	entry.Subject = msg.Subject
	entry.Body = msg.Text
	entry.Status = sales.EmailSent
	if sendErr != nil {
		entry.Status = sales.EmailFailed
		entry.Error = sendErr.Error()
	}
	if err := journal.RecordEmail(context.WithoutCancel(ctx), entry); err != nil {
		logger.Warn("journal email", slog.String("to", msg.To), slog.Any("error", err))
	}
}
