package sales

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/odyssey-erp/salesflow/internal/sales/pipeline"
	"github.com/odyssey-erp/salesflow/internal/shared"
)

// RecordEmail journals one delivery attempt. It is the system-level entry
// point for the mail jobs and carries no actor.
func (s *Service) RecordEmail(ctx context.Context, log EmailLog) error {
	if log.Recipient == "" || log.Type == "" || log.Status == "" {
		return fmt.Errorf("%w: email log without type, recipient or status", ErrValidation)
	}
	if log.ID == uuid.Nil {
		log.ID = s.newID()
	}
	if log.SentAt.IsZero() {
		log.SentAt = s.now()
	}
	if err := s.repo.InsertEmailLog(ctx, &log); err != nil {
		return fmt.Errorf("record email: %w", err)
	}
	return nil
}

// QuotationEmails lists the delivery attempts of a quotation the actor can
// see, newest first.
func (s *Service) QuotationEmails(ctx context.Context, actor shared.Actor, quotationID uuid.UUID) ([]EmailLog, error) {
	if _, err := s.GetQuotation(ctx, actor, quotationID); err != nil {
		return nil, err
	}
	logs, err := s.repo.ListEmailLogs(ctx, pipeline.EntityQuotation, quotationID)
	if err != nil {
		return nil, fmt.Errorf("quotation emails: %w", err)
	}
	return logs, nil
}
