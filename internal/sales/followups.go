package sales

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/salesflow/internal/sales/pipeline"
	"github.com/odyssey-erp/salesflow/internal/shared"
)

// UpcomingWindow is how far ahead UpcomingFollowups looks.
const UpcomingWindow = 7 * 24 * time.Hour

// RecordFollowup stores a follow-up and moves an open lead into the policy's
// follow-up status when the table allows it directly.
func (s *Service) RecordFollowup(ctx context.Context, actor shared.Actor, leadID uuid.UUID, in RecordFollowupInput) (*Followup, error) {
	if err := s.authorize(actor, shared.PermFollowupCreate); err != nil {
		return nil, err
	}
	if err := s.check(in); err != nil {
		return nil, err
	}
	if in.NextFollowupDate != nil && in.NextFollowupDate.Before(in.FollowupDate) {
		return nil, fmt.Errorf("%w: next follow-up precedes the follow-up date", ErrValidation)
	}
	outcome := in.Outcome
	if outcome == "" {
		outcome = OutcomePreclosed
	}
	var (
		followup *Followup
		plan     pipeline.Plan
	)
	err := s.retry(ctx, "record followup", func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
			lead, err := activeLead(ctx, tx, leadID)
			if err != nil {
				return err
			}
			if err := s.checkVisible(actor, lead); err != nil {
				return err
			}
			if plan, err = s.policy.RecordFollowup(lead.ID, lead.Status); err != nil {
				return err
			}
			followup = &Followup{
				ID:               s.newID(),
				LeadID:           lead.ID,
				FollowupDate:     in.FollowupDate,
				Remarks:          in.Remarks,
				NextFollowupDate: in.NextFollowupDate,
				Outcome:          outcome,
				CreatedBy:        actor.ID,
				CreatedAt:        s.now(),
			}
			if err := tx.InsertFollowup(ctx, followup); err != nil {
				return err
			}
			return s.commitPlan(ctx, tx, actor, plan, lead)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("record followup: %w", err)
	}
	s.observe(plan)
	return followup, nil
}

// ListFollowups returns the follow-ups of a lead, newest first.
func (s *Service) ListFollowups(ctx context.Context, actor shared.Actor, leadID uuid.UUID) ([]Followup, error) {
	if _, err := s.GetLead(ctx, actor, leadID); err != nil {
		return nil, err
	}
	return s.repo.ListFollowups(ctx, leadID)
}

// UpcomingFollowups lists follow-ups scheduled within the next seven days on
// open leads the actor can see.
func (s *Service) UpcomingFollowups(ctx context.Context, actor shared.Actor) ([]UpcomingFollowup, error) {
	if err := s.authorize(actor, shared.PermLeadView); err != nil {
		return nil, err
	}
	now := s.now()
	due, err := s.DueFollowups(ctx, now, now.Add(UpcomingWindow))
	if err != nil {
		return nil, err
	}
	if actor.Can(shared.PermLeadViewAll) {
		return due, nil
	}
	out := due[:0]
	for _, f := range due {
		if f.CreatedBy == actor.ID || (f.AssignedTo != nil && *f.AssignedTo == actor.ID) {
			out = append(out, f)
		}
	}
	return out, nil
}

// DueFollowups lists follow-ups whose next date falls in [from, to) on leads
// that are still open. It is the system-level query behind reminders.
func (s *Service) DueFollowups(ctx context.Context, from, to time.Time) ([]UpcomingFollowup, error) {
	rows, err := s.repo.UpcomingFollowups(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("due followups: %w", err)
	}
	out := rows[:0]
	for _, f := range rows {
		if !s.policy.IsTerminal(f.LeadStatus) {
			out = append(out, f)
		}
	}
	return out, nil
}
