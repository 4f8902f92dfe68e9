package sales

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/odyssey-erp/salesflow/internal/sales/pipeline"
	"github.com/odyssey-erp/salesflow/internal/sequence"
	"github.com/odyssey-erp/salesflow/internal/shared"
	"github.com/odyssey-erp/salesflow/internal/users"
)

// CreateLead registers a lead for an existing party or for the party found or
// created from the supplied details. The lead starts in the policy's initial
// status with a fresh LEAD number.
func (s *Service) CreateLead(ctx context.Context, actor shared.Actor, in CreateLeadInput) (*Lead, error) {
	if err := s.authorize(actor, shared.PermLeadCreate); err != nil {
		return nil, err
	}
	if err := s.check(in); err != nil {
		return nil, err
	}
	if in.Party != nil {
		party, err := s.normalizeParty(*in.Party)
		if err != nil {
			return nil, err
		}
		in.Party = &party
	}
	items := make([]LeadItem, len(in.Items))
	for i, item := range in.Items {
		items[i] = LeadItem{ItemRef: NormalizeItemCode(item.ItemRef), Quantity: item.Quantity}
	}

	var lead *Lead
	err := s.withNumber(ctx, sequence.PrefixLead, func(number string) error {
		return s.retry(ctx, "create lead", func() error {
			return s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
				if _, err := resolveItems(ctx, tx, leadItemCodes(items)); err != nil {
					return err
				}
				party, err := s.leadParty(ctx, tx, actor, in)
				if err != nil {
					return err
				}
				now := s.now()
				lead = &Lead{
					ID:                s.newID(),
					LeadNo:            number,
					PartyID:           party.ID,
					Source:            in.Source,
					Items:             items,
					Status:            s.policy.Initial,
					Remarks:           in.Remarks,
					AssignmentHistory: []Assignment{},
					CreatedBy:         actor.ID,
					IsActive:          true,
					CreatedAt:         now,
					UpdatedAt:         now,
				}
				if err := tx.InsertLead(ctx, lead); err != nil {
					return err
				}
				return tx.RecordTransitions(ctx, actor.ID, []pipeline.Effect{{
					Entity: pipeline.EntityLead, ID: lead.ID, To: string(lead.Status),
				}})
			})
		})
	})
	if err != nil {
		return nil, fmt.Errorf("create lead: %w", err)
	}
	return lead, nil
}

func leadItemCodes(items []LeadItem) []string {
	codes := make([]string, len(items))
	for i, item := range items {
		codes[i] = item.ItemRef
	}
	return codes
}

func (s *Service) leadParty(ctx context.Context, tx Repository, actor shared.Actor, in CreateLeadInput) (*Party, error) {
	if in.PartyID != nil {
		party, err := tx.GetParty(ctx, *in.PartyID)
		if err != nil {
			return nil, err
		}
		if !party.IsActive {
			return nil, fmt.Errorf("%w: party %s is inactive", ErrValidation, party.ID)
		}
		return party, nil
	}
	party, _, err := s.findOrCreateParty(ctx, tx, actor, *in.Party)
	return party, err
}

// ReviewLead approves or rejects a lead still in its initial status. Rejection
// requires remarks. The reviewer is recorded once.
func (s *Service) ReviewLead(ctx context.Context, actor shared.Actor, id uuid.UUID, in ReviewLeadInput) (*Lead, error) {
	if err := s.authorize(actor, shared.PermLeadReview); err != nil {
		return nil, err
	}
	if err := s.check(in); err != nil {
		return nil, err
	}
	var (
		lead *Lead
		plan pipeline.Plan
	)
	err := s.retry(ctx, "review lead", func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
			var err error
			if lead, err = activeLead(ctx, tx, id); err != nil {
				return err
			}
			if plan, err = s.policy.ReviewLead(lead.ID, lead.Status, in.Decision); err != nil {
				return err
			}
			if lead.ReviewedBy == nil {
				reviewedAt := s.now()
				lead.ReviewedBy = &actor.ID
				lead.ReviewedAt = &reviewedAt
			}
			if in.Remarks != "" {
				lead.Remarks = in.Remarks
			}
			return s.commitPlan(ctx, tx, actor, plan, lead)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("review lead: %w", err)
	}
	s.observe(plan)
	return lead, nil
}

// AssignSalesPerson assigns an approved lead to an active STAFF user. A lead
// already assigned may be re-assigned: the history grows and the status stays.
func (s *Service) AssignSalesPerson(ctx context.Context, actor shared.Actor, id uuid.UUID, in AssignLeadInput) (*Lead, error) {
	if err := s.authorize(actor, shared.PermLeadAssign); err != nil {
		return nil, err
	}
	if err := s.check(in); err != nil {
		return nil, err
	}
	var (
		lead *Lead
		plan pipeline.Plan
	)
	err := s.retry(ctx, "assign lead", func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
			var err error
			if lead, err = activeLead(ctx, tx, id); err != nil {
				return err
			}
			if plan, err = s.policy.AssignLead(lead.ID, lead.Status); err != nil {
				return err
			}
			if err := s.checkAssignee(ctx, in.SalesPersonID); err != nil {
				return err
			}
			now := s.now()
			lead.AssignmentHistory = append(lead.AssignmentHistory, Assignment{
				AssignedTo: in.SalesPersonID,
				AssignedBy: actor.ID,
				AssignedAt: now,
				Reason:     in.Reason,
			})
			assignee := in.SalesPersonID
			lead.AssignedTo = &assignee
			lead.UpdatedAt = now
			if len(plan.Effects) == 0 {
				return tx.UpdateLead(ctx, lead)
			}
			return s.commitPlan(ctx, tx, actor, plan, lead)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("assign lead: %w", err)
	}
	s.observe(plan)
	return lead, nil
}

func (s *Service) checkAssignee(ctx context.Context, userID uuid.UUID) error {
	if s.users == nil {
		return nil
	}
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return fmt.Errorf("%w: sales person %s does not exist", ErrValidation, userID)
		}
		return err
	}
	if !user.IsActive {
		return fmt.Errorf("%w: sales person %s is inactive", ErrValidation, userID)
	}
	if user.Role != shared.RoleStaff {
		return fmt.Errorf("%w: sales person %s has role %s, want %s", ErrValidation, userID, user.Role, shared.RoleStaff)
	}
	return nil
}

// TransitionLead applies one manual edge of the lead table. Entering the
// assigned status is reserved to AssignSalesPerson, which keeps the
// assignment history consistent.
func (s *Service) TransitionLead(ctx context.Context, actor shared.Actor, id uuid.UUID, in TransitionLeadInput) (*Lead, error) {
	if err := s.authorize(actor, shared.PermLeadTransition); err != nil {
		return nil, err
	}
	if err := s.check(in); err != nil {
		return nil, err
	}
	if !s.policy.IsValid(in.Status) {
		return nil, fmt.Errorf("%w: unknown lead status %q for %s policy", ErrValidation, in.Status, s.policy.Name)
	}
	var (
		lead *Lead
		plan pipeline.Plan
	)
	err := s.retry(ctx, "transition lead", func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
			var err error
			if lead, err = activeLead(ctx, tx, id); err != nil {
				return err
			}
			if in.Status == s.policy.Assigned && lead.Status != s.policy.Assigned {
				return &pipeline.TransitionError{
					Entity: pipeline.EntityLead, ID: lead.ID,
					From: string(lead.Status), To: string(in.Status),
					Reason: "use assignment",
				}
			}
			if plan, err = s.policy.MoveLead(lead.ID, lead.Status, in.Status); err != nil {
				return err
			}
			if lead.Status == s.policy.Initial && lead.ReviewedBy == nil {
				reviewedAt := s.now()
				lead.ReviewedBy = &actor.ID
				lead.ReviewedAt = &reviewedAt
			}
			if in.Remarks != "" {
				lead.Remarks = in.Remarks
			}
			return s.commitPlan(ctx, tx, actor, plan, lead)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("transition lead: %w", err)
	}
	s.observe(plan)
	return lead, nil
}

// DeleteLead soft-deletes a lead.
func (s *Service) DeleteLead(ctx context.Context, actor shared.Actor, id uuid.UUID) error {
	if err := s.authorize(actor, shared.PermLeadDelete); err != nil {
		return err
	}
	err := s.retry(ctx, "delete lead", func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
			lead, err := activeLead(ctx, tx, id)
			if err != nil {
				return err
			}
			lead.IsActive = false
			lead.UpdatedAt = s.now()
			return tx.UpdateLead(ctx, lead)
		})
	})
	if err != nil {
		return fmt.Errorf("delete lead: %w", err)
	}
	return nil
}

// GetLead returns one active lead. STAFF only see leads they created or are
// assigned to.
func (s *Service) GetLead(ctx context.Context, actor shared.Actor, id uuid.UUID) (*Lead, error) {
	if err := s.authorize(actor, shared.PermLeadView); err != nil {
		return nil, err
	}
	lead, err := activeLead(ctx, s.repo, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkVisible(actor, lead); err != nil {
		return nil, err
	}
	return lead, nil
}

func (s *Service) leadFilter(actor shared.Actor, status pipeline.LeadStatus, source LeadSource, assignedTo *uuid.UUID) LeadFilter {
	filter := LeadFilter{Status: status, Source: source, AssignedTo: assignedTo}
	if !actor.Can(shared.PermLeadViewAll) {
		id := actor.ID
		filter.VisibleTo = &id
	}
	return filter
}

// ListLeads returns one page of active leads visible to the actor.
func (s *Service) ListLeads(ctx context.Context, actor shared.Actor, in ListLeadsInput) ([]Lead, shared.Pagination, error) {
	if err := s.authorize(actor, shared.PermLeadView); err != nil {
		return nil, shared.Pagination{}, err
	}
	if err := s.check(in); err != nil {
		return nil, shared.Pagination{}, err
	}
	page := shared.NewPagination(in.Page, in.PerPage, 0)
	filter := s.leadFilter(actor, in.Status, in.Source, in.AssignedTo)
	filter.Limit = page.PerPage
	filter.Offset = page.Offset()
	leads, total, err := s.repo.ListLeads(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, fmt.Errorf("list leads: %w", err)
	}
	return leads, shared.NewPagination(page.Page, page.PerPage, total), nil
}

// LeadStats counts the actor's visible active leads by status and source.
func (s *Service) LeadStats(ctx context.Context, actor shared.Actor) (LeadStats, error) {
	if err := s.authorize(actor, shared.PermLeadView); err != nil {
		return LeadStats{}, err
	}
	stats, err := s.repo.LeadStats(ctx, s.leadFilter(actor, "", "", nil))
	if err != nil {
		return LeadStats{}, fmt.Errorf("lead stats: %w", err)
	}
	return stats, nil
}
