package sales

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/odyssey-erp/salesflow/internal/sales/pipeline"
	"github.com/odyssey-erp/salesflow/internal/sales/pricing"
	"github.com/odyssey-erp/salesflow/internal/sequence"
	"github.com/odyssey-erp/salesflow/internal/shared"
)

// CreateQuotation prices the input and stores a CREATED quotation for a
// quotable lead. The lead's assignee becomes the sales person.
func (s *Service) CreateQuotation(ctx context.Context, actor shared.Actor, in CreateQuotationInput) (*Quotation, error) {
	if err := s.authorize(actor, shared.PermQuotationCreate); err != nil {
		return nil, err
	}
	if err := s.check(in); err != nil {
		return nil, err
	}

	var (
		quotation *Quotation
		plan      pipeline.Plan
	)
	err := s.withNumber(ctx, sequence.PrefixQuotation, func(number string) error {
		return s.retry(ctx, "create quotation", func() error {
			return s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
				lead, err := activeLead(ctx, tx, in.LeadID)
				if err != nil {
					return err
				}
				if err := s.checkVisible(actor, lead); err != nil {
					return err
				}
				id := s.newID()
				if plan, err = s.policy.CreateQuotation(id, lead.ID, lead.Status); err != nil {
					return err
				}
				catalogue, err := resolveItems(ctx, tx, quotationItemCodes(in.Items))
				if err != nil {
					return err
				}
				breakdown, err := pricing.Compute(in.PricingInput())
				if err != nil {
					return err
				}
				quotation = s.newQuotation(actor, id, number, lead, in, breakdown, catalogue)
				if err := tx.InsertQuotation(ctx, quotation); err != nil {
					return err
				}
				return s.commitPlan(ctx, tx, actor, plan, nil)
			})
		})
	})
	if err != nil {
		return nil, fmt.Errorf("create quotation: %w", err)
	}
	s.observe(plan)
	return quotation, nil
}

func quotationItemCodes(items []QuotationItemInput) []string {
	codes := make([]string, len(items))
	for i, item := range items {
		codes[i] = item.ItemRef
	}
	return codes
}

// newQuotation builds the priced quotation. Lines take the catalogue unit and
// fall back to the item name when no description is given.
func (s *Service) newQuotation(actor shared.Actor, id uuid.UUID, number string, lead *Lead, in CreateQuotationInput, b pricing.Breakdown, catalogue map[string]Item) *Quotation {
	salesPerson := actor.ID
	if lead.AssignedTo != nil {
		salesPerson = *lead.AssignedTo
	}
	now := s.now()
	q := &Quotation{
		ID:              id,
		QuotationNo:     number,
		LeadID:          lead.ID,
		SalesPersonID:   salesPerson,
		Items:           make([]QuotationItem, len(in.Items)),
		Charges:         make([]QuotationCharge, len(in.Charges)),
		Subtotal:        b.Subtotal,
		ChargesTotal:    b.ChargesTotal,
		AmountBeforeTax: b.AmountBeforeTax,
		TotalAmount:     b.TotalAmount,
		Status:          pipeline.QuotationCreated,
		ValidTill:       in.ValidTill,
		Notes:           in.Notes,
		CreatedBy:       actor.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for i, item := range in.Items {
		code := NormalizeItemCode(item.ItemRef)
		entry := catalogue[code]
		description := item.Description
		if description == "" {
			description = entry.Name
		}
		q.Items[i] = QuotationItem{
			ItemRef:     code,
			Description: description,
			Unit:        entry.Unit,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			LineTotal:   b.LineTotals[i],
		}
	}
	for i, c := range in.Charges {
		q.Charges[i] = QuotationCharge{Title: c.Title, Kind: c.Kind, Value: c.Value, Amount: b.ChargeAmounts[i]}
	}
	if in.Discount != nil {
		q.Discount = &QuotationDiscount{Kind: in.Discount.Kind, Value: in.Discount.Value, Amount: b.DiscountAmount}
	}
	if in.Tax != nil {
		q.Tax = &QuotationTax{Type: in.Tax.Type, Percentage: in.Tax.Percentage, Amount: b.TaxAmount}
	}
	return q
}

// GetQuotation returns one quotation.
func (s *Service) GetQuotation(ctx context.Context, actor shared.Actor, id uuid.UUID) (*Quotation, error) {
	if err := s.authorize(actor, shared.PermQuotationView); err != nil {
		return nil, err
	}
	q, err := s.repo.GetQuotation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Can(shared.PermLeadViewAll) {
		lead, err := s.repo.GetLead(ctx, q.LeadID)
		if err != nil {
			return nil, err
		}
		if err := s.checkVisible(actor, lead); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// ListQuotationsByLead returns every quotation raised for a lead the actor
// can see, newest first.
func (s *Service) ListQuotationsByLead(ctx context.Context, actor shared.Actor, leadID uuid.UUID) ([]Quotation, error) {
	if err := s.authorize(actor, shared.PermQuotationView); err != nil {
		return nil, err
	}
	if _, err := s.GetLead(ctx, actor, leadID); err != nil {
		return nil, err
	}
	quotations, err := s.repo.ListQuotationsByLead(ctx, leadID)
	if err != nil {
		return nil, fmt.Errorf("list quotations: %w", err)
	}
	return quotations, nil
}

// SendQuotation marks a CREATED quotation as SENT to the party's e-mail,
// propagates the lead status and schedules the e-mail, all in one unit of
// work.
func (s *Service) SendQuotation(ctx context.Context, actor shared.Actor, id uuid.UUID, in SendQuotationInput) (*Quotation, error) {
	if err := s.authorize(actor, shared.PermQuotationSend); err != nil {
		return nil, err
	}
	if err := s.check(in); err != nil {
		return nil, err
	}
	var (
		quotation *Quotation
		plan      pipeline.Plan
	)
	err := s.retry(ctx, "send quotation", func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
			var err error
			if quotation, err = tx.GetQuotation(ctx, id); err != nil {
				return err
			}
			lead, err := tx.GetLead(ctx, quotation.LeadID)
			if err != nil {
				return err
			}
			if err := s.checkVisible(actor, lead); err != nil {
				return err
			}
			if plan, err = s.policy.SendQuotation(quotation.ID, quotation.Status, lead.ID, lead.Status); err != nil {
				return err
			}
			party, err := tx.GetParty(ctx, lead.PartyID)
			if err != nil {
				return err
			}
			if party.Email == "" {
				return fmt.Errorf("%w: party %s has no e-mail address", ErrValidation, party.ID)
			}
			sentAt := s.now()
			quotation.Status = pipeline.QuotationSent
			quotation.EmailSentAt = &sentAt
			quotation.EmailSentTo = party.Email
			quotation.CC = in.CC
			quotation.UpdatedAt = sentAt
			if err := tx.UpdateQuotation(ctx, quotation); err != nil {
				return err
			}
			if err := s.commitPlan(ctx, tx, actor, plan, lead); err != nil {
				return err
			}
			return s.enqueueMail(ctx, quotation, party)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("send quotation: %w", err)
	}
	s.observe(plan)
	return quotation, nil
}

func (s *Service) enqueueMail(ctx context.Context, q *Quotation, party *Party) error {
	if s.mail == nil {
		s.logger.Debug("sales: mail queue disabled", slog.String("quotation", q.QuotationNo))
		return nil
	}
	name := party.CompanyName
	if name == "" {
		name = party.Name
	}
	err := s.mail.EnqueueQuotationMail(ctx, QuotationMail{
		QuotationID: q.ID,
		QuotationNo: q.QuotationNo,
		To:          q.EmailSentTo,
		CC:          q.CC,
		PartyName:   name,
		TotalAmount: q.TotalAmount,
		ValidTill:   q.ValidTill,
	})
	if err != nil {
		return fmt.Errorf("enqueue quotation mail: %w", err)
	}
	return nil
}

// DecideQuotation records the client's decision on a SENT quotation.
// Approval moves the lead to the policy's approval status atomically.
func (s *Service) DecideQuotation(ctx context.Context, actor shared.Actor, id uuid.UUID, in DecideQuotationInput) (*Quotation, error) {
	if err := s.authorize(actor, shared.PermQuotationDecide); err != nil {
		return nil, err
	}
	if err := s.check(in); err != nil {
		return nil, err
	}
	var (
		quotation *Quotation
		plan      pipeline.Plan
	)
	err := s.retry(ctx, "decide quotation", func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
			var err error
			if quotation, err = tx.GetQuotation(ctx, id); err != nil {
				return err
			}
			lead, err := tx.GetLead(ctx, quotation.LeadID)
			if err != nil {
				return err
			}
			if err := s.checkVisible(actor, lead); err != nil {
				return err
			}
			if plan, err = s.policy.DecideQuotation(quotation.ID, quotation.Status, in.Decision, lead.ID, lead.Status); err != nil {
				return err
			}
			quotation.Status = in.Decision
			quotation.UpdatedAt = s.now()
			if err := tx.UpdateQuotation(ctx, quotation); err != nil {
				return err
			}
			return s.commitPlan(ctx, tx, actor, plan, lead)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("decide quotation: %w", err)
	}
	s.observe(plan)
	return quotation, nil
}
