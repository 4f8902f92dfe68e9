package sales

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/salesflow/internal/sales/pipeline"
	"github.com/odyssey-erp/salesflow/internal/sequence"
	"github.com/odyssey-erp/salesflow/internal/shared"
)

const poUploadTTL = 15 * time.Minute

// ConvertToOrder turns an APPROVED quotation into its single order. Items and
// total are copied, the party is snapshotted and becomes a customer, and the
// lead moves to the policy's conversion status.
func (s *Service) ConvertToOrder(ctx context.Context, actor shared.Actor, quotationID uuid.UUID) (*Order, error) {
	if err := s.authorize(actor, shared.PermOrderConvert); err != nil {
		return nil, err
	}
	var (
		order *Order
		plan  pipeline.Plan
	)
	err := s.withNumber(ctx, sequence.PrefixOrder, func(number string) error {
		return s.retry(ctx, "convert quotation", func() error {
			return s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
				quotation, err := tx.GetQuotation(ctx, quotationID)
				if err != nil {
					return err
				}
				existing, err := tx.GetOrderByQuotation(ctx, quotationID)
				switch {
				case err == nil:
					return fmt.Errorf("%w: quotation %s has order %s", ErrAlreadyConverted, quotationID, existing.OrderNo)
				case !errors.Is(err, ErrNotFound):
					return err
				}
				lead, err := tx.GetLead(ctx, quotation.LeadID)
				if err != nil {
					return err
				}
				if err := s.checkVisible(actor, lead); err != nil {
					return err
				}
				orderID := s.newID()
				if plan, err = s.policy.ConvertQuotation(quotation.ID, quotation.Status, orderID, lead.ID, lead.Status); err != nil {
					return err
				}
				party, err := tx.GetParty(ctx, lead.PartyID)
				if err != nil {
					return err
				}
				order = s.newOrder(actor, orderID, number, quotation, party)
				if err := tx.InsertOrder(ctx, order); err != nil {
					return err
				}
				if party.Type != PartyCustomer {
					party.Type = PartyCustomer
					party.UpdatedAt = s.now()
					if err := tx.UpdateParty(ctx, party); err != nil {
						return err
					}
				}
				return s.commitPlan(ctx, tx, actor, plan, lead)
			})
		})
	})
	if err != nil {
		return nil, fmt.Errorf("convert quotation: %w", err)
	}
	s.observe(plan)
	return order, nil
}

func (s *Service) newOrder(actor shared.Actor, id uuid.UUID, number string, q *Quotation, party *Party) *Order {
	items := make([]QuotationItem, len(q.Items))
	copy(items, q.Items)
	now := s.now()
	return &Order{
		ID:          id,
		OrderNo:     number,
		LeadID:      q.LeadID,
		QuotationID: q.ID,
		Customer: CustomerSnapshot{
			Name:        party.Name,
			Contact:     party.Contact,
			Email:       party.Email,
			CompanyName: party.CompanyName,
			Address:     party.Address,
		},
		SalesPersonID: q.SalesPersonID,
		Items:         items,
		TotalAmount:   q.TotalAmount,
		Status:        pipeline.OrderCreated,
		ConvertedBy:   actor.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// GetOrder returns one order.
func (s *Service) GetOrder(ctx context.Context, actor shared.Actor, id uuid.UUID) (*Order, error) {
	if err := s.authorize(actor, shared.PermOrderView); err != nil {
		return nil, err
	}
	order, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkOrderVisible(actor, order); err != nil {
		return nil, err
	}
	return order, nil
}

// ListOrders returns one page of orders, newest first. STAFF only see orders
// they sell or converted.
func (s *Service) ListOrders(ctx context.Context, actor shared.Actor, in ListOrdersInput) ([]Order, shared.Pagination, error) {
	if err := s.authorize(actor, shared.PermOrderView); err != nil {
		return nil, shared.Pagination{}, err
	}
	if err := s.check(in); err != nil {
		return nil, shared.Pagination{}, err
	}
	if in.Status != "" && !in.Status.IsValid() {
		return nil, shared.Pagination{}, fmt.Errorf("%w: unknown order status %q", ErrValidation, in.Status)
	}
	if err := checkRange(in.From, in.To); err != nil {
		return nil, shared.Pagination{}, err
	}
	page := shared.NewPagination(in.Page, in.PerPage, 0)
	filter := OrderFilter{
		Status:        in.Status,
		SalesPersonID: in.SalesPersonID,
		From:          in.From,
		To:            in.To,
		Limit:         page.PerPage,
		Offset:        page.Offset(),
	}
	if !actor.Can(shared.PermLeadViewAll) {
		id := actor.ID
		filter.VisibleTo = &id
	}
	orders, total, err := s.repo.ListOrders(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, fmt.Errorf("list orders: %w", err)
	}
	return orders, shared.NewPagination(page.Page, page.PerPage, total), nil
}

func checkRange(from, to *time.Time) error {
	if from != nil && to != nil && to.Before(*from) {
		return fmt.Errorf("%w: date range ends before it starts", ErrValidation)
	}
	return nil
}

// checkOrderVisible limits STAFF to orders they sell or converted.
func checkOrderVisible(actor shared.Actor, order *Order) error {
	if actor.Can(shared.PermLeadViewAll) || order.VisibleTo(actor.ID) {
		return nil
	}
	return fmt.Errorf("%w: order %s", ErrForbidden, order.ID)
}

// ReceivePO records the customer's purchase order and forces the order to
// PO_RECEIVED from any open status. A file reference must name an object
// already uploaded to storage.
func (s *Service) ReceivePO(ctx context.Context, actor shared.Actor, orderID uuid.UUID, in ReceivePOInput) (*Order, error) {
	if err := s.authorize(actor, shared.PermOrderPO); err != nil {
		return nil, err
	}
	if err := s.check(in); err != nil {
		return nil, err
	}
	if in.Amount != nil && in.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: po amount must not be negative", ErrValidation)
	}
	if in.FileRef != "" && s.files != nil {
		ok, err := s.files.Exists(ctx, in.FileRef)
		if err != nil {
			return nil, fmt.Errorf("receive po: check file: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: po file %q not found in storage", ErrValidation, in.FileRef)
		}
	}
	var (
		order *Order
		plan  pipeline.Plan
	)
	err := s.retry(ctx, "receive po", func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
			var err error
			if order, err = tx.GetOrder(ctx, orderID); err != nil {
				return err
			}
			if err := checkOrderVisible(actor, order); err != nil {
				return err
			}
			if plan, err = pipeline.ReceivePO(order.ID, order.Status); err != nil {
				return err
			}
			now := s.now()
			order.Status = pipeline.OrderPOReceived
			order.PO = &PODetails{
				Number:    in.Number,
				Date:      in.Date,
				FileRef:   in.FileRef,
				Amount:    in.Amount,
				PunchedBy: actor.ID,
				PunchedAt: now,
			}
			order.UpdatedAt = now
			if err := tx.UpdateOrder(ctx, order); err != nil {
				return err
			}
			return s.commitPlan(ctx, tx, actor, plan, nil)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("receive po: %w", err)
	}
	s.observe(plan)
	return order, nil
}

// TransitionOrder applies one edge of the order table. PO_RECEIVED is only
// reachable through ReceivePO; CONFIRMED stamps ConfirmedAt.
func (s *Service) TransitionOrder(ctx context.Context, actor shared.Actor, id uuid.UUID, in TransitionOrderInput) (*Order, error) {
	if err := s.authorize(actor, shared.PermOrderTransition); err != nil {
		return nil, err
	}
	if err := s.check(in); err != nil {
		return nil, err
	}
	if !in.Status.IsValid() {
		return nil, fmt.Errorf("%w: unknown order status %q", ErrValidation, in.Status)
	}
	var (
		order *Order
		plan  pipeline.Plan
	)
	err := s.retry(ctx, "transition order", func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
			var err error
			if order, err = tx.GetOrder(ctx, id); err != nil {
				return err
			}
			if in.Status == pipeline.OrderPOReceived {
				return &pipeline.TransitionError{
					Entity: pipeline.EntityOrder, ID: order.ID,
					From: string(order.Status), To: string(in.Status),
					Reason: "record the purchase order instead",
				}
			}
			if plan, err = pipeline.MoveOrder(order.ID, order.Status, in.Status); err != nil {
				return err
			}
			now := s.now()
			order.Status = in.Status
			if in.Status == pipeline.OrderConfirmed {
				order.ConfirmedAt = &now
			}
			order.UpdatedAt = now
			if err := tx.UpdateOrder(ctx, order); err != nil {
				return err
			}
			return s.commitPlan(ctx, tx, actor, plan, nil)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("transition order: %w", err)
	}
	s.observe(plan)
	return order, nil
}

// PresignPOUpload issues a short-lived upload URL for a purchase order file.
// The returned FileRef is what ReceivePO expects.
func (s *Service) PresignPOUpload(ctx context.Context, actor shared.Actor, orderID uuid.UUID, filename string) (*POUpload, error) {
	if err := s.authorize(actor, shared.PermOrderPO); err != nil {
		return nil, err
	}
	if s.files == nil {
		return nil, fmt.Errorf("%w: object storage is not configured", ErrValidation)
	}
	name := path.Base(strings.TrimSpace(filename))
	if name == "" || name == "." || name == "/" {
		return nil, fmt.Errorf("%w: filename is required", ErrValidation)
	}
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := checkOrderVisible(actor, order); err != nil {
		return nil, err
	}
	if order.Status == pipeline.OrderCancelled {
		return nil, fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, order.ID, order.Status)
	}
	key := fmt.Sprintf("orders/%s/po/%s-%s", order.ID, s.newID(), name)
	url, err := s.files.PresignUpload(ctx, key, poUploadTTL)
	if err != nil {
		return nil, fmt.Errorf("presign po upload: %w", err)
	}
	return &POUpload{FileRef: key, UploadURL: url, ExpiresAt: s.now().Add(poUploadTTL)}, nil
}
