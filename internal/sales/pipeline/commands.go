package pipeline

import (
	"github.com/google/uuid"
)

// MoveLead plans a single manual edge of the lead table.
func (p *Policy) MoveLead(id uuid.UUID, from, to LeadStatus) (Plan, error) {
	if !p.CanTransition(from, to) {
		return Plan{}, transitionError(EntityLead, id, string(from), string(to), "")
	}
	var plan Plan
	plan.add(EntityLead, id, string(from), string(to))
	return plan, nil
}

// ReviewLead plans the review decision of a lead still in its initial status.
func (p *Policy) ReviewLead(id uuid.UUID, current, decision LeadStatus) (Plan, error) {
	if decision != LeadApproved && decision != LeadRejected {
		return Plan{}, transitionError(EntityLead, id, string(current), string(decision), "decision must be APPROVED or REJECTED")
	}
	if current != p.Initial {
		return Plan{}, transitionError(EntityLead, id, string(current), string(decision), "only "+string(p.Initial)+" leads can be reviewed")
	}
	return p.MoveLead(id, current, decision)
}

// AssignLead plans an assignment. A first assignment moves the lead from
// AssignFrom to Assigned; re-assigning an already assigned lead plans no
// status change.
func (p *Policy) AssignLead(id uuid.UUID, current LeadStatus) (Plan, error) {
	if current == p.Assigned {
		return Plan{}, nil
	}
	if current != p.AssignFrom {
		return Plan{}, transitionError(EntityLead, id, string(current), string(p.Assigned), "lead must be "+string(p.AssignFrom)+" before assignment")
	}
	return p.MoveLead(id, current, p.Assigned)
}

// CheckQuotable rejects quotation creation for leads outside Quotable.
func (p *Policy) CheckQuotable(leadID uuid.UUID, current LeadStatus) error {
	if p.IsQuotable(current) {
		return nil
	}
	return transitionError(EntityLead, leadID, string(current), string(current), "quotations cannot be created for this lead status")
}

// CreateQuotation plans the initial status of a new quotation.
func (p *Policy) CreateQuotation(quotationID, leadID uuid.UUID, leadStatus LeadStatus) (Plan, error) {
	if err := p.CheckQuotable(leadID, leadStatus); err != nil {
		return Plan{}, err
	}
	var plan Plan
	plan.add(EntityQuotation, quotationID, "", string(QuotationCreated))
	return plan, nil
}

// SendQuotation plans CREATED -> SENT plus the lead propagation.
func (p *Policy) SendQuotation(quotationID uuid.UUID, current QuotationStatus, leadID uuid.UUID, leadStatus LeadStatus) (Plan, error) {
	var plan Plan
	if !current.CanTransitionTo(QuotationSent) {
		return Plan{}, transitionError(EntityQuotation, quotationID, string(current), string(QuotationSent), "")
	}
	plan.add(EntityQuotation, quotationID, string(current), string(QuotationSent))
	if err := p.propagate(&plan, leadID, leadStatus, p.OnQuotationSent); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// DecideQuotation plans SENT -> APPROVED|REJECTED. Approval propagates to the lead.
func (p *Policy) DecideQuotation(quotationID uuid.UUID, current, decision QuotationStatus, leadID uuid.UUID, leadStatus LeadStatus) (Plan, error) {
	if decision != QuotationApproved && decision != QuotationRejected {
		return Plan{}, transitionError(EntityQuotation, quotationID, string(current), string(decision), "decision must be APPROVED or REJECTED")
	}
	if !current.CanTransitionTo(decision) {
		return Plan{}, transitionError(EntityQuotation, quotationID, string(current), string(decision), "")
	}
	var plan Plan
	plan.add(EntityQuotation, quotationID, string(current), string(decision))
	if decision == QuotationApproved {
		if err := p.propagate(&plan, leadID, leadStatus, p.OnQuotationApproved); err != nil {
			return Plan{}, err
		}
	}
	return plan, nil
}

// ConvertQuotation plans the creation of an order from an approved quotation.
// Uniqueness of the order per quotation is checked by the caller against storage.
func (p *Policy) ConvertQuotation(quotationID uuid.UUID, current QuotationStatus, orderID, leadID uuid.UUID, leadStatus LeadStatus) (Plan, error) {
	if current != QuotationApproved {
		return Plan{}, transitionError(EntityQuotation, quotationID, string(current), "CONVERTED", "only APPROVED quotations can be converted")
	}
	var plan Plan
	plan.add(EntityOrder, orderID, "", string(OrderCreated))
	if err := p.propagate(&plan, leadID, leadStatus, p.OnOrderConverted); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// RecordFollowup plans the lead change caused by a follow-up. Terminal leads
// take no follow-ups; leads that cannot legally reach OnFollowup in one edge
// keep their status.
func (p *Policy) RecordFollowup(leadID uuid.UUID, current LeadStatus) (Plan, error) {
	if p.IsTerminal(current) {
		return Plan{}, transitionError(EntityLead, leadID, string(current), string(p.OnFollowup), "lead is closed")
	}
	var plan Plan
	if p.OnFollowup == "" || contains(p.FollowupKeeps, current) || !p.CanTransition(current, p.OnFollowup) {
		return plan, nil
	}
	plan.add(EntityLead, leadID, string(current), string(p.OnFollowup))
	return plan, nil
}

func (p *Policy) propagate(plan *Plan, leadID uuid.UUID, current, target LeadStatus) error {
	if target == "" {
		return nil
	}
	route, ok := p.Route(current, target)
	if !ok {
		return transitionError(EntityLead, leadID, string(current), string(target), "no legal route")
	}
	plan.addLeadRoute(leadID, route, current)
	return nil
}

// MoveOrder plans a single edge of the order table.
func MoveOrder(id uuid.UUID, from, to OrderStatus) (Plan, error) {
	if !from.CanTransitionTo(to) {
		return Plan{}, transitionError(EntityOrder, id, string(from), string(to), "")
	}
	var plan Plan
	plan.add(EntityOrder, id, string(from), string(to))
	return plan, nil
}

// ReceivePO plans the forced move to PO_RECEIVED. PO receipt is an external
// event, so every status accepts it, CONFIRMED and PO_RECEIVED included. Only a
// cancelled order refuses it.
func ReceivePO(id uuid.UUID, current OrderStatus) (Plan, error) {
	if !current.IsValid() {
		return Plan{}, transitionError(EntityOrder, id, string(current), string(OrderPOReceived), "unknown status")
	}
	if current == OrderCancelled {
		return Plan{}, transitionError(EntityOrder, id, string(current), string(OrderPOReceived), "order is cancelled")
	}
	var plan Plan
	plan.add(EntityOrder, id, string(current), string(OrderPOReceived))
	return plan, nil
}
