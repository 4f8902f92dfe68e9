// Package pipeline holds the status state machines for leads, quotations and
// orders.
//
// It is storage independent: callers pass the persisted current status and
// receive a Plan describing every status change that must be written in the
// same unit of work.
package pipeline

// Entity names a status-governed record type.
type Entity string

const (
	EntityLead      Entity = "lead"
	EntityQuotation Entity = "quotation"
	EntityOrder     Entity = "order"
)

// LeadStatus covers the statuses of both lead policies.
type LeadStatus string

const (
	LeadNew                   LeadStatus = "NEW"
	LeadApproved              LeadStatus = "APPROVED"
	LeadRejected              LeadStatus = "REJECTED"
	LeadAssigned              LeadStatus = "ASSIGNED"
	LeadFollowUp              LeadStatus = "FOLLOW_UP"
	LeadClientApprovalPending LeadStatus = "CLIENT_APPROVAL_PENDING"
	LeadApprovedByClient      LeadStatus = "APPROVED_BY_CLIENT"
	LeadConvertedToOrder      LeadStatus = "CONVERTED_TO_ORDER"

	// Legacy policy only.
	LeadContacted     LeadStatus = "CONTACTED"
	LeadQualified     LeadStatus = "QUALIFIED"
	LeadQuotationSent LeadStatus = "QUOTATION_SENT"
	LeadLost          LeadStatus = "LOST"
)

// QuotationStatus is the lifecycle of a quotation.
type QuotationStatus string

const (
	QuotationCreated  QuotationStatus = "CREATED"
	QuotationSent     QuotationStatus = "SENT"
	QuotationApproved QuotationStatus = "APPROVED"
	QuotationRejected QuotationStatus = "REJECTED"
)

var quotationTransitions = map[QuotationStatus][]QuotationStatus{
	QuotationCreated:  {QuotationSent},
	QuotationSent:     {QuotationApproved, QuotationRejected},
	QuotationApproved: nil,
	QuotationRejected: nil,
}

// QuotationStatuses lists every quotation status.
func QuotationStatuses() []QuotationStatus {
	return []QuotationStatus{QuotationCreated, QuotationSent, QuotationApproved, QuotationRejected}
}

// CanTransitionTo reports whether the quotation table holds the edge s -> target.
func (s QuotationStatus) CanTransitionTo(target QuotationStatus) bool {
	return contains(quotationTransitions[s], target)
}

// IsTerminal reports whether s has no outgoing edges.
func (s QuotationStatus) IsTerminal() bool {
	next, ok := quotationTransitions[s]
	return ok && len(next) == 0
}

// IsValid reports whether s is a known status.
func (s QuotationStatus) IsValid() bool {
	_, ok := quotationTransitions[s]
	return ok
}

// OrderStatus is the lifecycle of an order.
type OrderStatus string

const (
	OrderCreated    OrderStatus = "CREATED"
	OrderPOPending  OrderStatus = "PO_PENDING"
	OrderPOReceived OrderStatus = "PO_RECEIVED"
	OrderConfirmed  OrderStatus = "CONFIRMED"
	OrderCancelled  OrderStatus = "CANCELLED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderCreated:    {OrderPOPending, OrderCancelled},
	OrderPOPending:  {OrderPOReceived, OrderCancelled},
	OrderPOReceived: {OrderConfirmed, OrderCancelled},
	OrderConfirmed:  nil,
	OrderCancelled:  nil,
}

// OrderStatuses lists every order status.
func OrderStatuses() []OrderStatus {
	return []OrderStatus{OrderCreated, OrderPOPending, OrderPOReceived, OrderConfirmed, OrderCancelled}
}

// CanTransitionTo reports whether the order table holds the edge s -> target.
func (s OrderStatus) CanTransitionTo(target OrderStatus) bool {
	return contains(orderTransitions[s], target)
}

// IsTerminal reports whether s has no outgoing edges.
func (s OrderStatus) IsTerminal() bool {
	next, ok := orderTransitions[s]
	return ok && len(next) == 0
}

// IsValid reports whether s is a known status.
func (s OrderStatus) IsValid() bool {
	_, ok := orderTransitions[s]
	return ok
}

func contains[S comparable](list []S, v S) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
