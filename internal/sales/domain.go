package sales

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/salesflow/internal/sales/pipeline"
	"github.com/odyssey-erp/salesflow/internal/sales/pricing"
)

// PartyType separates prospects from paying customers.
type PartyType string

const (
	PartyProspect PartyType = "PROSPECT"
	PartyCustomer PartyType = "CUSTOMER"
)

// PartyStatus is the activity flag of a party.
type PartyStatus string

const (
	PartyActive   PartyStatus = "ACTIVE"
	PartyInactive PartyStatus = "INACTIVE"
)

// Party is the business or person leads originate from.
type Party struct {
	ID          uuid.UUID   `json:"id"`
	Name        string      `json:"name"`
	Contact     string      `json:"contact"`
	Email       string      `json:"email,omitempty"`
	CompanyName string      `json:"company_name,omitempty"`
	Address     string      `json:"address,omitempty"`
	GSTIN       string      `json:"gstin,omitempty"`
	PAN         string      `json:"pan,omitempty"`
	Type        PartyType   `json:"type"`
	Status      PartyStatus `json:"status"`
	IsActive    bool        `json:"is_active"`
	CreatedBy   uuid.UUID   `json:"created_by"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	Version     int64       `json:"version"`
}

// LeadSource is the channel a lead came in through.
type LeadSource string

const (
	SourceWhatsApp LeadSource = "WHATSAPP"
	SourceEmail    LeadSource = "EMAIL"
	SourceReferral LeadSource = "REFERRAL"
	SourceWebsite  LeadSource = "WEBSITE"
	SourceCall     LeadSource = "CALL"
	SourceOther    LeadSource = "OTHER"
)

// Item is a catalogue entry. Lead and quotation lines reference it by Code.
type Item struct {
	ID          uuid.UUID       `json:"id"`
	Code        string          `json:"code"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Unit        string          `json:"unit"`
	BasePrice   decimal.Decimal `json:"base_price"`
	IsActive    bool            `json:"is_active"`
	CreatedBy   uuid.UUID       `json:"created_by"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Version     int64           `json:"version"`
}

// NormalizeItemCode is the stored form of an item code.
func NormalizeItemCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// LeadItem is a requested catalogue item with its quantity.
type LeadItem struct {
	ItemRef  string `json:"item_ref" validate:"required,max=100"`
	Quantity int64  `json:"quantity" validate:"gte=1"`
}

// Assignment is one entry of a lead's append-only assignment history.
type Assignment struct {
	AssignedTo uuid.UUID `json:"assigned_to"`
	AssignedBy uuid.UUID `json:"assigned_by"`
	AssignedAt time.Time `json:"assigned_at"`
	Reason     string    `json:"reason,omitempty"`
}

// Lead is a sales opportunity raised for a party.
type Lead struct {
	ID                uuid.UUID           `json:"id"`
	LeadNo            string              `json:"lead_no"`
	PartyID           uuid.UUID           `json:"party_id"`
	Source            LeadSource          `json:"source"`
	Items             []LeadItem          `json:"items"`
	Status            pipeline.LeadStatus `json:"status"`
	Remarks           string              `json:"remarks,omitempty"`
	AssignedTo        *uuid.UUID          `json:"assigned_to,omitempty"`
	AssignmentHistory []Assignment        `json:"assignment_history"`
	ReviewedBy        *uuid.UUID          `json:"reviewed_by,omitempty"`
	ReviewedAt        *time.Time          `json:"reviewed_at,omitempty"`
	CreatedBy         uuid.UUID           `json:"created_by"`
	IsActive          bool                `json:"is_active"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
	Version           int64               `json:"version"`
}

// VisibleTo reports whether a STAFF user may see the lead.
func (l *Lead) VisibleTo(userID uuid.UUID) bool {
	if l.CreatedBy == userID {
		return true
	}
	return l.AssignedTo != nil && *l.AssignedTo == userID
}

// VisibleTo reports whether a STAFF user sells or converted the order.
func (o *Order) VisibleTo(userID uuid.UUID) bool {
	return o.SalesPersonID == userID || o.ConvertedBy == userID
}

// QuotationItem is one priced line.
type QuotationItem struct {
	ItemRef     string          `json:"item_ref"`
	Description string          `json:"description,omitempty"`
	Unit        string          `json:"unit,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	LineTotal   decimal.Decimal `json:"line_total"`
}

// QuotationCharge is an additional charge with its computed amount.
type QuotationCharge struct {
	Title  string          `json:"title"`
	Kind   pricing.Kind    `json:"kind"`
	Value  decimal.Decimal `json:"value"`
	Amount decimal.Decimal `json:"amount"`
}

// QuotationDiscount is the single discount of a quotation.
type QuotationDiscount struct {
	Kind   pricing.Kind    `json:"kind"`
	Value  decimal.Decimal `json:"value"`
	Amount decimal.Decimal `json:"amount"`
}

// TaxType names the tax regime.
type TaxType string

const (
	TaxGST   TaxType = "GST"
	TaxOther TaxType = "OTHER"
)

// QuotationTax is the tax applied on the amount before tax.
type QuotationTax struct {
	Type       TaxType         `json:"type"`
	Percentage decimal.Decimal `json:"percentage"`
	Amount     decimal.Decimal `json:"amount"`
}

// Quotation is a priced offer for a lead. Computed fields always equal
// pricing.Compute of the inputs.
type Quotation struct {
	ID              uuid.UUID                `json:"id"`
	QuotationNo     string                   `json:"quotation_no"`
	LeadID          uuid.UUID                `json:"lead_id"`
	SalesPersonID   uuid.UUID                `json:"sales_person_id"`
	Items           []QuotationItem          `json:"items"`
	Charges         []QuotationCharge        `json:"charges"`
	Discount        *QuotationDiscount       `json:"discount,omitempty"`
	Tax             *QuotationTax            `json:"tax,omitempty"`
	Subtotal        decimal.Decimal          `json:"subtotal"`
	ChargesTotal    decimal.Decimal          `json:"charges_total"`
	AmountBeforeTax decimal.Decimal          `json:"amount_before_tax"`
	TotalAmount     decimal.Decimal          `json:"total_amount"`
	Status          pipeline.QuotationStatus `json:"status"`
	ValidTill       *time.Time               `json:"valid_till,omitempty"`
	Notes           string                   `json:"notes,omitempty"`
	EmailSentAt     *time.Time               `json:"email_sent_at,omitempty"`
	EmailSentTo     string                   `json:"email_sent_to,omitempty"`
	CC              []string                 `json:"cc,omitempty"`
	CreatedBy       uuid.UUID                `json:"created_by"`
	CreatedAt       time.Time                `json:"created_at"`
	UpdatedAt       time.Time                `json:"updated_at"`
	Version         int64                    `json:"version"`
}

// PricingInput rebuilds the computation input from the stored quotation.
func (q *Quotation) PricingInput() pricing.Input {
	in := pricing.Input{
		Lines:   make([]pricing.Line, len(q.Items)),
		Charges: make([]pricing.Charge, len(q.Charges)),
	}
	for i, item := range q.Items {
		in.Lines[i] = pricing.Line{Quantity: item.Quantity, UnitPrice: item.UnitPrice}
	}
	for i, c := range q.Charges {
		in.Charges[i] = pricing.Charge{Title: c.Title, Kind: c.Kind, Value: c.Value}
	}
	if q.Discount != nil {
		in.Discount = &pricing.Discount{Kind: q.Discount.Kind, Value: q.Discount.Value}
	}
	if q.Tax != nil {
		pct := q.Tax.Percentage
		in.TaxPercentage = &pct
	}
	return in
}

// CustomerSnapshot freezes the party details on the order.
type CustomerSnapshot struct {
	Name        string `json:"name"`
	Contact     string `json:"contact"`
	Email       string `json:"email,omitempty"`
	CompanyName string `json:"company_name,omitempty"`
	Address     string `json:"address,omitempty"`
}

// PODetails records the customer's purchase order.
type PODetails struct {
	Number    string           `json:"number"`
	Date      time.Time        `json:"date"`
	FileRef   string           `json:"file_ref,omitempty"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	PunchedBy uuid.UUID        `json:"punched_by"`
	PunchedAt time.Time        `json:"punched_at"`
}

// Order is the confirmed business resulting from an approved quotation.
type Order struct {
	ID            uuid.UUID            `json:"id"`
	OrderNo       string               `json:"order_no"`
	LeadID        uuid.UUID            `json:"lead_id"`
	QuotationID   uuid.UUID            `json:"quotation_id"`
	Customer      CustomerSnapshot     `json:"customer"`
	SalesPersonID uuid.UUID            `json:"sales_person_id"`
	Items         []QuotationItem      `json:"items"`
	TotalAmount   decimal.Decimal      `json:"total_amount"`
	Status        pipeline.OrderStatus `json:"status"`
	PO            *PODetails           `json:"po,omitempty"`
	ConfirmedAt   *time.Time           `json:"confirmed_at,omitempty"`
	ConvertedBy   uuid.UUID            `json:"converted_by"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
	Version       int64                `json:"version"`
}

// FollowupOutcome classifies how a follow-up ended.
type FollowupOutcome string

const (
	OutcomeOrderWon  FollowupOutcome = "ORDER_WON"
	OutcomeOrderLoss FollowupOutcome = "ORDER_LOSS"
	OutcomePreclosed FollowupOutcome = "PRECLOSED"
)

// Followup is a recorded contact with the party of a lead.
type Followup struct {
	ID               uuid.UUID       `json:"id"`
	LeadID           uuid.UUID       `json:"lead_id"`
	FollowupDate     time.Time       `json:"followup_date"`
	Remarks          string          `json:"remarks"`
	NextFollowupDate *time.Time      `json:"next_followup_date,omitempty"`
	Outcome          FollowupOutcome `json:"outcome"`
	CreatedBy        uuid.UUID       `json:"created_by"`
	CreatedAt        time.Time       `json:"created_at"`
}

// UpcomingFollowup joins a scheduled follow-up with its lead for reminders.
type UpcomingFollowup struct {
	Followup
	LeadNo     string              `json:"lead_no"`
	LeadStatus pipeline.LeadStatus `json:"lead_status"`
	AssignedTo *uuid.UUID          `json:"assigned_to,omitempty"`
	PartyName  string              `json:"party_name"`
}

// LeadStats counts active leads by status and by source.
type LeadStats struct {
	Total    int                         `json:"total"`
	ByStatus map[pipeline.LeadStatus]int `json:"by_status"`
	BySource map[LeadSource]int          `json:"by_source"`
}

// EmailType classifies a journaled e-mail.
type EmailType string

const (
	EmailQuotation    EmailType = "QUOTATION"
	EmailNotification EmailType = "NOTIFICATION"
	EmailReminder     EmailType = "REMINDER"
)

// EmailStatus is the delivery outcome of a journaled e-mail.
type EmailStatus string

const (
	EmailSent   EmailStatus = "SENT"
	EmailFailed EmailStatus = "FAILED"
)

// EmailLog is one delivery attempt. RelatedEntity and RelatedID are empty for
// mails that do not concern a single record, such as reminder digests.
type EmailLog struct {
	ID            uuid.UUID       `json:"id"`
	Type          EmailType       `json:"type"`
	Recipient     string          `json:"recipient"`
	CC            []string        `json:"cc,omitempty"`
	Subject       string          `json:"subject"`
	Body          string          `json:"body,omitempty"`
	Status        EmailStatus     `json:"status"`
	Error         string          `json:"error,omitempty"`
	RelatedEntity pipeline.Entity `json:"related_entity,omitempty"`
	RelatedID     *uuid.UUID      `json:"related_id,omitempty"`
	SentAt        time.Time       `json:"sent_at"`
}

// StatusTotal counts orders in one status and sums their value.
type StatusTotal struct {
	Count       int             `json:"count"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// OrderTotal is one storage-level aggregate row: orders of a sales person in
// one status.
type OrderTotal struct {
	Status        pipeline.OrderStatus
	SalesPersonID uuid.UUID
	Count         int
	TotalAmount   decimal.Decimal
}

// SalesPersonRevenue ranks a sales person by the value of their orders.
type SalesPersonRevenue struct {
	SalesPersonID uuid.UUID       `json:"sales_person_id"`
	Name          string          `json:"name"`
	Email         string          `json:"email"`
	TotalOrders   int             `json:"total_orders"`
	TotalRevenue  decimal.Decimal `json:"total_revenue"`
}

// SalesMetrics summarises orders over a period.
type SalesMetrics struct {
	TotalOrders       int                                  `json:"total_orders"`
	TotalRevenue      decimal.Decimal                      `json:"total_revenue"`
	AverageOrderValue decimal.Decimal                      `json:"average_order_value"`
	ByStatus          map[pipeline.OrderStatus]StatusTotal `json:"by_status"`
	TopSalesPersons   []SalesPersonRevenue                 `json:"top_sales_persons"`
}

// OrderDashboard is the order pipeline view.
type OrderDashboard struct {
	Pipeline     map[pipeline.OrderStatus]StatusTotal `json:"pipeline"`
	RecentOrders []Order                              `json:"recent_orders"`
	PendingPO    int                                  `json:"pending_po"`
}
