package sales

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/salesflow/internal/sales/pipeline"
	"github.com/odyssey-erp/salesflow/internal/sales/pricing"
)

// PartyInput carries the details of a party to find or create.
type PartyInput struct {
	Name        string    `json:"name" validate:"required,max=200"`
	Contact     string    `json:"contact" validate:"required,max=32"`
	Email       string    `json:"email,omitempty" validate:"omitempty,email,max=200"`
	CompanyName string    `json:"company_name,omitempty" validate:"max=200"`
	Address     string    `json:"address,omitempty" validate:"max=500"`
	GSTIN       string    `json:"gstin,omitempty" validate:"omitempty,len=15,alphanum"`
	PAN         string    `json:"pan,omitempty" validate:"omitempty,len=10,alphanum"`
	Type        PartyType `json:"type,omitempty" validate:"omitempty,oneof=PROSPECT CUSTOMER"`
}

type CreateLeadInput struct {
	PartyID *uuid.UUID  `json:"party_id,omitempty" validate:"required_without=Party"`
	Party   *PartyInput `json:"party,omitempty"`
	Source  LeadSource  `json:"source" validate:"required,oneof=WHATSAPP EMAIL REFERRAL WEBSITE CALL OTHER"`
	Items   []LeadItem  `json:"items" validate:"required,min=1,dive"`
	Remarks string      `json:"remarks,omitempty" validate:"max=2000"`
}

type ReviewLeadInput struct {
	Decision pipeline.LeadStatus `json:"decision" validate:"required,oneof=APPROVED REJECTED"`
	Remarks  string              `json:"remarks,omitempty" validate:"required_if=Decision REJECTED,max=2000"`
}

type AssignLeadInput struct {
	SalesPersonID uuid.UUID `json:"sales_person_id" validate:"required"`
	Reason        string    `json:"reason,omitempty" validate:"max=500"`
}

type TransitionLeadInput struct {
	Status  pipeline.LeadStatus `json:"status" validate:"required"`
	Remarks string              `json:"remarks,omitempty" validate:"max=2000"`
}

type ListLeadsInput struct {
	Status     pipeline.LeadStatus `json:"status,omitempty"`
	Source     LeadSource          `json:"source,omitempty"`
	AssignedTo *uuid.UUID          `json:"assigned_to,omitempty"`
	Page       int                 `json:"page" validate:"gte=0"`
	PerPage    int                 `json:"per_page" validate:"gte=0,lte=200"`
}

// LeadFilter is the storage-level lead query. VisibleTo restricts results to
// leads created by or assigned to that user.
type LeadFilter struct {
	Status     pipeline.LeadStatus
	Source     LeadSource
	AssignedTo *uuid.UUID
	VisibleTo  *uuid.UUID
	Limit      int
	Offset     int
}

type QuotationItemInput struct {
	ItemRef     string          `json:"item_ref" validate:"required,max=100"`
	Description string          `json:"description,omitempty" validate:"max=500"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

type ChargeInput struct {
	Title string          `json:"title" validate:"required,max=100"`
	Kind  pricing.Kind    `json:"kind" validate:"required"`
	Value decimal.Decimal `json:"value"`
}

type DiscountInput struct {
	Kind  pricing.Kind    `json:"kind" validate:"required"`
	Value decimal.Decimal `json:"value"`
}

type TaxInput struct {
	Type       TaxType         `json:"type" validate:"required,oneof=GST OTHER"`
	Percentage decimal.Decimal `json:"percentage"`
}

type CreateQuotationInput struct {
	LeadID    uuid.UUID            `json:"lead_id" validate:"required"`
	Items     []QuotationItemInput `json:"items" validate:"required,min=1,dive"`
	Charges   []ChargeInput        `json:"charges,omitempty" validate:"dive"`
	Discount  *DiscountInput       `json:"discount,omitempty"`
	Tax       *TaxInput            `json:"tax,omitempty"`
	ValidTill *time.Time           `json:"valid_till,omitempty"`
	Notes     string               `json:"notes,omitempty" validate:"max=2000"`
}

// PricingInput maps the request onto the computation engine input.
func (in CreateQuotationInput) PricingInput() pricing.Input {
	out := pricing.Input{
		Lines:   make([]pricing.Line, len(in.Items)),
		Charges: make([]pricing.Charge, len(in.Charges)),
	}
	for i, item := range in.Items {
		out.Lines[i] = pricing.Line{Quantity: item.Quantity, UnitPrice: item.UnitPrice}
	}
	for i, c := range in.Charges {
		out.Charges[i] = pricing.Charge{Title: c.Title, Kind: c.Kind, Value: c.Value}
	}
	if in.Discount != nil {
		out.Discount = &pricing.Discount{Kind: in.Discount.Kind, Value: in.Discount.Value}
	}
	if in.Tax != nil {
		pct := in.Tax.Percentage
		out.TaxPercentage = &pct
	}
	return out
}

type SendQuotationInput struct {
	CC []string `json:"cc,omitempty" validate:"max=10,dive,email"`
}

type DecideQuotationInput struct {
	Decision pipeline.QuotationStatus `json:"decision" validate:"required,oneof=APPROVED REJECTED"`
}

type TransitionOrderInput struct {
	Status pipeline.OrderStatus `json:"status" validate:"required"`
}

type ReceivePOInput struct {
	Number  string           `json:"number" validate:"required,max=100"`
	Date    time.Time        `json:"date" validate:"required"`
	FileRef string           `json:"file_ref,omitempty" validate:"max=500"`
	Amount  *decimal.Decimal `json:"amount,omitempty"`
}

type RecordFollowupInput struct {
	FollowupDate     time.Time       `json:"followup_date" validate:"required"`
	Remarks          string          `json:"remarks" validate:"required,max=2000"`
	NextFollowupDate *time.Time      `json:"next_followup_date,omitempty"`
	Outcome          FollowupOutcome `json:"outcome,omitempty" validate:"omitempty,oneof=ORDER_WON ORDER_LOSS PRECLOSED"`
}

// POUpload is a presigned upload target for a purchase order file.
type POUpload struct {
	FileRef   string    `json:"file_ref"`
	UploadURL string    `json:"upload_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// QuotationMail is the payload of the quotation e-mail job.
type QuotationMail struct {
	QuotationID uuid.UUID       `json:"quotation_id"`
	QuotationNo string          `json:"quotation_no"`
	To          string          `json:"to"`
	CC          []string        `json:"cc,omitempty"`
	PartyName   string          `json:"party_name"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	ValidTill   *time.Time      `json:"valid_till,omitempty"`
}

type CreateItemInput struct {
	Code        string          `json:"code" validate:"required,max=64"`
	Name        string          `json:"name" validate:"required,max=200"`
	Description string          `json:"description" validate:"required,max=2000"`
	Unit        string          `json:"unit" validate:"required,max=20"`
	BasePrice   decimal.Decimal `json:"base_price"`
}

// UpdateItemInput patches the fields that are set. The code is immutable.
type UpdateItemInput struct {
	Name        *string          `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	Description *string          `json:"description,omitempty" validate:"omitempty,min=1,max=2000"`
	Unit        *string          `json:"unit,omitempty" validate:"omitempty,min=1,max=20"`
	BasePrice   *decimal.Decimal `json:"base_price,omitempty"`
}

type ListItemsInput struct {
	Page    int `json:"page" validate:"gte=0"`
	PerPage int `json:"per_page" validate:"gte=0,lte=200"`
}

// ItemFilter is the storage-level catalogue query. Only active items are
// listed, ordered by name.
type ItemFilter struct {
	Limit  int
	Offset int
}

type ListOrdersInput struct {
	Status        pipeline.OrderStatus `json:"status,omitempty"`
	SalesPersonID *uuid.UUID           `json:"sales_person_id,omitempty"`
	From          *time.Time           `json:"from,omitempty"`
	To            *time.Time           `json:"to,omitempty"`
	Page          int                  `json:"page" validate:"gte=0"`
	PerPage       int                  `json:"per_page" validate:"gte=0,lte=200"`
}

// OrderFilter is the storage-level order query. From and To bound the
// creation time inclusively. VisibleTo keeps orders sold or converted by that
// user.
type OrderFilter struct {
	Status        pipeline.OrderStatus
	SalesPersonID *uuid.UUID
	VisibleTo     *uuid.UUID
	From          *time.Time
	To            *time.Time
	Limit         int
	Offset        int
}

// MetricsInput bounds the orders a sales summary covers.
type MetricsInput struct {
	From          *time.Time `json:"from,omitempty"`
	To            *time.Time `json:"to,omitempty"`
	SalesPersonID *uuid.UUID `json:"sales_person_id,omitempty"`
}
