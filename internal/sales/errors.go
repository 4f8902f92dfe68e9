package sales

import (
	"errors"

	"github.com/odyssey-erp/salesflow/internal/sales/pipeline"
	"github.com/odyssey-erp/salesflow/internal/sales/pricing"
	"github.com/odyssey-erp/salesflow/internal/sequence"
	"github.com/odyssey-erp/salesflow/internal/shared"
)

var (
	ErrNotFound                 = errors.New("record not found")
	ErrInvalidTransition        = pipeline.ErrInvalidTransition
	ErrAlreadyConverted         = errors.New("quotation already converted to an order")
	ErrAlreadyExists            = errors.New("record already exists")
	ErrForbidden                = shared.ErrForbidden
	ErrInvalidQuotationInput    = pricing.ErrInvalidInput
	ErrConcurrencyConflict      = errors.New("concurrent modification")
	ErrSequenceAllocationFailed = sequence.ErrAllocationFailed
	ErrValidation               = errors.New("validation failed")

	// ErrDuplicateNumber is returned by repositories when an allocated document
	// number is already stored. The service retries with a fresh number.
	ErrDuplicateNumber = errors.New("document number already used")
)
