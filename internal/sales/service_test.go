package sales

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/salesflow/internal/sales/pipeline"
	"github.com/odyssey-erp/salesflow/internal/sales/pricing"
	"github.com/odyssey-erp/salesflow/internal/sequence"
	"github.com/odyssey-erp/salesflow/internal/shared"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func scenarioQuotation(leadID uuid.UUID) CreateQuotationInput {
	return CreateQuotationInput{
		LeadID: leadID,
		Items: []QuotationItemInput{
			{ItemRef: "PUMP-01", Quantity: dec("2"), UnitPrice: dec("100")},
			{ItemRef: "VALVE-02", Quantity: dec("1"), UnitPrice: dec("50")},
		},
		Discount: &DiscountInput{Kind: pricing.KindPercentage, Value: dec("10")},
		Tax:      &TaxInput{Type: TaxGST, Percentage: dec("18")},
	}
}

// approvedQuotation drives a fresh lead up to an APPROVED quotation.
func (f *fixture) approvedQuotation(t *testing.T) *Quotation {
	t.Helper()
	ctx := context.Background()
	lead := f.assignedLead(t)
	q, err := f.svc.CreateQuotation(ctx, f.staff, scenarioQuotation(lead.ID))
	require.NoError(t, err)
	_, err = f.svc.SendQuotation(ctx, f.staff, q.ID, SendQuotationInput{})
	require.NoError(t, err)
	q, err = f.svc.DecideQuotation(ctx, f.staff, q.ID, DecideQuotationInput{Decision: pipeline.QuotationApproved})
	require.NoError(t, err)
	return q
}

// ============================================================================
// END-TO-END
// ============================================================================

func TestPipelineScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, pipeline.Canonical)

	lead := f.createLead(t, f.staff)
	assert.Equal(t, "LEAD-2026-001", lead.LeadNo)
	assert.Equal(t, pipeline.LeadNew, lead.Status)

	lead, err := f.svc.ReviewLead(ctx, f.admin, lead.ID, ReviewLeadInput{Decision: pipeline.LeadApproved})
	require.NoError(t, err)
	assert.Equal(t, pipeline.LeadApproved, lead.Status)
	require.NotNil(t, lead.ReviewedBy)
	assert.Equal(t, f.admin.ID, *lead.ReviewedBy)

	lead, err = f.svc.AssignSalesPerson(ctx, f.admin, lead.ID, AssignLeadInput{SalesPersonID: f.staff.ID, Reason: "territory"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.LeadAssigned, lead.Status)
	require.Len(t, lead.AssignmentHistory, 1)

	quotation, err := f.svc.CreateQuotation(ctx, f.staff, scenarioQuotation(lead.ID))
	require.NoError(t, err)
	assert.Equal(t, "QUO-2026-001", quotation.QuotationNo)
	assert.Equal(t, pipeline.QuotationCreated, quotation.Status)
	assert.True(t, dec("250").Equal(quotation.Subtotal), quotation.Subtotal.String())
	require.NotNil(t, quotation.Discount)
	assert.True(t, dec("25").Equal(quotation.Discount.Amount))
	assert.True(t, dec("225").Equal(quotation.AmountBeforeTax))
	require.NotNil(t, quotation.Tax)
	assert.True(t, dec("40.5").Equal(quotation.Tax.Amount))
	assert.True(t, dec("265.50").Equal(quotation.TotalAmount), quotation.TotalAmount.String())
	assert.Equal(t, f.staff.ID, quotation.SalesPersonID)

	quotation, err = f.svc.SendQuotation(ctx, f.staff, quotation.ID, SendQuotationInput{CC: []string{"manager@example.com"}})
	require.NoError(t, err)
	assert.Equal(t, pipeline.QuotationSent, quotation.Status)
	require.NotNil(t, quotation.EmailSentAt)
	assert.Equal(t, pipeline.LeadFollowUp, f.storedLead(t, lead.ID).Status)
	require.Len(t, f.mail.sent, 1)
	assert.Equal(t, quotation.EmailSentTo, f.mail.sent[0].To)
	assert.Equal(t, []string{"manager@example.com"}, f.mail.sent[0].CC)
	assert.True(t, dec("265.5").Equal(f.mail.sent[0].TotalAmount))

	quotation, err = f.svc.DecideQuotation(ctx, f.staff, quotation.ID, DecideQuotationInput{Decision: pipeline.QuotationApproved})
	require.NoError(t, err)
	assert.Equal(t, pipeline.QuotationApproved, quotation.Status)
	assert.Equal(t, pipeline.LeadApprovedByClient, f.storedLead(t, lead.ID).Status)

	order, err := f.svc.ConvertToOrder(ctx, f.staff, quotation.ID)
	require.NoError(t, err)
	assert.Equal(t, "ORD-2026-001", order.OrderNo)
	assert.Equal(t, pipeline.OrderCreated, order.Status)
	assert.True(t, dec("265.5").Equal(order.TotalAmount))
	assert.Len(t, order.Items, 2)
	assert.Equal(t, "Asha Rao", order.Customer.Name)
	assert.Equal(t, pipeline.LeadConvertedToOrder, f.storedLead(t, lead.ID).Status)

	state := f.repo.snapshot()
	assert.Equal(t, PartyCustomer, state.parties[lead.PartyID].Type)

	order, err = f.svc.ReceivePO(ctx, f.staff, order.ID, ReceivePOInput{Number: "PO-7781", Date: testNow})
	require.NoError(t, err)
	assert.Equal(t, pipeline.OrderPOReceived, order.Status)
	require.NotNil(t, order.PO)
	assert.Equal(t, f.staff.ID, order.PO.PunchedBy)

	order, err = f.svc.TransitionOrder(ctx, f.admin, order.ID, TransitionOrderInput{Status: pipeline.OrderConfirmed})
	require.NoError(t, err)
	assert.Equal(t, pipeline.OrderConfirmed, order.Status)
	require.NotNil(t, order.ConfirmedAt)

	assert.Equal(t, 1, f.counter.counts["lead:APPROVED_BY_CLIENT->CONVERTED_TO_ORDER"])
	assert.Equal(t, 1, f.counter.counts["order:->CREATED"])
	assert.NotEmpty(t, f.repo.snapshot().transitions)
}

// ============================================================================
// ROLE GATE
// ============================================================================

func TestRoleGateRunsBeforeStateMachine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, pipeline.Canonical)
	lead := f.createLead(t, f.staff)
	_, err := f.svc.ReviewLead(ctx, f.admin, lead.ID, ReviewLeadInput{Decision: pipeline.LeadRejected, Remarks: "spam"})
	require.NoError(t, err)

	// The lead is terminal, yet STAFF must see Forbidden rather than an invalid transition.
	_, err = f.svc.ReviewLead(ctx, f.staff, lead.ID, ReviewLeadInput{Decision: pipeline.LeadApproved})
	assert.ErrorIs(t, err, ErrForbidden)
	assert.False(t, errors.Is(err, ErrInvalidTransition))

	_, err = f.svc.AssignSalesPerson(ctx, f.staff, lead.ID, AssignLeadInput{SalesPersonID: f.staff.ID})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.TransitionLead(ctx, f.staff, lead.ID, TransitionLeadInput{Status: pipeline.LeadFollowUp})
	assert.ErrorIs(t, err, ErrForbidden)

	assert.ErrorIs(t, f.svc.DeleteLead(ctx, f.staff, lead.ID), ErrForbidden)

	_, err = f.svc.TransitionOrder(ctx, f.staff, uuid.New(), TransitionOrderInput{Status: pipeline.OrderCancelled})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.DeactivateParty(ctx, f.staff, lead.PartyID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.CreateLead(ctx, shared.Actor{}, CreateLeadInput{})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.CreateLead(ctx, shared.Actor{ID: uuid.New(), Role: "GUEST"}, CreateLeadInput{})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestEveryRoleMayRunTheSalesOperations(t *testing.T) {
	for _, role := range []shared.Role{shared.RoleSuperAdmin, shared.RoleAdmin, shared.RoleSubAdmin, shared.RoleStaff} {
		t.Run(string(role), func(t *testing.T) {
			f := newFixture(t, pipeline.Canonical)
			actor := shared.Actor{ID: uuid.New(), Role: role}
			lead := f.createLead(t, actor)
			assert.Equal(t, pipeline.LeadNew, lead.Status)
		})
	}
}

// ============================================================================
// LEADS
// ============================================================================

func TestReviewLead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, pipeline.Canonical)

	t.Run("rejection requires remarks", func(t *testing.T) {
		lead := f.createLead(t, f.staff)
		_, err := f.svc.ReviewLead(ctx, f.admin, lead.ID, ReviewLeadInput{Decision: pipeline.LeadRejected})
		assert.ErrorIs(t, err, ErrValidation)
		assert.Equal(t, pipeline.LeadNew, f.storedLead(t, lead.ID).Status)
	})

	t.Run("decision must be approve or reject", func(t *testing.T) {
		lead := f.createLead(t, f.staff)
		_, err := f.svc.ReviewLead(ctx, f.admin, lead.ID, ReviewLeadInput{Decision: pipeline.LeadAssigned})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("only new leads can be reviewed", func(t *testing.T) {
		lead := f.createLead(t, f.staff)
		_, err := f.svc.ReviewLead(ctx, f.admin, lead.ID, ReviewLeadInput{Decision: pipeline.LeadApproved})
		require.NoError(t, err)
		_, err = f.svc.ReviewLead(ctx, f.admin, lead.ID, ReviewLeadInput{Decision: pipeline.LeadRejected, Remarks: "late"})
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("unknown lead", func(t *testing.T) {
		_, err := f.svc.ReviewLead(ctx, f.admin, uuid.New(), ReviewLeadInput{Decision: pipeline.LeadApproved})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestAssignSalesPerson(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, pipeline.Canonical)

	t.Run("lead must be approved first", func(t *testing.T) {
		lead := f.createLead(t, f.staff)
		_, err := f.svc.AssignSalesPerson(ctx, f.admin, lead.ID, AssignLeadInput{SalesPersonID: f.staff.ID})
		assert.ErrorIs(t, err, ErrInvalidTransition)
		stored := f.storedLead(t, lead.ID)
		assert.Empty(t, stored.AssignmentHistory)
		assert.Nil(t, stored.AssignedTo)
	})

	approved := func(t *testing.T) *Lead {
		lead := f.createLead(t, f.staff)
		lead, err := f.svc.ReviewLead(ctx, f.admin, lead.ID, ReviewLeadInput{Decision: pipeline.LeadApproved})
		require.NoError(t, err)
		return lead
	}

	t.Run("target must be active staff", func(t *testing.T) {
		lead := approved(t)
		for name, target := range map[string]uuid.UUID{
			"unknown":  uuid.New(),
			"inactive": f.directory.add(shared.RoleStaff, false),
			"admin":    f.admin.ID,
		} {
			_, err := f.svc.AssignSalesPerson(ctx, f.admin, lead.ID, AssignLeadInput{SalesPersonID: target})
			assert.ErrorIs(t, err, ErrValidation, name)
		}
		assert.Equal(t, pipeline.LeadApproved, f.storedLead(t, lead.ID).Status)
	})

	t.Run("reassignment appends history", func(t *testing.T) {
		lead := approved(t)
		_, err := f.svc.AssignSalesPerson(ctx, f.admin, lead.ID, AssignLeadInput{SalesPersonID: f.staff.ID})
		require.NoError(t, err)
		lead, err = f.svc.AssignSalesPerson(ctx, f.admin, lead.ID, AssignLeadInput{SalesPersonID: f.other.ID, Reason: "handover"})
		require.NoError(t, err)

		assert.Equal(t, pipeline.LeadAssigned, lead.Status)
		require.Len(t, lead.AssignmentHistory, 2)
		assert.Equal(t, f.staff.ID, lead.AssignmentHistory[0].AssignedTo)
		assert.Equal(t, f.other.ID, lead.AssignmentHistory[1].AssignedTo)
		assert.Equal(t, "handover", lead.AssignmentHistory[1].Reason)
		require.NotNil(t, lead.AssignedTo)
		assert.Equal(t, lead.AssignmentHistory[len(lead.AssignmentHistory)-1].AssignedTo, *lead.AssignedTo)
	})
}

func TestTransitionLead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, pipeline.Canonical)
	lead := f.assignedLead(t)

	lead, err := f.svc.TransitionLead(ctx, f.admin, lead.ID, TransitionLeadInput{Status: pipeline.LeadClientApprovalPending})
	require.NoError(t, err)
	assert.Equal(t, pipeline.LeadClientApprovalPending, lead.Status)

	_, err = f.svc.TransitionLead(ctx, f.admin, lead.ID, TransitionLeadInput{Status: pipeline.LeadNew})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.TransitionLead(ctx, f.admin, lead.ID, TransitionLeadInput{Status: "WON"})
	assert.ErrorIs(t, err, ErrValidation)

	fresh := f.createLead(t, f.staff)
	_, err = f.svc.TransitionLead(ctx, f.admin, fresh.ID, TransitionLeadInput{Status: pipeline.LeadApproved})
	require.NoError(t, err)
	_, err = f.svc.TransitionLead(ctx, f.admin, fresh.ID, TransitionLeadInput{Status: pipeline.LeadAssigned})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDeleteLeadHidesIt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, pipeline.Canonical)
	lead := f.createLead(t, f.staff)

	require.NoError(t, f.svc.DeleteLead(ctx, f.admin, lead.ID))

	_, err := f.svc.GetLead(ctx, f.admin, lead.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, f.storedLead(t, lead.ID).IsActive)
}

func TestStaffSeesOwnOrAssignedLeads(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, pipeline.Canonical)
	mine := f.createLead(t, f.staff)
	theirs := f.createLead(t, f.other)

	_, err := f.svc.GetLead(ctx, f.staff, mine.ID)
	require.NoError(t, err)
	_, err = f.svc.GetLead(ctx, f.staff, theirs.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	leads, page, err := f.svc.ListLeads(ctx, f.staff, ListLeadsInput{})
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, mine.ID, leads[0].ID)
	assert.Equal(t, 1, page.Total)

	leads, page, err = f.svc.ListLeads(ctx, f.admin, ListLeadsInput{PerPage: 1})
	require.NoError(t, err)
	assert.Len(t, leads, 1)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 2, page.TotalPages)

	stats, err := f.svc.LeadStats(ctx, f.admin)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[pipeline.LeadNew])
	assert.Equal(t, 2, stats.BySource[SourceWebsite])
}

// ============================================================================
// PARTIES
// ============================================================================

func TestFindOrCreateParty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, pipeline.Canonical)

	first, created, err := f.svc.FindOrCreateParty(ctx, f.staff, PartyInput{
		Name: "Meera", Contact: "+919000000001", Email: "meera@acme.test", CompanyName: "Acme Pumps",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, PartyProspect, first.Type)

	byCompany, created, err := f.svc.FindOrCreateParty(ctx, f.staff, PartyInput{Name: "Someone", Contact: "+919000000002", CompanyName: "  acme PUMPS "})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, byCompany.ID)

	byContact, created, err := f.svc.FindOrCreateParty(ctx, f.staff, PartyInput{Name: "Meera", Contact: "+919000000001"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, byContact.ID)

	_, _, err = f.svc.FindOrCreateParty(ctx, f.staff, PartyInput{Name: "Clone", Contact: "+919000000003", Email: "MEERA@acme.test"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = f.svc.CreateParty(ctx, f.staff, PartyInput{Name: "Bad", Contact: "+919000000004", Email: "not-an-email"})
	assert.ErrorIs(t, err, ErrValidation)

	party, err := f.svc.DeactivateParty(ctx, f.admin, first.ID)
	require.NoError(t, err)
	assert.False(t, party.IsActive)
	assert.Equal(t, PartyInactive, party.Status)

	_, err = f.svc.CreateLead(ctx, f.staff, CreateLeadInput{
		PartyID: &first.ID, Source: SourceCall, Items: []LeadItem{{ItemRef: "X", Quantity: 1}},
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateLeadNormalisesContact(t *testing.T) {
	f := newFixture(t, pipeline.Canonical)
	f.svc.phone = func(raw string) (string, error) {
		if raw == "bad" {
			return "", errors.New("not a number")
		}
		return "+91" + raw, nil
	}
	ctx := context.Background()

	lead, err := f.svc.CreateLead(ctx, f.staff, CreateLeadInput{
		Party:  &PartyInput{Name: "Kiran", Contact: "9812345678"},
		Source: SourceWhatsApp,
		Items:  []LeadItem{{ItemRef: "A", Quantity: 3}},
	})
	require.NoError(t, err)
	assert.Equal(t, "+919812345678", f.repo.snapshot().parties[lead.PartyID].Contact)

	_, err = f.svc.CreateLead(ctx, f.staff, CreateLeadInput{
		Party:  &PartyInput{Name: "Kiran", Contact: "bad"},
		Source: SourceWhatsApp,
		Items:  []LeadItem{{ItemRef: "A", Quantity: 3}},
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateLeadValidatesInput(t *testing.T) {
	f := newFixture(t, pipeline.Canonical)
	ctx := context.Background()
	for name, in := range map[string]CreateLeadInput{
		"no party":      {Source: SourceCall, Items: []LeadItem{{ItemRef: "A", Quantity: 1}}},
		"no items":      {Party: &PartyInput{Name: "A", Contact: "1"}, Source: SourceCall},
		"zero quantity": {Party: &PartyInput{Name: "A", Contact: "1"}, Source: SourceCall, Items: []LeadItem{{ItemRef: "A"}}},
		"bad source":    {Party: &PartyInput{Name: "A", Contact: "1"}, Source: "FAX", Items: []LeadItem{{ItemRef: "A", Quantity: 1}}},
	} {
		_, err := f.svc.CreateLead(ctx, f.staff, in)
		assert.ErrorIs(t, err, ErrValidation, name)
	}
	assert.Empty(t, f.repo.snapshot().leads)
}

// ============================================================================
// NUMBERING
// ============================================================================

func TestCreateLeadRetriesDuplicateNumbers(t *testing.T) {
	f := newFixture(t, pipeline.Canonical)
	first := f.createLead(t, f.staff)
	require.Equal(t, "LEAD-2026-001", first.LeadNo)

	// Counter lost its state: the next two numbers collide with stored leads.
	f.allocator = sequence.NewMemoryAllocator()
	f.svc.numbers = sequence.NewGenerator(f.allocator, sequence.WithClock(func() time.Time { return testNow }))
	second := f.createLead(t, f.staff)
	assert.Equal(t, "LEAD-2026-002", second.LeadNo)
}

func TestCreateLeadGivesUpAfterRepeatedCollisions(t *testing.T) {
	f := newFixture(t, pipeline.Canonical)
	f.repo.insertLeadErr = ErrDuplicateNumber

	_, err := f.svc.CreateLead(context.Background(), f.staff, CreateLeadInput{
		Party:  &PartyInput{Name: "A", Contact: "+911"},
		Source: SourceCall,
		Items:  []LeadItem{{ItemRef: "A", Quantity: 1}},
	})
	assert.ErrorIs(t, err, ErrSequenceAllocationFailed)
}

// ============================================================================
// QUOTATIONS
// ============================================================================

func TestCreateQuotationRequiresQuotableLead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, pipeline.Canonical)
	lead := f.createLead(t, f.staff)

	_, err := f.svc.CreateQuotation(ctx, f.staff, scenarioQuotation(lead.ID))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Empty(t, f.repo.snapshot().quotations)
}

func TestCreateQuotationRejectsInvalidPricing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, pipeline.Canonical)
	lead := f.assignedLead(t)

	in := scenarioQuotation(lead.ID)
	in.Items[1].Quantity = dec("-1")
	_, err := f.svc.CreateQuotation(ctx, f.staff, in)
	assert.ErrorIs(t, err, ErrInvalidQuotationInput)
	var inputErr *pricing.InputError
	require.True(t, errors.As(err, &inputErr))
	assert.Equal(t, "items[1].quantity", inputErr.Field)

	in = scenarioQuotation(lead.ID)
	in.Discount = &DiscountInput{Kind: pricing.KindFixed, Value: dec("1000")}
	_, err = f.svc.CreateQuotation(ctx, f.staff, in)
	assert.ErrorIs(t, err, ErrInvalidQuotationInput)
}

func TestSendQuotationRequiresPartyEmail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, pipeline.Canonical)
	lead, err := f.svc.CreateLead(ctx, f.staff, CreateLeadInput{
		Party:  &PartyInput{Name: "No Mail", Contact: "+915550001"},
		Source: SourceReferral,
		Items:  []LeadItem{{ItemRef: "A", Quantity: 1}},
	})
	require.NoError(t, err)
	_, err = f.svc.ReviewLead(ctx, f.admin, lead.ID, ReviewLeadInput{Decision: pipeline.LeadApproved})
	require.NoError(t, err)
	_, err = f.svc.AssignSalesPerson(ctx, f.admin, lead.ID, AssignLeadInput{SalesPersonID: f.staff.ID})
	require.NoError(t, err)
	q, err := f.svc.CreateQuotation(ctx, f.staff, scenarioQuotation(lead.ID))
	require.NoError(t, err)

	_, err = f.svc.SendQuotation(ctx, f.staff, q.ID, SendQuotationInput{})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, pipeline.QuotationCreated, f.repo.snapshot().quotations[q.ID].Status)
	assert.Empty(t, f.mail.sent)
}

func TestSendQuotationRollsBackWhenMailCannotBeQueued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, pipeline.Canonical)
	lead := f.assignedLead(t)
	q, err := f.svc.CreateQuotation(ctx, f.staff, scenarioQuotation(lead.ID))
	require.NoError(t, err)

	f.mail.err = errors.New("broker down")
	_, err = f.svc.SendQuotation(ctx, f.staff, q.ID, SendQuotationInput{})
	require.Error(t, err)

	state := f.repo.snapshot()
	assert.Equal(t, pipeline.QuotationCreated, state.quotations[q.ID].Status)
	assert.Equal(t, pipeline.LeadAssigned, state.leads[lead.ID].Status)
}

func TestDecideQuotation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, pipeline.Canonical)
	lead := f.assignedLead(t)
	q, err := f.svc.CreateQuotation(ctx, f.staff, scenarioQuotation(lead.ID))
	require.NoError(t, err)

	_, err = f.svc.DecideQuotation(ctx, f.staff, q.ID, DecideQuotationInput{Decision: pipeline.QuotationApproved})
	assert.ErrorIs(t, err, ErrInvalidTransition, "CREATED quotations cannot be decided")

	_, err = f.svc.SendQuotation(ctx, f.staff, q.ID, SendQuotationInput{})
	require.NoError(t, err)
	q, err = f.svc.DecideQuotation(ctx, f.staff, q.ID, DecideQuotationInput{Decision: pipeline.QuotationRejected})
	require.NoError(t, err)
	assert.Equal(t, pipeline.QuotationRejected, q.Status)
	assert.Equal(t, pipeline.LeadFollowUp, f.storedLead(t, lead.ID).Status, "rejection leaves the lead alone")

	_, err = f.svc.ConvertToOrder(ctx, f.staff, q.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestConcurrentApprovalsSucceedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, pipeline.Canonical)
	lead := f.assignedLead(t)
	q, err := f.svc.CreateQuotation(ctx, f.staff, scenarioQuotation(lead.ID))
	require.NoError(t, err)
	_, err = f.svc.SendQuotation(ctx, f.staff, q.ID, SendQuotationInput{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.DecideQuotation(ctx, f.staff, q.ID, DecideQuotationInput{Decision: pipeline.QuotationApproved})
		}(i)
	}
	wg.Wait()

	var ok, failed int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case isAny(err, ErrInvalidTransition, ErrConcurrencyConflict):
			failed++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, failed)
	assert.Equal(t, pipeline.LeadApprovedByClient, f.storedLead(t, lead.ID).Status)
}

// ============================================================================
// ORDERS
// ============================================================================

func TestConvertToOrderTwice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, pipeline.Canonical)
	q := f.approvedQuotation(t)

	_, err := f.svc.ConvertToOrder(ctx, f.staff, q.ID)
	require.NoError(t, err)
	_, err = f.svc.ConvertToOrder(ctx, f.staff, q.ID)
	assert.ErrorIs(t, err, ErrAlreadyConverted)
	assert.Len(t, f.repo.snapshot().orders, 1)
}

func TestConcurrentConversionsCreateOneOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, pipeline.Canonical)
	q := f.approvedQuotation(t)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.ConvertToOrder(ctx, f.staff, q.ID)
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyConverted)
	}
	assert.Equal(t, 1, ok)
	assert.Len(t, f.repo.snapshot().orders, 1)
}

func TestReceivePO(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, pipeline.Canonical)
	q := f.approvedQuotation(t)
	order, err := f.svc.ConvertToOrder(ctx, f.staff, q.ID)
	require.NoError(t, err)

	_, err = f.svc.ReceivePO(ctx, f.staff, order.ID, ReceivePOInput{Number: "PO-1", Date: testNow, FileRef: "orders/missing.pdf"})
	assert.ErrorIs(t, err, ErrValidation)

	upload, err := f.svc.PresignPOUpload(ctx, f.staff, order.ID, "../../scan.pdf")
	require.NoError(t, err)
	assert.Contains(t, upload.FileRef, "orders/"+order.ID.String()+"/po/")
	assert.Contains(t, upload.FileRef, "scan.pdf")
	assert.NotContains(t, upload.FileRef, "..")
	f.files.objects[upload.FileRef] = true

	amount := dec("265.50")
	order, err = f.svc.ReceivePO(ctx, f.staff, order.ID, ReceivePOInput{Number: "PO-1", Date: testNow, FileRef: upload.FileRef, Amount: &amount})
	require.NoError(t, err)
	assert.Equal(t, pipeline.OrderPOReceived, order.Status)
	assert.Equal(t, upload.FileRef, order.PO.FileRef)

	// A later PO replaces the earlier one.
	order, err = f.svc.ReceivePO(ctx, f.staff, order.ID, ReceivePOInput{Number: "PO-1A", Date: testNow})
	require.NoError(t, err)
	assert.Equal(t, "PO-1A", order.PO.Number)

	order, err = f.svc.TransitionOrder(ctx, f.admin, order.ID, TransitionOrderInput{Status: pipeline.OrderConfirmed})
	require.NoError(t, err)
	require.Equal(t, pipeline.OrderConfirmed, order.Status)

	// Confirmation does not close the order to a fresh PO.
	order, err = f.svc.ReceivePO(ctx, f.staff, order.ID, ReceivePOInput{Number: "PO-1B", Date: testNow})
	require.NoError(t, err)
	assert.Equal(t, pipeline.OrderPOReceived, order.Status)
	assert.Equal(t, "PO-1B", order.PO.Number)

	_, err = f.svc.TransitionOrder(ctx, f.admin, order.ID, TransitionOrderInput{Status: pipeline.OrderCancelled})
	require.NoError(t, err)
	_, err = f.svc.ReceivePO(ctx, f.staff, order.ID, ReceivePOInput{Number: "PO-2", Date: testNow})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStaffCannotActOnAnotherSalespersonsDeal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, pipeline.Canonical)
	lead := f.assignedLead(t)
	q, err := f.svc.CreateQuotation(ctx, f.staff, scenarioQuotation(lead.ID))
	require.NoError(t, err)

	_, err = f.svc.SendQuotation(ctx, f.other, q.ID, SendQuotationInput{})
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, pipeline.QuotationCreated, f.repo.state.quotations[q.ID].Status)

	_, err = f.svc.SendQuotation(ctx, f.staff, q.ID, SendQuotationInput{})
	require.NoError(t, err)

	_, err = f.svc.DecideQuotation(ctx, f.other, q.ID, DecideQuotationInput{Decision: pipeline.QuotationApproved})
	assert.ErrorIs(t, err, ErrForbidden)

	// Managers see every lead.
	q, err = f.svc.DecideQuotation(ctx, f.admin, q.ID, DecideQuotationInput{Decision: pipeline.QuotationApproved})
	require.NoError(t, err)

	_, err = f.svc.ConvertToOrder(ctx, f.other, q.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	order, err := f.svc.ConvertToOrder(ctx, f.staff, q.ID)
	require.NoError(t, err)

	_, err = f.svc.ReceivePO(ctx, f.other, order.ID, ReceivePOInput{Number: "PO-9", Date: testNow})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.PresignPOUpload(ctx, f.other, order.ID, "po.pdf")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.GetOrder(ctx, f.other, order.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestTransitionOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, pipeline.Canonical)
	q := f.approvedQuotation(t)
	order, err := f.svc.ConvertToOrder(ctx, f.staff, q.ID)
	require.NoError(t, err)

	_, err = f.svc.TransitionOrder(ctx, f.admin, order.ID, TransitionOrderInput{Status: pipeline.OrderPOReceived})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.TransitionOrder(ctx, f.admin, order.ID, TransitionOrderInput{Status: pipeline.OrderConfirmed})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	order, err = f.svc.TransitionOrder(ctx, f.admin, order.ID, TransitionOrderInput{Status: pipeline.OrderPOPending})
	require.NoError(t, err)
	assert.Equal(t, pipeline.OrderPOPending, order.Status)
	assert.Nil(t, order.ConfirmedAt)

	_, err = f.svc.TransitionOrder(ctx, f.admin, order.ID, TransitionOrderInput{Status: "SHIPPED"})
	assert.ErrorIs(t, err, ErrValidation)
}

// ============================================================================
// CONCURRENCY RETRY
// ============================================================================

func TestMutationsRetryConcurrencyConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, pipeline.Canonical)

	lead := f.createLead(t, f.staff)
	f.repo.leadConflicts = 2
	lead, err := f.svc.ReviewLead(ctx, f.admin, lead.ID, ReviewLeadInput{Decision: pipeline.LeadApproved})
	require.NoError(t, err)
	assert.Equal(t, pipeline.LeadApproved, lead.Status)

	other := f.createLead(t, f.staff)
	f.repo.leadConflicts = 3
	_, err = f.svc.ReviewLead(ctx, f.admin, other.ID, ReviewLeadInput{Decision: pipeline.LeadApproved})
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
	assert.Equal(t, pipeline.LeadNew, f.storedLead(t, other.ID).Status)
}

// ============================================================================
// FOLLOW-UPS
// ============================================================================

func TestRecordFollowup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, pipeline.Canonical)
	lead := f.assignedLead(t)

	next := testNow.Add(48 * time.Hour)
	followup, err := f.svc.RecordFollowup(ctx, f.staff, lead.ID, RecordFollowupInput{
		FollowupDate: testNow, Remarks: "called, wants revised price", NextFollowupDate: &next,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomePreclosed, followup.Outcome)
	assert.Equal(t, pipeline.LeadFollowUp, f.storedLead(t, lead.ID).Status)

	_, err = f.svc.RecordFollowup(ctx, f.staff, lead.ID, RecordFollowupInput{FollowupDate: testNow, Remarks: "again"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.LeadFollowUp, f.storedLead(t, lead.ID).Status)

	list, err := f.svc.ListFollowups(ctx, f.staff, lead.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = f.svc.RecordFollowup(ctx, f.staff, lead.ID, RecordFollowupInput{
		FollowupDate: testNow, Remarks: "bad dates", NextFollowupDate: ptrTime(testNow.Add(-time.Hour)),
	})
	assert.ErrorIs(t, err, ErrValidation)

	closed := f.createLead(t, f.staff)
	_, err = f.svc.ReviewLead(ctx, f.admin, closed.ID, ReviewLeadInput{Decision: pipeline.LeadRejected, Remarks: "dup"})
	require.NoError(t, err)
	_, err = f.svc.RecordFollowup(ctx, f.staff, closed.ID, RecordFollowupInput{FollowupDate: testNow, Remarks: "late"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func ptrTime(t time.Time) *time.Time {
	return &t
}

func TestUpcomingFollowups(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, pipeline.Canonical)
	lead := f.assignedLead(t)

	for _, offset := range []time.Duration{24 * time.Hour, 6 * 24 * time.Hour, 8 * 24 * time.Hour} {
		_, err := f.svc.RecordFollowup(ctx, f.staff, lead.ID, RecordFollowupInput{
			FollowupDate: testNow, Remarks: "scheduled", NextFollowupDate: ptrTime(testNow.Add(offset)),
		})
		require.NoError(t, err)
	}

	upcoming, err := f.svc.UpcomingFollowups(ctx, f.staff)
	require.NoError(t, err)
	require.Len(t, upcoming, 2)
	assert.Equal(t, lead.LeadNo, upcoming[0].LeadNo)

	upcoming, err = f.svc.UpcomingFollowups(ctx, f.other)
	require.NoError(t, err)
	assert.Empty(t, upcoming)

	f.repo.upcomingErr = errors.New("db down")
	_, err = f.svc.UpcomingFollowups(ctx, f.admin)
	assert.Error(t, err)
}

// ============================================================================
// LEGACY POLICY
// ============================================================================

func TestLegacyPolicyLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, pipeline.Legacy)
	lead := f.createLead(t, f.staff)

	lead, err := f.svc.AssignSalesPerson(ctx, f.admin, lead.ID, AssignLeadInput{SalesPersonID: f.staff.ID})
	require.NoError(t, err)
	assert.Equal(t, pipeline.LeadAssigned, lead.Status)

	_, err = f.svc.CreateQuotation(ctx, f.staff, scenarioQuotation(lead.ID))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	for _, status := range []pipeline.LeadStatus{pipeline.LeadContacted, pipeline.LeadQualified} {
		_, err = f.svc.TransitionLead(ctx, f.admin, lead.ID, TransitionLeadInput{Status: status})
		require.NoError(t, err)
	}

	q, err := f.svc.CreateQuotation(ctx, f.staff, scenarioQuotation(lead.ID))
	require.NoError(t, err)
	_, err = f.svc.SendQuotation(ctx, f.staff, q.ID, SendQuotationInput{})
	require.NoError(t, err)
	assert.Equal(t, pipeline.LeadQuotationSent, f.storedLead(t, lead.ID).Status)

	_, err = f.svc.DecideQuotation(ctx, f.staff, q.ID, DecideQuotationInput{Decision: pipeline.QuotationApproved})
	require.NoError(t, err)
	assert.Equal(t, pipeline.LeadQuotationSent, f.storedLead(t, lead.ID).Status)

	_, err = f.svc.ConvertToOrder(ctx, f.staff, q.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.LeadQuotationSent, f.storedLead(t, lead.ID).Status)
}
