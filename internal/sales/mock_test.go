package sales

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/salesflow/internal/sales/pipeline"
	"github.com/odyssey-erp/salesflow/internal/sequence"
	"github.com/odyssey-erp/salesflow/internal/shared"
	"github.com/odyssey-erp/salesflow/internal/users"
)

// ============================================================================
// MOCK REPOSITORY
// ============================================================================

type memState struct {
	parties     map[uuid.UUID]Party
	leads       map[uuid.UUID]Lead
	quotations  map[uuid.UUID]Quotation
	orders      map[uuid.UUID]Order
	items       map[uuid.UUID]Item
	followups   []Followup
	emails      []EmailLog
	transitions []pipeline.Effect
}

func newMemState() *memState {
	return &memState{
		parties:    map[uuid.UUID]Party{},
		leads:      map[uuid.UUID]Lead{},
		quotations: map[uuid.UUID]Quotation{},
		orders:     map[uuid.UUID]Order{},
		items:      map[uuid.UUID]Item{},
	}
}

func (s *memState) clone() *memState {
	out := newMemState()
	for k, v := range s.parties {
		out.parties[k] = v
	}
	for k, v := range s.leads {
		out.leads[k] = cloneLead(v)
	}
	for k, v := range s.quotations {
		out.quotations[k] = cloneQuotation(v)
	}
	for k, v := range s.orders {
		out.orders[k] = cloneOrder(v)
	}
	for k, v := range s.items {
		out.items[k] = v
	}
	out.followups = append([]Followup(nil), s.followups...)
	out.emails = append([]EmailLog(nil), s.emails...)
	out.transitions = append([]pipeline.Effect(nil), s.transitions...)
	return out
}

func cloneLead(l Lead) Lead {
	l.Items = append([]LeadItem(nil), l.Items...)
	l.AssignmentHistory = append([]Assignment(nil), l.AssignmentHistory...)
	return l
}

func cloneQuotation(q Quotation) Quotation {
	q.Items = append([]QuotationItem(nil), q.Items...)
	q.Charges = append([]QuotationCharge(nil), q.Charges...)
	q.CC = append([]string(nil), q.CC...)
	return q
}

func cloneOrder(o Order) Order {
	o.Items = append([]QuotationItem(nil), o.Items...)
	return o
}

// mockRepository keeps everything in memory. Transactions run one at a time
// on a copy of the state that replaces it on success, so a failed unit of
// work leaves nothing behind.
type mockRepository struct {
	mu    *sync.Mutex
	root  *mockRepository
	state *memState
	inTx  bool

	// Error injection.
	leadConflicts int
	insertLeadErr error
	upcomingErr   error
	transactions  int
}

func newMockRepository() *mockRepository {
	m := &mockRepository{mu: &sync.Mutex{}, state: newMemState()}
	m.root = m
	return m
}

func (m *mockRepository) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *mockRepository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	if m.inTx {
		return fn(ctx, m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions++
	tx := &mockRepository{mu: m.mu, root: m, state: m.state.clone(), inTx: true}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

func (m *mockRepository) snapshot() *memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

func (m *mockRepository) GetParty(_ context.Context, id uuid.UUID) (*Party, error) {
	defer m.lock()()
	p, ok := m.state.parties[id]
	if !ok {
		return nil, fmt.Errorf("%w: party %s", ErrNotFound, id)
	}
	return &p, nil
}

func (m *mockRepository) findParty(match func(Party) bool) (*Party, error) {
	var hits []Party
	for _, p := range m.state.parties {
		if match(p) {
			hits = append(hits, p)
		}
	}
	if len(hits) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].CreatedAt.Before(hits[j].CreatedAt) })
	return &hits[0], nil
}

func (m *mockRepository) FindPartyByCompany(_ context.Context, companyName string) (*Party, error) {
	defer m.lock()()
	name := strings.TrimSpace(companyName)
	return m.findParty(func(p Party) bool {
		return p.IsActive && p.CompanyName != "" && strings.EqualFold(p.CompanyName, name)
	})
}

func (m *mockRepository) FindPartyByContact(_ context.Context, contact string) (*Party, error) {
	defer m.lock()()
	return m.findParty(func(p Party) bool { return p.IsActive && p.Contact == contact })
}

func (m *mockRepository) FindPartyByEmail(_ context.Context, email string) (*Party, error) {
	defer m.lock()()
	return m.findParty(func(p Party) bool { return p.Email != "" && strings.EqualFold(p.Email, email) })
}

func (m *mockRepository) InsertParty(_ context.Context, p *Party) error {
	defer m.lock()()
	if p.Email != "" {
		for _, other := range m.state.parties {
			if strings.EqualFold(other.Email, p.Email) {
				return fmt.Errorf("%w: party email", ErrAlreadyExists)
			}
		}
	}
	p.Version = 1
	m.state.parties[p.ID] = *p
	return nil
}

func (m *mockRepository) UpdateParty(_ context.Context, p *Party) error {
	defer m.lock()()
	stored, ok := m.state.parties[p.ID]
	if !ok || stored.Version != p.Version {
		return fmt.Errorf("%w: party %s", ErrConcurrencyConflict, p.ID)
	}
	p.Version++
	m.state.parties[p.ID] = *p
	return nil
}

func (m *mockRepository) GetLead(_ context.Context, id uuid.UUID) (*Lead, error) {
	defer m.lock()()
	l, ok := m.state.leads[id]
	if !ok {
		return nil, fmt.Errorf("%w: lead %s", ErrNotFound, id)
	}
	l = cloneLead(l)
	return &l, nil
}

func (m *mockRepository) filterLeads(filter LeadFilter) []Lead {
	var out []Lead
	for _, l := range m.state.leads {
		if !l.IsActive {
			continue
		}
		if filter.Status != "" && l.Status != filter.Status {
			continue
		}
		if filter.Source != "" && l.Source != filter.Source {
			continue
		}
		if filter.AssignedTo != nil && (l.AssignedTo == nil || *l.AssignedTo != *filter.AssignedTo) {
			continue
		}
		if filter.VisibleTo != nil && !l.VisibleTo(*filter.VisibleTo) {
			continue
		}
		out = append(out, cloneLead(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LeadNo > out[j].LeadNo })
	return out
}

func (m *mockRepository) ListLeads(_ context.Context, filter LeadFilter) ([]Lead, int, error) {
	defer m.lock()()
	all := m.filterLeads(filter)
	return paginate(all, filter.Limit, filter.Offset), len(all), nil
}

func (m *mockRepository) LeadStats(_ context.Context, filter LeadFilter) (LeadStats, error) {
	defer m.lock()()
	stats := LeadStats{ByStatus: map[pipeline.LeadStatus]int{}, BySource: map[LeadSource]int{}}
	for _, l := range m.filterLeads(filter) {
		stats.Total++
		stats.ByStatus[l.Status]++
		stats.BySource[l.Source]++
	}
	return stats, nil
}

func (m *mockRepository) InsertLead(_ context.Context, l *Lead) error {
	defer m.lock()()
	if err := m.root.insertLeadErr; err != nil {
		return err
	}
	for _, other := range m.state.leads {
		if other.LeadNo == l.LeadNo {
			return fmt.Errorf("%w: %s", ErrDuplicateNumber, l.LeadNo)
		}
	}
	l.Version = 1
	m.state.leads[l.ID] = cloneLead(*l)
	return nil
}

func (m *mockRepository) UpdateLead(_ context.Context, l *Lead) error {
	defer m.lock()()
	if m.root.leadConflicts > 0 {
		m.root.leadConflicts--
		return fmt.Errorf("%w: injected", ErrConcurrencyConflict)
	}
	stored, ok := m.state.leads[l.ID]
	if !ok || stored.Version != l.Version {
		return fmt.Errorf("%w: lead %s", ErrConcurrencyConflict, l.ID)
	}
	l.Version++
	m.state.leads[l.ID] = cloneLead(*l)
	return nil
}

func (m *mockRepository) GetItem(_ context.Context, id uuid.UUID) (*Item, error) {
	defer m.lock()()
	it, ok := m.state.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: item %s", ErrNotFound, id)
	}
	return &it, nil
}

func (m *mockRepository) FindItemsByCode(_ context.Context, codes []string) ([]Item, error) {
	defer m.lock()()
	wanted := map[string]bool{}
	for _, c := range codes {
		wanted[c] = true
	}
	var out []Item
	for _, it := range m.state.items {
		if wanted[it.Code] {
			out = append(out, it)
		}
	}
	return out, nil
}

func (m *mockRepository) ListItems(_ context.Context, filter ItemFilter) ([]Item, int, error) {
	defer m.lock()()
	var all []Item
	for _, it := range m.state.items {
		if it.IsActive {
			all = append(all, it)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Name != all[j].Name {
			return all[i].Name < all[j].Name
		}
		return all[i].Code < all[j].Code
	})
	return paginate(all, filter.Limit, filter.Offset), len(all), nil
}

func (m *mockRepository) InsertItem(_ context.Context, it *Item) error {
	defer m.lock()()
	for _, other := range m.state.items {
		if other.Code == it.Code {
			return fmt.Errorf("%w: items_code_key", ErrAlreadyExists)
		}
	}
	it.Version = 1
	m.state.items[it.ID] = *it
	return nil
}

func (m *mockRepository) UpdateItem(_ context.Context, it *Item) error {
	defer m.lock()()
	stored, ok := m.state.items[it.ID]
	if !ok || stored.Version != it.Version {
		return fmt.Errorf("%w: item %s", ErrConcurrencyConflict, it.ID)
	}
	it.Version++
	m.state.items[it.ID] = *it
	return nil
}

func paginate[T any](all []T, limit, offset int) []T {
	if offset >= len(all) {
		return nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end]
}

func (m *mockRepository) ListQuotationsByLead(_ context.Context, leadID uuid.UUID) ([]Quotation, error) {
	defer m.lock()()
	var out []Quotation
	for _, q := range m.state.quotations {
		if q.LeadID == leadID {
			out = append(out, cloneQuotation(q))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuotationNo > out[j].QuotationNo })
	return out, nil
}

func (m *mockRepository) GetQuotation(_ context.Context, id uuid.UUID) (*Quotation, error) {
	defer m.lock()()
	q, ok := m.state.quotations[id]
	if !ok {
		return nil, fmt.Errorf("%w: quotation %s", ErrNotFound, id)
	}
	q = cloneQuotation(q)
	return &q, nil
}

func (m *mockRepository) InsertQuotation(_ context.Context, q *Quotation) error {
	defer m.lock()()
	for _, other := range m.state.quotations {
		if other.QuotationNo == q.QuotationNo {
			return fmt.Errorf("%w: %s", ErrDuplicateNumber, q.QuotationNo)
		}
	}
	q.Version = 1
	m.state.quotations[q.ID] = cloneQuotation(*q)
	return nil
}

func (m *mockRepository) UpdateQuotation(_ context.Context, q *Quotation) error {
	defer m.lock()()
	stored, ok := m.state.quotations[q.ID]
	if !ok || stored.Version != q.Version {
		return fmt.Errorf("%w: quotation %s", ErrConcurrencyConflict, q.ID)
	}
	q.Version++
	m.state.quotations[q.ID] = cloneQuotation(*q)
	return nil
}

func (m *mockRepository) GetOrder(_ context.Context, id uuid.UUID) (*Order, error) {
	defer m.lock()()
	o, ok := m.state.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	o = cloneOrder(o)
	return &o, nil
}

func (m *mockRepository) GetOrderByQuotation(_ context.Context, quotationID uuid.UUID) (*Order, error) {
	defer m.lock()()
	for _, o := range m.state.orders {
		if o.QuotationID == quotationID {
			o = cloneOrder(o)
			return &o, nil
		}
	}
	return nil, fmt.Errorf("%w: order for quotation %s", ErrNotFound, quotationID)
}

func (m *mockRepository) filterOrders(filter OrderFilter) []Order {
	var out []Order
	for _, o := range m.state.orders {
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		if filter.SalesPersonID != nil && o.SalesPersonID != *filter.SalesPersonID {
			continue
		}
		if filter.VisibleTo != nil && !o.VisibleTo(*filter.VisibleTo) {
			continue
		}
		if filter.From != nil && o.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && o.CreatedAt.After(*filter.To) {
			continue
		}
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderNo > out[j].OrderNo })
	return out
}

func (m *mockRepository) ListOrders(_ context.Context, filter OrderFilter) ([]Order, int, error) {
	defer m.lock()()
	all := m.filterOrders(filter)
	return paginate(all, filter.Limit, filter.Offset), len(all), nil
}

func (m *mockRepository) OrderTotals(_ context.Context, filter OrderFilter) ([]OrderTotal, error) {
	defer m.lock()()
	type key struct {
		status pipeline.OrderStatus
		person uuid.UUID
	}
	sums := map[key]*OrderTotal{}
	for _, o := range m.filterOrders(filter) {
		k := key{o.Status, o.SalesPersonID}
		t, ok := sums[k]
		if !ok {
			t = &OrderTotal{Status: o.Status, SalesPersonID: o.SalesPersonID}
			sums[k] = t
		}
		t.Count++
		t.TotalAmount = t.TotalAmount.Add(o.TotalAmount)
	}
	out := make([]OrderTotal, 0, len(sums))
	for _, t := range sums {
		out = append(out, *t)
	}
	return out, nil
}

func (m *mockRepository) InsertOrder(_ context.Context, o *Order) error {
	defer m.lock()()
	for _, other := range m.state.orders {
		if other.QuotationID == o.QuotationID {
			return fmt.Errorf("%w: quotation %s", ErrAlreadyConverted, o.QuotationID)
		}
		if other.OrderNo == o.OrderNo {
			return fmt.Errorf("%w: %s", ErrDuplicateNumber, o.OrderNo)
		}
	}
	o.Version = 1
	m.state.orders[o.ID] = cloneOrder(*o)
	return nil
}

func (m *mockRepository) UpdateOrder(_ context.Context, o *Order) error {
	defer m.lock()()
	stored, ok := m.state.orders[o.ID]
	if !ok || stored.Version != o.Version {
		return fmt.Errorf("%w: order %s", ErrConcurrencyConflict, o.ID)
	}
	o.Version++
	m.state.orders[o.ID] = cloneOrder(*o)
	return nil
}

func (m *mockRepository) InsertFollowup(_ context.Context, f *Followup) error {
	defer m.lock()()
	m.state.followups = append(m.state.followups, *f)
	return nil
}

func (m *mockRepository) ListFollowups(_ context.Context, leadID uuid.UUID) ([]Followup, error) {
	defer m.lock()()
	var out []Followup
	for _, f := range m.state.followups {
		if f.LeadID == leadID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FollowupDate.After(out[j].FollowupDate) })
	return out, nil
}

func (m *mockRepository) UpcomingFollowups(_ context.Context, from, to time.Time) ([]UpcomingFollowup, error) {
	defer m.lock()()
	if m.root.upcomingErr != nil {
		return nil, m.root.upcomingErr
	}
	var out []UpcomingFollowup
	for _, f := range m.state.followups {
		if f.NextFollowupDate == nil || f.NextFollowupDate.Before(from) || !f.NextFollowupDate.Before(to) {
			continue
		}
		lead, ok := m.state.leads[f.LeadID]
		if !ok || !lead.IsActive {
			continue
		}
		out = append(out, UpcomingFollowup{
			Followup:   f,
			LeadNo:     lead.LeadNo,
			LeadStatus: lead.Status,
			AssignedTo: lead.AssignedTo,
			PartyName:  m.state.parties[lead.PartyID].Name,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextFollowupDate.Before(*out[j].NextFollowupDate) })
	return out, nil
}

func (m *mockRepository) InsertEmailLog(_ context.Context, l *EmailLog) error {
	defer m.lock()()
	m.state.emails = append(m.state.emails, *l)
	return nil
}

func (m *mockRepository) ListEmailLogs(_ context.Context, entity pipeline.Entity, id uuid.UUID) ([]EmailLog, error) {
	defer m.lock()()
	var out []EmailLog
	for _, l := range m.state.emails {
		if l.RelatedEntity == entity && l.RelatedID != nil && *l.RelatedID == id {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.After(out[j].SentAt) })
	return out, nil
}

func (m *mockRepository) RecordTransitions(_ context.Context, _ uuid.UUID, effects []pipeline.Effect) error {
	defer m.lock()()
	m.state.transitions = append(m.state.transitions, effects...)
	return nil
}

// ============================================================================
// MOCK COLLABORATORS
// ============================================================================

type mockDirectory struct {
	users map[uuid.UUID]users.User
}

func (d *mockDirectory) add(role shared.Role, active bool) uuid.UUID {
	id := uuid.New()
	d.users[id] = users.User{ID: id, Name: string(role), Role: role, IsActive: active}
	return id
}

func (d *mockDirectory) GetUser(_ context.Context, id uuid.UUID) (*users.User, error) {
	u, ok := d.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", users.ErrNotFound, id)
	}
	return &u, nil
}

type mockMailQueue struct {
	mu   sync.Mutex
	sent []QuotationMail
	err  error
}

func (q *mockMailQueue) EnqueueQuotationMail(_ context.Context, mail QuotationMail) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.sent = append(q.sent, mail)
	return nil
}

type mockFileStore struct {
	objects map[string]bool
	err     error
}

func (f *mockFileStore) Exists(_ context.Context, key string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.objects[key], nil
}

func (f *mockFileStore) PresignUpload(_ context.Context, key string, ttl time.Duration) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("https://files.test/%s?ttl=%d", key, int(ttl.Seconds())), nil
}

type transitionCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *transitionCounter) ObserveTransition(entity, from, to string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[entity+":"+from+"->"+to]++
}

// ============================================================================
// FIXTURE
// ============================================================================

var testNow = time.Date(2026, time.March, 10, 9, 30, 0, 0, time.UTC)

type fixture struct {
	svc       *Service
	repo      *mockRepository
	directory *mockDirectory
	mail      *mockMailQueue
	files     *mockFileStore
	counter   *transitionCounter
	allocator *sequence.MemoryAllocator
	parties   int

	admin shared.Actor
	staff shared.Actor
	other shared.Actor
}

func newFixture(t *testing.T, policy *pipeline.Policy) *fixture {
	t.Helper()
	f := &fixture{
		repo:      newMockRepository(),
		directory: &mockDirectory{users: map[uuid.UUID]users.User{}},
		mail:      &mockMailQueue{},
		files:     &mockFileStore{objects: map[string]bool{}},
		counter:   &transitionCounter{counts: map[string]int{}},
		allocator: sequence.NewMemoryAllocator(),
	}
	f.admin = shared.Actor{ID: f.directory.add(shared.RoleAdmin, true), Role: shared.RoleAdmin}
	f.staff = shared.Actor{ID: f.directory.add(shared.RoleStaff, true), Role: shared.RoleStaff}
	f.other = shared.Actor{ID: f.directory.add(shared.RoleStaff, true), Role: shared.RoleStaff}
	for _, code := range []string{"PUMP-01", "VALVE-02", "BEAM-10", "A", "X"} {
		f.catalogue(code, "10")
	}

	clock := func() time.Time { return testNow }
	f.svc = NewService(f.repo, ServiceConfig{
		Policy:   policy,
		Numbers:  sequence.NewGenerator(f.allocator, sequence.WithClock(clock)),
		Users:    f.directory,
		Mail:     f.mail,
		Files:    f.files,
		Observer: f.counter,
		Clock:    clock,
	})
	return f
}

// catalogue stores an active item directly, bypassing the service.
func (f *fixture) catalogue(code, price string) Item {
	item := Item{
		ID:          uuid.New(),
		Code:        code,
		Name:        "Item " + code,
		Description: "catalogue entry " + code,
		Unit:        "NOS",
		BasePrice:   decimal.RequireFromString(price),
		IsActive:    true,
		CreatedBy:   f.admin.ID,
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
		Version:     1,
	}
	f.repo.state.items[item.ID] = item
	return item
}

func (f *fixture) createLead(t *testing.T, actor shared.Actor) *Lead {
	t.Helper()
	f.parties++
	lead, err := f.svc.CreateLead(context.Background(), actor, CreateLeadInput{
		Party: &PartyInput{
			Name:        "Asha Rao",
			Contact:     fmt.Sprintf("+9198765%05d", f.parties),
			Email:       fmt.Sprintf("buyer%d@example.com", f.parties),
			CompanyName: fmt.Sprintf("Rao Traders %d", f.parties),
		},
		Source: SourceWebsite,
		Items:  []LeadItem{{ItemRef: "PUMP-01", Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("create lead: %v", err)
	}
	return lead
}

// assignedLead returns a lead reviewed and assigned to the fixture's staff user.
func (f *fixture) assignedLead(t *testing.T) *Lead {
	t.Helper()
	ctx := context.Background()
	lead := f.createLead(t, f.staff)
	if _, err := f.svc.ReviewLead(ctx, f.admin, lead.ID, ReviewLeadInput{Decision: pipeline.LeadApproved}); err != nil {
		t.Fatalf("review lead: %v", err)
	}
	lead, err := f.svc.AssignSalesPerson(ctx, f.admin, lead.ID, AssignLeadInput{SalesPersonID: f.staff.ID})
	if err != nil {
		t.Fatalf("assign lead: %v", err)
	}
	return lead
}

func (f *fixture) storedLead(t *testing.T, id uuid.UUID) Lead {
	t.Helper()
	lead, ok := f.repo.snapshot().leads[id]
	if !ok {
		t.Fatalf("lead %s not stored", id)
	}
	return lead
}

func isAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
