package sales

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/salesflow/internal/platform/db"
	"github.com/odyssey-erp/salesflow/internal/sales/pipeline"
	"github.com/odyssey-erp/salesflow/internal/shared"
)

// Repository is the persistence port of the orchestrator. Update methods use
// optimistic versioning: they write only when the stored version equals the
// record's Version, then increment it, and fail with ErrConcurrencyConflict
// otherwise.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error

	GetParty(ctx context.Context, id uuid.UUID) (*Party, error)
	FindPartyByCompany(ctx context.Context, companyName string) (*Party, error)
	FindPartyByContact(ctx context.Context, contact string) (*Party, error)
	FindPartyByEmail(ctx context.Context, email string) (*Party, error)
	InsertParty(ctx context.Context, party *Party) error
	UpdateParty(ctx context.Context, party *Party) error

	GetLead(ctx context.Context, id uuid.UUID) (*Lead, error)
	ListLeads(ctx context.Context, filter LeadFilter) ([]Lead, int, error)
	LeadStats(ctx context.Context, filter LeadFilter) (LeadStats, error)
	InsertLead(ctx context.Context, lead *Lead) error
	UpdateLead(ctx context.Context, lead *Lead) error

	GetItem(ctx context.Context, id uuid.UUID) (*Item, error)
	FindItemsByCode(ctx context.Context, codes []string) ([]Item, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]Item, int, error)
	InsertItem(ctx context.Context, item *Item) error
	UpdateItem(ctx context.Context, item *Item) error

	GetQuotation(ctx context.Context, id uuid.UUID) (*Quotation, error)
	ListQuotationsByLead(ctx context.Context, leadID uuid.UUID) ([]Quotation, error)
	InsertQuotation(ctx context.Context, quotation *Quotation) error
	UpdateQuotation(ctx context.Context, quotation *Quotation) error

	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	GetOrderByQuotation(ctx context.Context, quotationID uuid.UUID) (*Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]Order, int, error)
	OrderTotals(ctx context.Context, filter OrderFilter) ([]OrderTotal, error)
	InsertOrder(ctx context.Context, order *Order) error
	UpdateOrder(ctx context.Context, order *Order) error

	InsertFollowup(ctx context.Context, followup *Followup) error
	ListFollowups(ctx context.Context, leadID uuid.UUID) ([]Followup, error)
	UpcomingFollowups(ctx context.Context, from, to time.Time) ([]UpcomingFollowup, error)

	InsertEmailLog(ctx context.Context, log *EmailLog) error
	ListEmailLogs(ctx context.Context, entity pipeline.Entity, id uuid.UUID) ([]EmailLog, error)

	RecordTransitions(ctx context.Context, actorID uuid.UUID, effects []pipeline.Effect) error
}

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

type repository struct {
	db   dbtx
	pool *pgxpool.Pool
}

// NewRepository returns the PostgreSQL implementation.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{db: pool, pool: pool}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &repository{db: tx, pool: r.pool})
	})
	return mapPgError(err, "transaction")
}

// mapPgError translates constraint and serialization failures into sales errors.
func mapPgError(err error, op string) error {
	if err == nil {
		return nil
	}
	if db.IsRetryable(err) {
		return fmt.Errorf("%w: %s: %v", ErrConcurrencyConflict, op, err)
	}
	constraint, ok := db.IsUniqueViolation(err)
	if !ok {
		return err
	}
	switch constraint {
	case "orders_quotation_id_key":
		return fmt.Errorf("%w: %s", ErrAlreadyConverted, op)
	case "parties_email_lower_key":
		return fmt.Errorf("%w: %s: party email", ErrAlreadyExists, op)
	case "leads_lead_no_key", "quotations_quotation_no_key", "orders_order_no_key":
		return fmt.Errorf("%w: %s: %s", ErrDuplicateNumber, op, constraint)
	}
	return fmt.Errorf("%w: %s: %s", ErrAlreadyExists, op, constraint)
}

func checkVersioned(tag pgconn.CommandTag, entity string, id uuid.UUID, version int64) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %s at version %d", ErrConcurrencyConflict, entity, id, version)
	}
	return nil
}

func notFound(err error, entity string, id any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %v", ErrNotFound, entity, id)
	}
	return err
}

func decimalFrom(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

// ============================================================================
// PARTIES
// ============================================================================

const partyColumns = `id, name, contact, COALESCE(email, ''), company_name, address, gstin, pan,
	type, status, is_active, created_by, created_at, updated_at, version`

func scanParty(row pgx.Row) (*Party, error) {
	var p Party
	var typ, status string
	if err := row.Scan(&p.ID, &p.Name, &p.Contact, &p.Email, &p.CompanyName, &p.Address, &p.GSTIN, &p.PAN,
		&typ, &status, &p.IsActive, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt, &p.Version); err != nil {
		return nil, err
	}
	p.Type = PartyType(typ)
	p.Status = PartyStatus(status)
	return &p, nil
}

func (r *repository) GetParty(ctx context.Context, id uuid.UUID) (*Party, error) {
	p, err := scanParty(r.db.QueryRow(ctx, `SELECT `+partyColumns+` FROM parties WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "party", id)
	}
	return p, nil
}

func (r *repository) FindPartyByCompany(ctx context.Context, companyName string) (*Party, error) {
	p, err := scanParty(r.db.QueryRow(ctx, `SELECT `+partyColumns+` FROM parties
		WHERE is_active AND company_name <> '' AND LOWER(company_name) = LOWER($1)
		ORDER BY created_at LIMIT 1`, strings.TrimSpace(companyName)))
	if err != nil {
		return nil, notFound(err, "party company", companyName)
	}
	return p, nil
}

func (r *repository) FindPartyByContact(ctx context.Context, contact string) (*Party, error) {
	p, err := scanParty(r.db.QueryRow(ctx, `SELECT `+partyColumns+` FROM parties
		WHERE is_active AND contact = $1 ORDER BY created_at LIMIT 1`, contact))
	if err != nil {
		return nil, notFound(err, "party contact", contact)
	}
	return p, nil
}

func (r *repository) FindPartyByEmail(ctx context.Context, email string) (*Party, error) {
	p, err := scanParty(r.db.QueryRow(ctx, `SELECT `+partyColumns+` FROM parties
		WHERE email IS NOT NULL AND LOWER(email) = LOWER($1) LIMIT 1`, email))
	if err != nil {
		return nil, notFound(err, "party email", email)
	}
	return p, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *repository) InsertParty(ctx context.Context, p *Party) error {
	p.Version = 1
	_, err := r.db.Exec(ctx, `INSERT INTO parties (id, name, contact, email, company_name, address, gstin, pan,
		type, status, is_active, created_by, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13, $14)`,
		p.ID, p.Name, p.Contact, nullableString(p.Email), p.CompanyName, p.Address, p.GSTIN, p.PAN,
		string(p.Type), string(p.Status), p.IsActive, p.CreatedBy, p.CreatedAt, p.Version)
	return mapPgError(err, "insert party")
}

func (r *repository) UpdateParty(ctx context.Context, p *Party) error {
	tag, err := r.db.Exec(ctx, `UPDATE parties SET name = $3, contact = $4, email = $5, company_name = $6,
		address = $7, gstin = $8, pan = $9, type = $10, status = $11, is_active = $12,
		updated_at = $13, version = version + 1
		WHERE id = $1 AND version = $2`,
		p.ID, p.Version, p.Name, p.Contact, nullableString(p.Email), p.CompanyName, p.Address, p.GSTIN, p.PAN,
		string(p.Type), string(p.Status), p.IsActive, p.UpdatedAt)
	if err != nil {
		return mapPgError(err, "update party")
	}
	if err := checkVersioned(tag, "party", p.ID, p.Version); err != nil {
		return err
	}
	p.Version++
	return nil
}

// ============================================================================
// LEADS
// ============================================================================

const leadColumns = `id, lead_no, party_id, source, items, status, remarks, assigned_to,
	assignment_history, reviewed_by, reviewed_at, created_by, is_active, created_at, updated_at, version`

func scanLead(row pgx.Row) (*Lead, error) {
	var l Lead
	var source, status string
	var items, history []byte
	if err := row.Scan(&l.ID, &l.LeadNo, &l.PartyID, &source, &items, &status, &l.Remarks, &l.AssignedTo,
		&history, &l.ReviewedBy, &l.ReviewedAt, &l.CreatedBy, &l.IsActive, &l.CreatedAt, &l.UpdatedAt, &l.Version); err != nil {
		return nil, err
	}
	l.Source = LeadSource(source)
	l.Status = pipeline.LeadStatus(status)
	if err := json.Unmarshal(items, &l.Items); err != nil {
		return nil, fmt.Errorf("decode lead items: %w", err)
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &l.AssignmentHistory); err != nil {
			return nil, fmt.Errorf("decode assignment history: %w", err)
		}
	}
	return &l, nil
}

func (r *repository) GetLead(ctx context.Context, id uuid.UUID) (*Lead, error) {
	l, err := scanLead(r.db.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "lead", id)
	}
	return l, nil
}

func leadConditions(filter LeadFilter) ([]string, []interface{}) {
	conditions := []string{"is_active"}
	var args []interface{}
	argPos := 1
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argPos))
		args = append(args, string(filter.Status))
		argPos++
	}
	if filter.Source != "" {
		conditions = append(conditions, fmt.Sprintf("source = $%d", argPos))
		args = append(args, string(filter.Source))
		argPos++
	}
	if filter.AssignedTo != nil {
		conditions = append(conditions, fmt.Sprintf("assigned_to = $%d", argPos))
		args = append(args, *filter.AssignedTo)
		argPos++
	}
	if filter.VisibleTo != nil {
		conditions = append(conditions, fmt.Sprintf("(created_by = $%d OR assigned_to = $%d)", argPos, argPos))
		args = append(args, *filter.VisibleTo)
	}
	return conditions, args
}

func (r *repository) ListLeads(ctx context.Context, filter LeadFilter) ([]Lead, int, error) {
	conditions, args := leadConditions(filter)
	where := " WHERE " + strings.Join(conditions, " AND ")

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM leads`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count leads: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`SELECT %s FROM leads%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		leadColumns, where, limit, filter.Offset)
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list leads: %w", err)
	}
	defer rows.Close()

	var leads []Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, 0, err
		}
		leads = append(leads, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return leads, total, nil
}

func (r *repository) LeadStats(ctx context.Context, filter LeadFilter) (LeadStats, error) {
	conditions, args := leadConditions(filter)
	rows, err := r.db.Query(ctx, `SELECT status, source, COUNT(*) FROM leads WHERE `+
		strings.Join(conditions, " AND ")+` GROUP BY status, source`, args...)
	if err != nil {
		return LeadStats{}, fmt.Errorf("lead stats: %w", err)
	}
	defer rows.Close()

	stats := LeadStats{ByStatus: map[pipeline.LeadStatus]int{}, BySource: map[LeadSource]int{}}
	for rows.Next() {
		var status, source string
		var n int
		if err := rows.Scan(&status, &source, &n); err != nil {
			return LeadStats{}, err
		}
		stats.Total += n
		stats.ByStatus[pipeline.LeadStatus(status)] += n
		stats.BySource[LeadSource(source)] += n
	}
	return stats, rows.Err()
}

func (r *repository) InsertLead(ctx context.Context, l *Lead) error {
	items, err := json.Marshal(l.Items)
	if err != nil {
		return err
	}
	history, err := json.Marshal(l.AssignmentHistory)
	if err != nil {
		return err
	}
	l.Version = 1
	_, err = r.db.Exec(ctx, `INSERT INTO leads (id, lead_no, party_id, source, items, status, remarks, assigned_to,
		assignment_history, reviewed_by, reviewed_at, created_by, is_active, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14, $15)`,
		l.ID, l.LeadNo, l.PartyID, string(l.Source), items, string(l.Status), l.Remarks, l.AssignedTo,
		history, l.ReviewedBy, l.ReviewedAt, l.CreatedBy, l.IsActive, l.CreatedAt, l.Version)
	return mapPgError(err, "insert lead")
}

func (r *repository) UpdateLead(ctx context.Context, l *Lead) error {
	history, err := json.Marshal(l.AssignmentHistory)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `UPDATE leads SET status = $3, remarks = $4, assigned_to = $5,
		assignment_history = $6, reviewed_by = $7, reviewed_at = $8, is_active = $9,
		updated_at = $10, version = version + 1
		WHERE id = $1 AND version = $2`,
		l.ID, l.Version, string(l.Status), l.Remarks, l.AssignedTo, history, l.ReviewedBy, l.ReviewedAt,
		l.IsActive, l.UpdatedAt)
	if err != nil {
		return mapPgError(err, "update lead")
	}
	if err := checkVersioned(tag, "lead", l.ID, l.Version); err != nil {
		return err
	}
	l.Version++
	return nil
}

// ============================================================================
// ITEMS
// ============================================================================

const itemColumns = `id, code, name, description, unit, base_price::text, is_active,
	created_by, created_at, updated_at, version`

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	var price string
	if err := row.Scan(&it.ID, &it.Code, &it.Name, &it.Description, &it.Unit, &price, &it.IsActive,
		&it.CreatedBy, &it.CreatedAt, &it.UpdatedAt, &it.Version); err != nil {
		return nil, err
	}
	var err error
	if it.BasePrice, err = decimalFrom(price); err != nil {
		return nil, err
	}
	return &it, nil
}

func collectItems(rows pgx.Rows) ([]Item, error) {
	defer rows.Close()
	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func (r *repository) GetItem(ctx context.Context, id uuid.UUID) (*Item, error) {
	it, err := scanItem(r.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "item", id)
	}
	return it, nil
}

func (r *repository) FindItemsByCode(ctx context.Context, codes []string) ([]Item, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, `SELECT `+itemColumns+` FROM items WHERE code = ANY($1)`, codes)
	if err != nil {
		return nil, fmt.Errorf("find items: %w", err)
	}
	return collectItems(rows)
}

func (r *repository) ListItems(ctx context.Context, filter ItemFilter) ([]Item, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM items WHERE is_active`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count items: %w", err)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = shared.DefaultPerPage
	}
	rows, err := r.db.Query(ctx, `SELECT `+itemColumns+` FROM items WHERE is_active
		ORDER BY name, code LIMIT $1 OFFSET $2`, limit, filter.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list items: %w", err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *repository) InsertItem(ctx context.Context, it *Item) error {
	it.Version = 1
	_, err := r.db.Exec(ctx, `INSERT INTO items (id, code, name, description, unit, base_price, is_active,
		created_by, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $9, $10)`,
		it.ID, it.Code, it.Name, it.Description, it.Unit, it.BasePrice.String(), it.IsActive,
		it.CreatedBy, it.CreatedAt, it.Version)
	return mapPgError(err, "insert item")
}

func (r *repository) UpdateItem(ctx context.Context, it *Item) error {
	tag, err := r.db.Exec(ctx, `UPDATE items SET name = $3, description = $4, unit = $5,
		base_price = $6::numeric, is_active = $7, updated_at = $8, version = version + 1
		WHERE id = $1 AND version = $2`,
		it.ID, it.Version, it.Name, it.Description, it.Unit, it.BasePrice.String(), it.IsActive, it.UpdatedAt)
	if err != nil {
		return mapPgError(err, "update item")
	}
	if err := checkVersioned(tag, "item", it.ID, it.Version); err != nil {
		return err
	}
	it.Version++
	return nil
}

// ============================================================================
// QUOTATIONS
// ============================================================================

const quotationColumns = `id, quotation_no, lead_id, sales_person_id, items, charges, discount, tax,
	subtotal::text, charges_total::text, amount_before_tax::text, total_amount::text, status, valid_till,
	notes, email_sent_at, email_sent_to, cc, created_by, created_at, updated_at, version`

func scanQuotation(row pgx.Row) (*Quotation, error) {
	var q Quotation
	var items, charges, discount, tax []byte
	var subtotal, chargesTotal, before, total, status string
	if err := row.Scan(&q.ID, &q.QuotationNo, &q.LeadID, &q.SalesPersonID, &items, &charges, &discount, &tax,
		&subtotal, &chargesTotal, &before, &total, &status, &q.ValidTill,
		&q.Notes, &q.EmailSentAt, &q.EmailSentTo, &q.CC, &q.CreatedBy, &q.CreatedAt, &q.UpdatedAt, &q.Version); err != nil {
		return nil, err
	}
	q.Status = pipeline.QuotationStatus(status)
	if err := json.Unmarshal(items, &q.Items); err != nil {
		return nil, fmt.Errorf("decode quotation items: %w", err)
	}
	if len(charges) > 0 {
		if err := json.Unmarshal(charges, &q.Charges); err != nil {
			return nil, fmt.Errorf("decode quotation charges: %w", err)
		}
	}
	if len(discount) > 0 && string(discount) != "null" {
		q.Discount = &QuotationDiscount{}
		if err := json.Unmarshal(discount, q.Discount); err != nil {
			return nil, fmt.Errorf("decode quotation discount: %w", err)
		}
	}
	if len(tax) > 0 && string(tax) != "null" {
		q.Tax = &QuotationTax{}
		if err := json.Unmarshal(tax, q.Tax); err != nil {
			return nil, fmt.Errorf("decode quotation tax: %w", err)
		}
	}
	var err error
	if q.Subtotal, err = decimalFrom(subtotal); err != nil {
		return nil, err
	}
	if q.ChargesTotal, err = decimalFrom(chargesTotal); err != nil {
		return nil, err
	}
	if q.AmountBeforeTax, err = decimalFrom(before); err != nil {
		return nil, err
	}
	if q.TotalAmount, err = decimalFrom(total); err != nil {
		return nil, err
	}
	return &q, nil
}

func (r *repository) GetQuotation(ctx context.Context, id uuid.UUID) (*Quotation, error) {
	q, err := scanQuotation(r.db.QueryRow(ctx, `SELECT `+quotationColumns+` FROM quotations WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "quotation", id)
	}
	return q, nil
}

func (r *repository) ListQuotationsByLead(ctx context.Context, leadID uuid.UUID) ([]Quotation, error) {
	rows, err := r.db.Query(ctx, `SELECT `+quotationColumns+` FROM quotations
		WHERE lead_id = $1 ORDER BY created_at DESC`, leadID)
	if err != nil {
		return nil, fmt.Errorf("list quotations: %w", err)
	}
	defer rows.Close()
	var out []Quotation
	for rows.Next() {
		q, err := scanQuotation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

func marshalQuotationParts(q *Quotation) (items, charges, discount, tax []byte, err error) {
	if items, err = json.Marshal(q.Items); err != nil {
		return
	}
	if charges, err = json.Marshal(q.Charges); err != nil {
		return
	}
	if q.Discount != nil {
		if discount, err = json.Marshal(q.Discount); err != nil {
			return
		}
	}
	if q.Tax != nil {
		tax, err = json.Marshal(q.Tax)
	}
	return
}

func (r *repository) InsertQuotation(ctx context.Context, q *Quotation) error {
	items, charges, discount, tax, err := marshalQuotationParts(q)
	if err != nil {
		return err
	}
	q.Version = 1
	_, err = r.db.Exec(ctx, `INSERT INTO quotations (id, quotation_no, lead_id, sales_person_id, items, charges,
		discount, tax, subtotal, charges_total, amount_before_tax, total_amount, status, valid_till, notes,
		email_sent_at, email_sent_to, cc, created_by, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10::numeric, $11::numeric, $12::numeric, $13, $14, $15,
		$16, $17, $18, $19, $20, $20, $21)`,
		q.ID, q.QuotationNo, q.LeadID, q.SalesPersonID, items, charges, discount, tax,
		q.Subtotal.String(), q.ChargesTotal.String(), q.AmountBeforeTax.String(), q.TotalAmount.String(),
		string(q.Status), q.ValidTill, q.Notes, q.EmailSentAt, q.EmailSentTo, q.CC, q.CreatedBy, q.CreatedAt, q.Version)
	return mapPgError(err, "insert quotation")
}

// UpdateQuotation persists the mutable workflow fields. Priced content is
// immutable once created.
func (r *repository) UpdateQuotation(ctx context.Context, q *Quotation) error {
	tag, err := r.db.Exec(ctx, `UPDATE quotations SET status = $3, email_sent_at = $4, email_sent_to = $5,
		cc = $6, notes = $7, updated_at = $8, version = version + 1
		WHERE id = $1 AND version = $2`,
		q.ID, q.Version, string(q.Status), q.EmailSentAt, q.EmailSentTo, q.CC, q.Notes, q.UpdatedAt)
	if err != nil {
		return mapPgError(err, "update quotation")
	}
	if err := checkVersioned(tag, "quotation", q.ID, q.Version); err != nil {
		return err
	}
	q.Version++
	return nil
}

// ============================================================================
// ORDERS
// ============================================================================

const orderColumns = `id, order_no, lead_id, quotation_id, customer, sales_person_id, items,
	total_amount::text, status, po, confirmed_at, converted_by, created_at, updated_at, version`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var customer, items, po []byte
	var total, status string
	if err := row.Scan(&o.ID, &o.OrderNo, &o.LeadID, &o.QuotationID, &customer, &o.SalesPersonID, &items,
		&total, &status, &po, &o.ConfirmedAt, &o.ConvertedBy, &o.CreatedAt, &o.UpdatedAt, &o.Version); err != nil {
		return nil, err
	}
	o.Status = pipeline.OrderStatus(status)
	if err := json.Unmarshal(customer, &o.Customer); err != nil {
		return nil, fmt.Errorf("decode order customer: %w", err)
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("decode order items: %w", err)
	}
	if len(po) > 0 && string(po) != "null" {
		o.PO = &PODetails{}
		if err := json.Unmarshal(po, o.PO); err != nil {
			return nil, fmt.Errorf("decode order po: %w", err)
		}
	}
	var err error
	if o.TotalAmount, err = decimalFrom(total); err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *repository) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "order", id)
	}
	return o, nil
}

func (r *repository) GetOrderByQuotation(ctx context.Context, quotationID uuid.UUID) (*Order, error) {
	o, err := scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE quotation_id = $1`, quotationID))
	if err != nil {
		return nil, notFound(err, "order for quotation", quotationID)
	}
	return o, nil
}

func orderConditions(filter OrderFilter) (string, []interface{}) {
	var conditions []string
	var args []interface{}
	add := func(format string, arg interface{}) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(format, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.SalesPersonID != nil {
		add("sales_person_id = $%d", *filter.SalesPersonID)
	}
	if filter.VisibleTo != nil {
		args = append(args, *filter.VisibleTo)
		conditions = append(conditions, fmt.Sprintf("(sales_person_id = $%d OR converted_by = $%d)", len(args), len(args)))
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at <= $%d", *filter.To)
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func (r *repository) ListOrders(ctx context.Context, filter OrderFilter) ([]Order, int, error) {
	where, args := orderConditions(filter)
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM orders`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = shared.DefaultPerPage
	}
	query := fmt.Sprintf(`SELECT %s FROM orders%s ORDER BY created_at DESC, order_no DESC LIMIT %d OFFSET %d`,
		orderColumns, where, limit, filter.Offset)
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()
	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// OrderTotals aggregates the matching orders by status and sales person.
func (r *repository) OrderTotals(ctx context.Context, filter OrderFilter) ([]OrderTotal, error) {
	where, args := orderConditions(filter)
	rows, err := r.db.Query(ctx, `SELECT status, sales_person_id, COUNT(*), COALESCE(SUM(total_amount), 0)::text
		FROM orders`+where+` GROUP BY status, sales_person_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("order totals: %w", err)
	}
	defer rows.Close()
	var out []OrderTotal
	for rows.Next() {
		var t OrderTotal
		var status, sum string
		if err := rows.Scan(&status, &t.SalesPersonID, &t.Count, &sum); err != nil {
			return nil, err
		}
		t.Status = pipeline.OrderStatus(status)
		if t.TotalAmount, err = decimalFrom(sum); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *repository) InsertOrder(ctx context.Context, o *Order) error {
	customer, err := json.Marshal(o.Customer)
	if err != nil {
		return err
	}
	items, err := json.Marshal(o.Items)
	if err != nil {
		return err
	}
	var po []byte
	if o.PO != nil {
		if po, err = json.Marshal(o.PO); err != nil {
			return err
		}
	}
	o.Version = 1
	_, err = r.db.Exec(ctx, `INSERT INTO orders (id, order_no, lead_id, quotation_id, customer, sales_person_id,
		items, total_amount, status, po, confirmed_at, converted_by, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11, $12, $13, $13, $14)`,
		o.ID, o.OrderNo, o.LeadID, o.QuotationID, customer, o.SalesPersonID, items, o.TotalAmount.String(),
		string(o.Status), po, o.ConfirmedAt, o.ConvertedBy, o.CreatedAt, o.Version)
	return mapPgError(err, "insert order")
}

// UpdateOrder persists status, PO and confirmation. Items and total are
// copied at conversion and never rewritten.
func (r *repository) UpdateOrder(ctx context.Context, o *Order) error {
	var po []byte
	if o.PO != nil {
		var err error
		if po, err = json.Marshal(o.PO); err != nil {
			return err
		}
	}
	tag, err := r.db.Exec(ctx, `UPDATE orders SET status = $3, po = $4, confirmed_at = $5,
		updated_at = $6, version = version + 1
		WHERE id = $1 AND version = $2`,
		o.ID, o.Version, string(o.Status), po, o.ConfirmedAt, o.UpdatedAt)
	if err != nil {
		return mapPgError(err, "update order")
	}
	if err := checkVersioned(tag, "order", o.ID, o.Version); err != nil {
		return err
	}
	o.Version++
	return nil
}

// ============================================================================
// FOLLOW-UPS
// ============================================================================

func (r *repository) InsertFollowup(ctx context.Context, f *Followup) error {
	_, err := r.db.Exec(ctx, `INSERT INTO followups (id, lead_id, followup_date, remarks, next_followup_date,
		outcome, created_by, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.ID, f.LeadID, f.FollowupDate, f.Remarks, f.NextFollowupDate, string(f.Outcome), f.CreatedBy, f.CreatedAt)
	return mapPgError(err, "insert followup")
}

func (r *repository) ListFollowups(ctx context.Context, leadID uuid.UUID) ([]Followup, error) {
	rows, err := r.db.Query(ctx, `SELECT id, lead_id, followup_date, remarks, next_followup_date, outcome,
		created_by, created_at FROM followups WHERE lead_id = $1 ORDER BY followup_date DESC`, leadID)
	if err != nil {
		return nil, fmt.Errorf("list followups: %w", err)
	}
	defer rows.Close()
	var out []Followup
	for rows.Next() {
		var f Followup
		var outcome string
		if err := rows.Scan(&f.ID, &f.LeadID, &f.FollowupDate, &f.Remarks, &f.NextFollowupDate, &outcome,
			&f.CreatedBy, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Outcome = FollowupOutcome(outcome)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *repository) UpcomingFollowups(ctx context.Context, from, to time.Time) ([]UpcomingFollowup, error) {
	rows, err := r.db.Query(ctx, `SELECT f.id, f.lead_id, f.followup_date, f.remarks, f.next_followup_date,
		f.outcome, f.created_by, f.created_at, l.lead_no, l.assigned_to, p.name, l.status
		FROM followups f
		JOIN leads l ON l.id = f.lead_id
		JOIN parties p ON p.id = l.party_id
		WHERE l.is_active AND f.next_followup_date >= $1 AND f.next_followup_date < $2
		ORDER BY f.next_followup_date`, from, to)
	if err != nil {
		return nil, fmt.Errorf("upcoming followups: %w", err)
	}
	defer rows.Close()
	var out []UpcomingFollowup
	for rows.Next() {
		var u UpcomingFollowup
		var outcome, status string
		if err := rows.Scan(&u.ID, &u.LeadID, &u.FollowupDate, &u.Remarks, &u.NextFollowupDate, &outcome,
			&u.CreatedBy, &u.CreatedAt, &u.LeadNo, &u.AssignedTo, &u.PartyName, &status); err != nil {
			return nil, err
		}
		u.Outcome = FollowupOutcome(outcome)
		u.LeadStatus = pipeline.LeadStatus(status)
		out = append(out, u)
	}
	return out, rows.Err()
}

// ============================================================================
// EMAIL LOG
// ============================================================================

func (r *repository) InsertEmailLog(ctx context.Context, l *EmailLog) error {
	var entity *string
	if l.RelatedEntity != "" {
		e := string(l.RelatedEntity)
		entity = &e
	}
	_, err := r.db.Exec(ctx, `INSERT INTO email_logs (id, email_type, recipient, cc, subject, body, status,
		error, related_entity, related_id, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		l.ID, string(l.Type), l.Recipient, l.CC, l.Subject, l.Body, string(l.Status),
		l.Error, entity, l.RelatedID, l.SentAt)
	return mapPgError(err, "insert email log")
}

func (r *repository) ListEmailLogs(ctx context.Context, entity pipeline.Entity, id uuid.UUID) ([]EmailLog, error) {
	rows, err := r.db.Query(ctx, `SELECT id, email_type, recipient, cc, subject, body, status, error,
		COALESCE(related_entity, ''), related_id, sent_at
		FROM email_logs WHERE related_entity = $1 AND related_id = $2 ORDER BY sent_at DESC`, string(entity), id)
	if err != nil {
		return nil, fmt.Errorf("list email logs: %w", err)
	}
	defer rows.Close()
	var out []EmailLog
	for rows.Next() {
		var l EmailLog
		var typ, status, related string
		if err := rows.Scan(&l.ID, &typ, &l.Recipient, &l.CC, &l.Subject, &l.Body, &status, &l.Error,
			&related, &l.RelatedID, &l.SentAt); err != nil {
			return nil, err
		}
		l.Type = EmailType(typ)
		l.Status = EmailStatus(status)
		l.RelatedEntity = pipeline.Entity(related)
		out = append(out, l)
	}
	return out, rows.Err()
}

// ============================================================================
// AUDIT
// ============================================================================

// RecordTransitions journals every effect of a plan into audit_logs through
// the current transaction.
func (r *repository) RecordTransitions(ctx context.Context, actorID uuid.UUID, effects []pipeline.Effect) error {
	audit := shared.NewAuditLogger(r.db)
	for _, e := range effects {
		err := audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "status.transition",
			Entity:   string(e.Entity),
			EntityID: e.ID.String(),
			Meta:     map[string]any{"from": e.From, "to": e.To},
		})
		if err != nil {
			return fmt.Errorf("record %s transition: %w", e.Entity, err)
		}
	}
	return nil
}
