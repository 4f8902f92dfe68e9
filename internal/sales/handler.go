package sales

import (
	"context"
	"errors"
	"log/slog"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/salesflow/internal/platform/httpx"
	"github.com/odyssey-erp/salesflow/internal/sales/pipeline"
	"github.com/odyssey-erp/salesflow/internal/shared"
)

// IdempotencyGuard rejects replays of create requests carrying the same
// Idempotency-Key.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// Handler exposes the pipeline as a JSON API.
type Handler struct {
	logger  *slog.Logger
	service *Service
	guard   IdempotencyGuard
}

// NewHandler builds Handler instance. guard may be nil.
func NewHandler(logger *slog.Logger, service *Service, guard IdempotencyGuard) *Handler {
	return &Handler{logger: logger, service: service, guard: guard}
}

var errorRules = []httpx.Rule{
	{Target: shared.ErrUnauthenticated, Status: http.StatusUnauthorized, Title: "Unauthorized"},
	{Target: ErrForbidden, Status: http.StatusForbidden, Title: "Forbidden"},
	{Target: ErrNotFound, Status: http.StatusNotFound, Title: "Not Found"},
	{Target: ErrInvalidTransition, Status: http.StatusConflict, Title: "Invalid Status Transition"},
	{Target: ErrAlreadyConverted, Status: http.StatusConflict, Title: "Already Converted"},
	{Target: ErrAlreadyExists, Status: http.StatusConflict, Title: "Already Exists"},
	{Target: ErrConcurrencyConflict, Status: http.StatusConflict, Title: "Concurrent Modification"},
	{Target: shared.ErrIdempotencyConflict, Status: http.StatusConflict, Title: "Duplicate Request"},
	{Target: ErrValidation, Status: http.StatusBadRequest, Title: "Validation Failed"},
	{Target: ErrInvalidQuotationInput, Status: http.StatusUnprocessableEntity, Title: "Invalid Quotation"},
	{Target: ErrSequenceAllocationFailed, Status: http.StatusServiceUnavailable, Title: "Numbering Unavailable"},
}

// MountRoutes registers pipeline routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/parties", h.createParty)
	r.Get("/parties/{id}", h.getParty)
	r.Delete("/parties/{id}", h.deactivateParty)

	r.Get("/leads", h.listLeads)
	r.Post("/leads", h.idempotent("lead.create", h.createLead))
	r.Get("/leads/stats", h.leadStats)
	r.Get("/leads/followups/upcoming", h.upcomingFollowups)
	r.Get("/leads/{id}", h.getLead)
	r.Delete("/leads/{id}", h.deleteLead)
	r.Post("/leads/{id}/review", h.reviewLead)
	r.Post("/leads/{id}/assign", h.assignLead)
	r.Post("/leads/{id}/transition", h.transitionLead)
	r.Get("/leads/{id}/followups", h.listFollowups)
	r.Post("/leads/{id}/followups", h.recordFollowup)
	r.Get("/leads/{id}/quotations", h.listLeadQuotations)

	r.Get("/items", h.listItems)
	r.Post("/items", h.idempotent("item.create", h.createItem))
	r.Get("/items/{id}", h.getItem)
	r.Patch("/items/{id}", h.updateItem)
	r.Delete("/items/{id}", h.deleteItem)

	r.Post("/quotations", h.idempotent("quotation.create", h.createQuotation))
	r.Get("/quotations/{id}", h.getQuotation)
	r.Get("/quotations/{id}/emails", h.quotationEmails)
	r.Post("/quotations/{id}/send", h.sendQuotation)
	r.Post("/quotations/{id}/decision", h.decideQuotation)
	r.Post("/quotations/{id}/convert", h.idempotent("order.convert", h.convertQuotation))

	r.Get("/orders", h.listOrders)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/transition", h.transitionOrder)
	r.Post("/orders/{id}/po", h.receivePO)
	r.Post("/orders/{id}/po/upload", h.presignPOUpload)

	r.Get("/dashboard/sales", h.salesMetrics)
	r.Get("/dashboard/orders", h.orderDashboard)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, _ := httpx.StatusFor(err, errorRules...)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.logger.Error("sales request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err, errorRules...)
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (shared.Actor, bool) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		h.fail(w, r, shared.ErrUnauthenticated)
		return shared.Actor{}, false
	}
	return actor, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, errors.Join(ErrValidation, err))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) queryID(w http.ResponseWriter, r *http.Request, key string) (*uuid.UUID, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: %s: %v", ErrValidation, key, err))
		return nil, false
	}
	return &id, true
}

// queryDate reads an RFC 3339 timestamp or a calendar date. A bare date used
// as an upper bound covers the whole day.
func (h *Handler) queryDate(w http.ResponseWriter, r *http.Request, key string, endOfDay bool) (*time.Time, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, true
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: %s: want RFC 3339 or YYYY-MM-DD", ErrValidation, key))
		return nil, false
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		h.fail(w, r, errors.Join(ErrValidation, err))
		return false
	}
	return true
}

// idempotent guards create endpoints. The key is released when the request
// fails so the client may retry it.
func (h *Handler) idempotent(module string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if h.guard == nil || key == "" {
			next(w, r)
			return
		}
		if err := h.guard.CheckAndInsert(r.Context(), key, module); err != nil {
			h.fail(w, r, err)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		if rec.status >= http.StatusBadRequest {
			if err := h.guard.Delete(context.WithoutCancel(r.Context()), key, module); err != nil {
				h.logger.Warn("release idempotency key", slog.String("module", module), slog.Any("error", err))
			}
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// ============================================================================
// PARTY HANDLERS
// ============================================================================

func (h *Handler) createParty(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req PartyInput
	if !h.decode(w, r, &req) {
		return
	}
	party, err := h.service.CreateParty(r.Context(), actor, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, party)
}

func (h *Handler) getParty(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	party, err := h.service.GetParty(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, party)
}

func (h *Handler) deactivateParty(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	party, err := h.service.DeactivateParty(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, party)
}

// ============================================================================
// LEAD HANDLERS
// ============================================================================

func (h *Handler) listLeads(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	req := ListLeadsInput{
		Status: pipeline.LeadStatus(q.Get("status")),
		Source: LeadSource(q.Get("source")),
	}
	req.Page, _ = strconv.Atoi(q.Get("page"))
	req.PerPage, _ = strconv.Atoi(q.Get("per_page"))
	if req.AssignedTo, ok = h.queryID(w, r, "assigned_to"); !ok {
		return
	}
	leads, page, err := h.service.ListLeads(r.Context(), actor, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, struct {
		Data []Lead `json:"data"`
		shared.Pagination
	}{Data: leads, Pagination: page})
}

func (h *Handler) createLead(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req CreateLeadInput
	if !h.decode(w, r, &req) {
		return
	}
	lead, err := h.service.CreateLead(r.Context(), actor, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, lead)
}

func (h *Handler) leadStats(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	stats, err := h.service.LeadStats(r.Context(), actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stats)
}

func (h *Handler) getLead(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	lead, err := h.service.GetLead(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lead)
}

func (h *Handler) deleteLead(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteLead(r.Context(), actor, id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) reviewLead(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req ReviewLeadInput
	if !h.decode(w, r, &req) {
		return
	}
	lead, err := h.service.ReviewLead(r.Context(), actor, id, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lead)
}

func (h *Handler) assignLead(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req AssignLeadInput
	if !h.decode(w, r, &req) {
		return
	}
	lead, err := h.service.AssignSalesPerson(r.Context(), actor, id, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lead)
}

func (h *Handler) transitionLead(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req TransitionLeadInput
	if !h.decode(w, r, &req) {
		return
	}
	lead, err := h.service.TransitionLead(r.Context(), actor, id, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lead)
}

func (h *Handler) listFollowups(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	followups, err := h.service.ListFollowups(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": followups})
}

func (h *Handler) recordFollowup(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req RecordFollowupInput
	if !h.decode(w, r, &req) {
		return
	}
	followup, err := h.service.RecordFollowup(r.Context(), actor, id, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, followup)
}

func (h *Handler) upcomingFollowups(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	followups, err := h.service.UpcomingFollowups(r.Context(), actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": followups})
}

func (h *Handler) listLeadQuotations(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	quotations, err := h.service.ListQuotationsByLead(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": quotations})
}

// ============================================================================
// ITEM HANDLERS
// ============================================================================

func (h *Handler) listItems(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req ListItemsInput
	req.Page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	req.PerPage, _ = strconv.Atoi(r.URL.Query().Get("per_page"))
	items, page, err := h.service.ListItems(r.Context(), actor, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, struct {
		Data []Item `json:"data"`
		shared.Pagination
	}{Data: items, Pagination: page})
}

func (h *Handler) createItem(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req CreateItemInput
	if !h.decode(w, r, &req) {
		return
	}
	item, err := h.service.CreateItem(r.Context(), actor, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, item)
}

func (h *Handler) getItem(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	item, err := h.service.GetItem(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

func (h *Handler) updateItem(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req UpdateItemInput
	if !h.decode(w, r, &req) {
		return
	}
	item, err := h.service.UpdateItem(r.Context(), actor, id, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

func (h *Handler) deleteItem(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteItem(r.Context(), actor, id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// QUOTATION HANDLERS
// ============================================================================

func (h *Handler) createQuotation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req CreateQuotationInput
	if !h.decode(w, r, &req) {
		return
	}
	quotation, err := h.service.CreateQuotation(r.Context(), actor, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, quotation)
}

func (h *Handler) getQuotation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	quotation, err := h.service.GetQuotation(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, quotation)
}

func (h *Handler) quotationEmails(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	logs, err := h.service.QuotationEmails(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": logs})
}

func (h *Handler) sendQuotation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req SendQuotationInput
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	quotation, err := h.service.SendQuotation(r.Context(), actor, id, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, quotation)
}

func (h *Handler) decideQuotation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req DecideQuotationInput
	if !h.decode(w, r, &req) {
		return
	}
	quotation, err := h.service.DecideQuotation(r.Context(), actor, id, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, quotation)
}

func (h *Handler) convertQuotation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	order, err := h.service.ConvertToOrder(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, order)
}

// ============================================================================
// ORDER HANDLERS
// ============================================================================

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	req := ListOrdersInput{Status: pipeline.OrderStatus(q.Get("status"))}
	req.Page, _ = strconv.Atoi(q.Get("page"))
	req.PerPage, _ = strconv.Atoi(q.Get("per_page"))
	if req.SalesPersonID, ok = h.queryID(w, r, "sales_person_id"); !ok {
		return
	}
	if req.From, ok = h.queryDate(w, r, "from", false); !ok {
		return
	}
	if req.To, ok = h.queryDate(w, r, "to", true); !ok {
		return
	}
	orders, page, err := h.service.ListOrders(r.Context(), actor, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, struct {
		Data []Order `json:"data"`
		shared.Pagination
	}{Data: orders, Pagination: page})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	order, err := h.service.GetOrder(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) transitionOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req TransitionOrderInput
	if !h.decode(w, r, &req) {
		return
	}
	order, err := h.service.TransitionOrder(r.Context(), actor, id, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) receivePO(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req ReceivePOInput
	if !h.decode(w, r, &req) {
		return
	}
	order, err := h.service.ReceivePO(r.Context(), actor, id, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) presignPOUpload(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Filename string `json:"filename"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	upload, err := h.service.PresignPOUpload(r.Context(), actor, id, req.Filename)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, upload)
}

// ============================================================================
// DASHBOARD HANDLERS
// ============================================================================

func (h *Handler) salesMetrics(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req MetricsInput
	if req.SalesPersonID, ok = h.queryID(w, r, "sales_person_id"); !ok {
		return
	}
	if req.From, ok = h.queryDate(w, r, "from", false); !ok {
		return
	}
	if req.To, ok = h.queryDate(w, r, "to", true); !ok {
		return
	}
	metrics, err := h.service.SalesMetrics(r.Context(), actor, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, metrics)
}

func (h *Handler) orderDashboard(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	salesPerson, ok := h.queryID(w, r, "sales_person_id")
	if !ok {
		return
	}
	dashboard, err := h.service.OrderDashboard(r.Context(), actor, salesPerson)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, dashboard)
}
