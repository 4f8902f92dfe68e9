package sales

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/salesflow/internal/sales/pipeline"
	"github.com/odyssey-erp/salesflow/internal/sequence"
	"github.com/odyssey-erp/salesflow/internal/shared"
	"github.com/odyssey-erp/salesflow/internal/users"
)

const (
	defaultMaxAttempts = 3
	numberAttempts     = 3
)

// NumberSource hands out formatted document numbers.
type NumberSource interface {
	Next(ctx context.Context, prefix sequence.Prefix) (string, error)
}

// UserDirectory resolves assignment targets.
type UserDirectory interface {
	GetUser(ctx context.Context, id uuid.UUID) (*users.User, error)
}

// MailQueue schedules quotation e-mails for background delivery.
type MailQueue interface {
	EnqueueQuotationMail(ctx context.Context, mail QuotationMail) error
}

// FileStore verifies and issues upload targets for purchase order files.
type FileStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	PresignUpload(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// TransitionObserver is told about every committed status change.
type TransitionObserver interface {
	ObserveTransition(entity, from, to string)
}

// ServiceConfig wires the collaborators of a Service. Repository, Policy and
// Numbers are required; the rest may be nil.
type ServiceConfig struct {
	Policy      *pipeline.Policy
	Numbers     NumberSource
	Users       UserDirectory
	Mail        MailQueue
	Files       FileStore
	Phone       func(raw string) (string, error)
	Observer    TransitionObserver
	Logger      *slog.Logger
	Clock       func() time.Time
	NewID       func() uuid.UUID
	MaxAttempts int
}

// Service orchestrates the sales pipeline: it checks the caller's role,
// evaluates the state machine against freshly read records and writes every
// resulting change in one unit of work.
type Service struct {
	repo        Repository
	policy      *pipeline.Policy
	numbers     NumberSource
	users       UserDirectory
	mail        MailQueue
	files       FileStore
	phone       func(string) (string, error)
	observer    TransitionObserver
	logger      *slog.Logger
	validate    *validator.Validate
	now         func() time.Time
	newID       func() uuid.UUID
	maxAttempts int
}

// NewService constructs a sales service.
func NewService(repo Repository, cfg ServiceConfig) *Service {
	s := &Service{
		repo:        repo,
		policy:      cfg.Policy,
		numbers:     cfg.Numbers,
		users:       cfg.Users,
		mail:        cfg.Mail,
		files:       cfg.Files,
		phone:       cfg.Phone,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
		validate:    validator.New(),
		now:         cfg.Clock,
		newID:       cfg.NewID,
		maxAttempts: cfg.MaxAttempts,
	}
	if s.policy == nil {
		s.policy = pipeline.Canonical
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.newID == nil {
		s.newID = uuid.New
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = defaultMaxAttempts
	}
	return s
}

// Policy returns the active lead policy.
func (s *Service) Policy() *pipeline.Policy {
	return s.policy
}

// ============================================================================
// HELPERS
// ============================================================================

func (s *Service) authorize(actor shared.Actor, permission string) error {
	if actor.ID == uuid.Nil {
		return fmt.Errorf("%w: no actor", ErrForbidden)
	}
	if !actor.Can(permission) {
		return fmt.Errorf("%w: role %q lacks %s", ErrForbidden, actor.Role, permission)
	}
	return nil
}

func (s *Service) check(input any) error {
	if err := s.validate.Struct(input); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// retry re-runs fn while it fails with ErrConcurrencyConflict. Every attempt
// reads fresh state, so preconditions are re-evaluated each time.
func (s *Service) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err = fn()
		if !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		s.logger.Warn("sales: concurrent modification", slog.String("op", op), slog.Int("attempt", attempt))
	}
	return err
}

// withNumber allocates a document number and passes it to fn, allocating
// again when fn reports that the number is already stored.
func (s *Service) withNumber(ctx context.Context, prefix sequence.Prefix, fn func(number string) error) error {
	if s.numbers == nil {
		return fmt.Errorf("%w: no number source", ErrSequenceAllocationFailed)
	}
	for attempt := 1; attempt <= numberAttempts; attempt++ {
		number, err := s.numbers.Next(ctx, prefix)
		if err != nil {
			return err
		}
		err = fn(number)
		if !errors.Is(err, ErrDuplicateNumber) {
			return err
		}
		s.logger.Warn("sales: document number collision", slog.String("number", number), slog.Int("attempt", attempt))
	}
	return fmt.Errorf("%w: %s numbers kept colliding", ErrSequenceAllocationFailed, prefix)
}

// commitPlan writes the lead side of a plan and journals every effect. The
// caller has already written the quotation or order records it touches.
func (s *Service) commitPlan(ctx context.Context, tx Repository, actor shared.Actor, plan pipeline.Plan, lead *Lead) error {
	if len(plan.Effects) == 0 {
		return nil
	}
	if lead != nil {
		if status, ok := plan.Final(pipeline.EntityLead, lead.ID); ok {
			lead.Status = pipeline.LeadStatus(status)
			lead.UpdatedAt = s.now()
			if err := tx.UpdateLead(ctx, lead); err != nil {
				return err
			}
		}
	}
	return tx.RecordTransitions(ctx, actor.ID, plan.Effects)
}

func (s *Service) observe(plan pipeline.Plan) {
	if s.observer == nil {
		return
	}
	for _, e := range plan.Effects {
		s.observer.ObserveTransition(string(e.Entity), e.From, e.To)
	}
}

// activeLead loads a lead, hiding soft-deleted ones.
func activeLead(ctx context.Context, repo Repository, id uuid.UUID) (*Lead, error) {
	lead, err := repo.GetLead(ctx, id)
	if err != nil {
		return nil, err
	}
	if !lead.IsActive {
		return nil, fmt.Errorf("%w: lead %s", ErrNotFound, id)
	}
	return lead, nil
}

func (s *Service) checkVisible(actor shared.Actor, lead *Lead) error {
	if actor.Can(shared.PermLeadViewAll) || lead.VisibleTo(actor.ID) {
		return nil
	}
	return fmt.Errorf("%w: lead %s is not assigned to %s", ErrForbidden, lead.ID, actor.ID)
}

// ============================================================================
// PARTY OPERATIONS
// ============================================================================

func (s *Service) normalizeParty(in PartyInput) (PartyInput, error) {
	if s.phone == nil {
		return in, nil
	}
	contact, err := s.phone(in.Contact)
	if err != nil {
		return in, fmt.Errorf("%w: contact: %v", ErrValidation, err)
	}
	in.Contact = contact
	return in, nil
}

// CreateParty registers a new party. A party with the same e-mail already
// existing fails with ErrAlreadyExists.
func (s *Service) CreateParty(ctx context.Context, actor shared.Actor, in PartyInput) (*Party, error) {
	if err := s.authorize(actor, shared.PermPartyCreate); err != nil {
		return nil, err
	}
	if err := s.check(in); err != nil {
		return nil, err
	}
	in, err := s.normalizeParty(in)
	if err != nil {
		return nil, err
	}
	var party *Party
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		if err := ensureEmailFree(ctx, tx, in.Email); err != nil {
			return err
		}
		party = s.newParty(actor, in)
		return tx.InsertParty(ctx, party)
	})
	if err != nil {
		return nil, fmt.Errorf("create party: %w", err)
	}
	return party, nil
}

// FindOrCreateParty returns the active party matching the company name
// (case-insensitive) or, failing that, the contact number. Otherwise a new
// party is created. The boolean reports creation.
func (s *Service) FindOrCreateParty(ctx context.Context, actor shared.Actor, in PartyInput) (*Party, bool, error) {
	if err := s.authorize(actor, shared.PermPartyCreate); err != nil {
		return nil, false, err
	}
	if err := s.check(in); err != nil {
		return nil, false, err
	}
	in, err := s.normalizeParty(in)
	if err != nil {
		return nil, false, err
	}
	var (
		party   *Party
		created bool
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		var err error
		party, created, err = s.findOrCreateParty(ctx, tx, actor, in)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("find or create party: %w", err)
	}
	return party, created, nil
}

func (s *Service) findOrCreateParty(ctx context.Context, tx Repository, actor shared.Actor, in PartyInput) (*Party, bool, error) {
	if in.CompanyName != "" {
		party, err := tx.FindPartyByCompany(ctx, in.CompanyName)
		if err == nil {
			return party, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}
	party, err := tx.FindPartyByContact(ctx, in.Contact)
	if err == nil {
		return party, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if err := ensureEmailFree(ctx, tx, in.Email); err != nil {
		return nil, false, err
	}
	party = s.newParty(actor, in)
	if err := tx.InsertParty(ctx, party); err != nil {
		return nil, false, err
	}
	return party, true, nil
}

func ensureEmailFree(ctx context.Context, tx Repository, email string) error {
	if email == "" {
		return nil
	}
	_, err := tx.FindPartyByEmail(ctx, email)
	switch {
	case err == nil:
		return fmt.Errorf("%w: party with email %s", ErrAlreadyExists, email)
	case errors.Is(err, ErrNotFound):
		return nil
	default:
		return err
	}
}

func (s *Service) newParty(actor shared.Actor, in PartyInput) *Party {
	typ := in.Type
	if typ == "" {
		typ = PartyProspect
	}
	now := s.now()
	return &Party{
		ID:          s.newID(),
		Name:        in.Name,
		Contact:     in.Contact,
		Email:       in.Email,
		CompanyName: in.CompanyName,
		Address:     in.Address,
		GSTIN:       in.GSTIN,
		PAN:         in.PAN,
		Type:        typ,
		Status:      PartyActive,
		IsActive:    true,
		CreatedBy:   actor.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// GetParty returns one party.
func (s *Service) GetParty(ctx context.Context, actor shared.Actor, id uuid.UUID) (*Party, error) {
	if err := s.authorize(actor, shared.PermLeadView); err != nil {
		return nil, err
	}
	return s.repo.GetParty(ctx, id)
}

// DeactivateParty soft-deletes a party.
func (s *Service) DeactivateParty(ctx context.Context, actor shared.Actor, id uuid.UUID) (*Party, error) {
	if err := s.authorize(actor, shared.PermPartyDelete); err != nil {
		return nil, err
	}
	var party *Party
	err := s.retry(ctx, "deactivate party", func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
			var err error
			if party, err = tx.GetParty(ctx, id); err != nil {
				return err
			}
			party.IsActive = false
			party.Status = PartyInactive
			party.UpdatedAt = s.now()
			return tx.UpdateParty(ctx, party)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("deactivate party: %w", err)
	}
	return party, nil
}
