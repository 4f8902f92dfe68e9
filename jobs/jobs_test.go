package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/salesflow/internal/jobs"
	"github.com/odyssey-erp/salesflow/internal/platform/mail"
	"github.com/odyssey-erp/salesflow/internal/sales"
	"github.com/odyssey-erp/salesflow/internal/sales/pipeline"
	"github.com/odyssey-erp/salesflow/internal/shared"
	"github.com/odyssey-erp/salesflow/internal/users"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeSender struct {
	mu   sync.Mutex
	sent []mail.Message
	err  error
}

func (s *fakeSender) Send(_ context.Context, m mail.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, m)
	return nil
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (e *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.tasks = append(e.tasks, task)
	e.opts = append(e.opts, opts)
	return &asynq.TaskInfo{Type: task.Type(), Queue: QueueDefault}, nil
}

func (e *fakeEnqueuer) Close() error { return nil }

type fakeFollowups struct {
	from, to time.Time
	due      []sales.UpcomingFollowup
}

func (f *fakeFollowups) DueFollowups(_ context.Context, from, to time.Time) ([]sales.UpcomingFollowup, error) {
	f.from, f.to = from, to
	return f.due, nil
}

type fakeUsers map[uuid.UUID]*users.User

func (u fakeUsers) GetUser(_ context.Context, id uuid.UUID) (*users.User, error) {
	if user, ok := u[id]; ok {
		return user, nil
	}
	return nil, users.ErrNotFound
}

type fakeCleaner struct {
	retention time.Duration
}

func (c *fakeCleaner) Cleanup(_ context.Context, olderThan time.Duration) error {
	c.retention = olderThan
	return nil
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []sales.EmailLog
	err     error
}

func (j *fakeJournal) RecordEmail(_ context.Context, log sales.EmailLog) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.entries = append(j.entries, log)
	return nil
}

func testMetrics() *jobmetrics.Metrics {
	return jobmetrics.NewMetrics(prometheus.NewRegistry())
}

func samplePayload() sales.QuotationMail {
	valid := time.Date(2026, 4, 9, 0, 0, 0, 0, time.UTC)
	return sales.QuotationMail{
		QuotationID: uuid.New(),
		QuotationNo: "QUO-2026-001",
		To:          "buyer@example.com",
		CC:          []string{"manager@example.com"},
		PartyName:   "Asha Rao",
		TotalAmount: decimal.RequireFromString("6195"),
		ValidTill:   &valid,
	}
}

// ============================================================================
// Client
// ============================================================================

func TestEnqueueQuotationMail(t *testing.T) {
	enq := &fakeEnqueuer{}
	client := &Client{client: enq}

	require.NoError(t, client.EnqueueQuotationMail(context.Background(), samplePayload()))
	require.Len(t, enq.tasks, 1)
	assert.Equal(t, TaskQuotationMail, enq.tasks[0].Type())

	var decoded sales.QuotationMail
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &decoded))
	assert.Equal(t, "QUO-2026-001", decoded.QuotationNo)
	assert.True(t, decoded.TotalAmount.Equal(decimal.NewFromInt(6195)))

	enq.err = errors.New("redis down")
	assert.Error(t, client.EnqueueQuotationMail(context.Background(), samplePayload()))
}

// ============================================================================
// Quotation mail
// ============================================================================

func TestQuotationMailJobSends(t *testing.T) {
	sender := &fakeSender{}
	job := NewQuotationMailJob(sender, "", nil, testMetrics())
	task, err := NewQuotationMailTask(samplePayload())
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, "buyer@example.com", msg.To)
	assert.Equal(t, []string{"manager@example.com"}, msg.CC)
	assert.Equal(t, "Quotation QUO-2026-001", msg.Subject)
	assert.Contains(t, msg.Text, "Dear Asha Rao")
	assert.Contains(t, msg.Text, "INR 6,195.00")
	assert.Contains(t, msg.Text, "09 Apr 2026")
}

func TestQuotationMailJobSkipsRetryOnBadPayload(t *testing.T) {
	job := NewQuotationMailJob(&fakeSender{}, "", nil, testMetrics())

	err := job.Handle(context.Background(), asynq.NewTask(TaskQuotationMail, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	payload := samplePayload()
	payload.To = ""
	task, err := NewQuotationMailTask(payload)
	require.NoError(t, err)
	assert.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)
}

func TestQuotationMailJobReturnsSendError(t *testing.T) {
	sender := &fakeSender{err: errors.New("smtp refused")}
	job := NewQuotationMailJob(sender, "", nil, testMetrics())
	task, err := NewQuotationMailTask(samplePayload())
	require.NoError(t, err)

	err = job.Handle(context.Background(), task)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestQuotationMailJobJournalsEachAttempt(t *testing.T) {
	payload := samplePayload()
	task, err := NewQuotationMailTask(payload)
	require.NoError(t, err)
	journal := &fakeJournal{}
	sender := &fakeSender{}
	job := NewQuotationMailJob(sender, "", nil, testMetrics())
	job.Journal = journal

	require.NoError(t, job.Handle(context.Background(), task))
	sender.err = errors.New("smtp refused")
	require.Error(t, job.Handle(context.Background(), task))

	require.Len(t, journal.entries, 2)
	sent := journal.entries[0]
	assert.Equal(t, sales.EmailQuotation, sent.Type)
	assert.Equal(t, sales.EmailSent, sent.Status)
	assert.Equal(t, "buyer@example.com", sent.Recipient)
	assert.Equal(t, []string{"manager@example.com"}, sent.CC)
	assert.Equal(t, "Quotation QUO-2026-001", sent.Subject)
	assert.Contains(t, sent.Body, "Dear Asha Rao")
	assert.Equal(t, pipeline.EntityQuotation, sent.RelatedEntity)
	require.NotNil(t, sent.RelatedID)
	assert.Equal(t, payload.QuotationID, *sent.RelatedID)
	assert.Empty(t, sent.Error)

	failed := journal.entries[1]
	assert.Equal(t, sales.EmailFailed, failed.Status)
	assert.Equal(t, "smtp refused", failed.Error)
}

func TestQuotationMailJobSurvivesJournalFailure(t *testing.T) {
	task, err := NewQuotationMailTask(samplePayload())
	require.NoError(t, err)
	sender := &fakeSender{}
	job := NewQuotationMailJob(sender, "", nil, testMetrics())
	job.Journal = &fakeJournal{err: errors.New("db down")}

	require.NoError(t, job.Handle(context.Background(), task))
	assert.Len(t, sender.sent, 1)
}

// ============================================================================
// Follow-up reminders
// ============================================================================

func TestFollowupReminderJobGroupsByAssignee(t *testing.T) {
	now := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)
	staff := &users.User{ID: uuid.New(), Email: "staff@example.com", Name: "Ravi", Role: shared.RoleStaff, IsActive: true}
	inactive := &users.User{ID: uuid.New(), Email: "gone@example.com", Name: "Old", Role: shared.RoleStaff}
	missing := uuid.New()
	next := now.Add(3 * time.Hour)

	source := &fakeFollowups{due: []sales.UpcomingFollowup{
		{Followup: sales.Followup{NextFollowupDate: &next}, LeadNo: "LEAD-2026-001", PartyName: "Asha Rao", AssignedTo: &staff.ID},
		{Followup: sales.Followup{NextFollowupDate: &next}, LeadNo: "LEAD-2026-002", PartyName: "Meera Iyer", AssignedTo: &staff.ID},
		{Followup: sales.Followup{NextFollowupDate: &next}, LeadNo: "LEAD-2026-003", PartyName: "Unassigned"},
		{Followup: sales.Followup{NextFollowupDate: &next}, LeadNo: "LEAD-2026-004", PartyName: "Inactive", AssignedTo: &inactive.ID},
		{Followup: sales.Followup{NextFollowupDate: &next}, LeadNo: "LEAD-2026-005", PartyName: "Missing", AssignedTo: &missing},
	}}
	sender := &fakeSender{}
	job := NewFollowupReminderJob(source, fakeUsers{staff.ID: staff, inactive.ID: inactive}, sender, nil, testMetrics())
	job.clock = func() time.Time { return now }

	task, err := NewFollowupRemindersTask(12)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	assert.Equal(t, now, source.from)
	assert.Equal(t, now.Add(12*time.Hour), source.to)
	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, "staff@example.com", msg.To)
	assert.Equal(t, "2 follow-up(s) due", msg.Subject)
	assert.Contains(t, msg.Text, "LEAD-2026-001 (Asha Rao) on 10 Mar 2026 09:00")
	assert.Contains(t, msg.Text, "LEAD-2026-002")
}

func TestFollowupReminderJobDefaultsWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)
	source := &fakeFollowups{}
	job := NewFollowupReminderJob(source, fakeUsers{}, &fakeSender{}, nil, testMetrics())
	job.clock = func() time.Time { return now }

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskFollowupReminders, nil)))
	assert.Equal(t, now.Add(24*time.Hour), source.to)
}

func TestFollowupReminderJobReportsSendFailures(t *testing.T) {
	staff := &users.User{ID: uuid.New(), Email: "staff@example.com", Name: "Ravi", Role: shared.RoleStaff, IsActive: true}
	next := time.Now().Add(time.Hour)
	source := &fakeFollowups{due: []sales.UpcomingFollowup{
		{Followup: sales.Followup{NextFollowupDate: &next}, LeadNo: "LEAD-2026-001", AssignedTo: &staff.ID},
	}}
	job := NewFollowupReminderJob(source, fakeUsers{staff.ID: staff}, &fakeSender{err: errors.New("smtp down")}, nil, testMetrics())

	assert.Error(t, job.Handle(context.Background(), asynq.NewTask(TaskFollowupReminders, nil)))
}

func TestFollowupReminderJobJournalsReminders(t *testing.T) {
	staff := &users.User{ID: uuid.New(), Email: "staff@example.com", Name: "Ravi", Role: shared.RoleStaff, IsActive: true}
	next := time.Now().Add(time.Hour)
	source := &fakeFollowups{due: []sales.UpcomingFollowup{
		{Followup: sales.Followup{NextFollowupDate: &next}, LeadNo: "LEAD-2026-001", AssignedTo: &staff.ID},
	}}
	journal := &fakeJournal{}
	job := NewFollowupReminderJob(source, fakeUsers{staff.ID: staff}, &fakeSender{}, nil, testMetrics())
	job.Journal = journal

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskFollowupReminders, nil)))
	require.Len(t, journal.entries, 1)
	entry := journal.entries[0]
	assert.Equal(t, sales.EmailReminder, entry.Type)
	assert.Equal(t, sales.EmailSent, entry.Status)
	assert.Equal(t, "staff@example.com", entry.Recipient)
	assert.Equal(t, "1 follow-up(s) due", entry.Subject)
	assert.Nil(t, entry.RelatedID)
}

// ============================================================================
// Housekeeping
// ============================================================================

func TestIdempotencyCleanupJob(t *testing.T) {
	cleaner := &fakeCleaner{}
	job := NewIdempotencyCleanupJob(cleaner, nil, testMetrics())

	task, err := NewIdempotencyCleanupTask(48)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, 48*time.Hour, cleaner.retention)

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, nil)))
	assert.Equal(t, 72*time.Hour, cleaner.retention)

	err = job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, []byte("nope")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

// ============================================================================
// Worker + health
// ============================================================================

func TestNewWorkerRejectsBadCron(t *testing.T) {
	task, err := NewFollowupRemindersTask(24)
	require.NoError(t, err)

	_, err = NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: "127.0.0.1:0"},
		Cron:      []CronRegistration{{Spec: "not a cron", Task: task}},
	})
	assert.Error(t, err)
}

func TestHealthWithoutInspector(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(nil, nil).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body queueHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, QueueDefault, body.Queue)
	assert.Zero(t, body.Pending)
}
