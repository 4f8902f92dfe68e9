package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/salesflow/internal/audit"
	audithttp "github.com/odyssey-erp/salesflow/internal/audit/http"
	jobmetrics "github.com/odyssey-erp/salesflow/internal/jobs"
	"github.com/odyssey-erp/salesflow/internal/observability"
	"github.com/odyssey-erp/salesflow/internal/platform/cache"
	"github.com/odyssey-erp/salesflow/internal/platform/db"
	"github.com/odyssey-erp/salesflow/internal/platform/mail"
	"github.com/odyssey-erp/salesflow/internal/platform/phone"
	"github.com/odyssey-erp/salesflow/internal/platform/storage"
	"github.com/odyssey-erp/salesflow/internal/sales"
	"github.com/odyssey-erp/salesflow/internal/sales/pipeline"
	"github.com/odyssey-erp/salesflow/internal/sequence"
	"github.com/odyssey-erp/salesflow/internal/shared"
	"github.com/odyssey-erp/salesflow/internal/users"
	"github.com/odyssey-erp/salesflow/jobs"
)

// Container owns the process-wide collaborators shared by the API server and
// the worker.
type Container struct {
	Config      *Config
	Logger      *slog.Logger
	Pool        *pgxpool.Pool
	Redis       *redis.Client
	Metrics     *observability.Metrics
	JobMetrics  *jobmetrics.Metrics
	Users       *users.Service
	Sales       *sales.Service
	Audit       *audit.Service
	Idempotency *shared.IdempotencyStore
	Queue       *jobs.Client
	Files       *storage.MinIOStore
	Mailer      *mail.SMTPSender

	closers []func() error
}

// NewContainer connects to Postgres and Redis and wires the services.
func NewContainer(ctx context.Context, cfg *Config, logger *slog.Logger) (*Container, error) {
	c := &Container{Config: cfg, Logger: logger}
	if err := c.init(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Container) init(ctx context.Context) error {
	cfg := c.Config

	pool, err := db.New(ctx, cfg.PGDSN, cfg.Postgres("app"))
	if err != nil {
		return err
	}
	c.Pool = pool
	c.closers = append(c.closers, func() error { pool.Close(); return nil })

	if needsRedis(cfg) {
		client, err := cache.New(ctx, cfg.Redis())
		if err != nil {
			return err
		}
		c.Redis = client
		c.closers = append(c.closers, client.Close)
	}

	c.Metrics = observability.NewMetrics()
	c.JobMetrics = jobmetrics.NewMetrics(c.Metrics.Registerer())

	policy, err := pipeline.PolicyByName(cfg.PipelinePolicy)
	if err != nil {
		return err
	}
	numbers, err := c.numberGenerator()
	if err != nil {
		return err
	}

	c.Users = users.NewService(users.NewRepository(pool))
	c.Idempotency = shared.NewIdempotencyStore(pool)
	c.Audit = audit.NewService(audit.NewRepository(pool))
	c.Queue = jobs.NewClient(cfg.Redis().Asynq())
	c.closers = append(c.closers, c.Queue.Close)

	if st := cfg.Storage(); st.Enabled() {
		store, err := storage.NewMinIOStore(st)
		if err != nil {
			return err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			c.Logger.Warn("purchase order bucket unavailable", slog.Any("error", err))
		}
		c.Files = store
	}

	mailer, err := mail.NewSMTPSender(cfg.SMTP())
	switch {
	case errors.Is(err, mail.ErrNotConfigured):
		c.Logger.Warn("smtp not configured, quotation mails will fail")
	case err != nil:
		return err
	default:
		c.Mailer = mailer
	}

	svcCfg := sales.ServiceConfig{
		Policy:   policy,
		Numbers:  numbers,
		Users:    c.Users,
		Mail:     c.Queue,
		Phone:    phone.NewNormalizer(cfg.PhoneRegion).E164,
		Observer: c.Metrics,
		Logger:   c.Logger,
	}
	if c.Files != nil {
		svcCfg.Files = c.Files
	}
	c.Sales = sales.NewService(sales.NewRepository(pool), svcCfg)
	return nil
}

func needsRedis(cfg *Config) bool {
	return strings.EqualFold(cfg.SequenceBackend, SequenceRedis)
}

func (c *Container) numberGenerator() (*sequence.Generator, error) {
	metrics := sequence.NewMetrics(c.Metrics.Registerer())
	var allocator sequence.Allocator
	switch strings.ToLower(c.Config.SequenceBackend) {
	case SequencePostgres:
		allocator = sequence.NewPostgresAllocator(c.Pool)
	case SequenceRedis:
		allocator = sequence.NewDurableRedisAllocator(c.Redis, sequence.NewPostgresAllocator(c.Pool))
	case SequenceMemory:
		allocator = sequence.NewMemoryAllocator()
	default:
		return nil, fmt.Errorf("unknown sequence backend %q", c.Config.SequenceBackend)
	}
	return sequence.NewGenerator(allocator, sequence.WithMetrics(metrics)), nil
}

// Router builds the HTTP API.
func (c *Container) Router(inspector *asynq.Inspector) http.Handler {
	return NewRouter(RouterParams{
		Logger:       c.Logger,
		Config:       c.Config,
		SalesHandler: sales.NewHandler(c.Logger, c.Sales, c.Idempotency),
		UsersHandler: users.NewHandler(c.Logger, c.Users),
		AuditHandler: audithttp.NewHandler(c.Logger, c.Audit),
		JobHandler:   jobs.NewHandler(inspector, c.Logger),
		Metrics:      c.Metrics,
		Database:     c.Pool,
	})
}

// Worker builds the background worker with every salesflow job registered.
func (c *Container) Worker() (*jobs.Worker, error) {
	cfg := c.Config
	var sender jobs.MailSender
	if c.Mailer != nil {
		sender = c.Mailer
	}
	mailJob := jobs.NewQuotationMailJob(sender, cfg.AmountLocale, c.Logger, c.JobMetrics)
	mailJob.Journal = c.Sales
	reminderJob := jobs.NewFollowupReminderJob(c.Sales, c.Users, sender, c.Logger, c.JobMetrics)
	reminderJob.Journal = c.Sales
	cleanupJob := jobs.NewIdempotencyCleanupJob(c.Idempotency, c.Logger, c.JobMetrics)

	reminderTask, err := jobs.NewFollowupRemindersTask(cfg.ReminderWindowHours)
	if err != nil {
		return nil, err
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(cfg.IdempotencyRetention)
	if err != nil {
		return nil, err
	}

	return jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cfg.Redis().Asynq(),
		Logger:      c.Logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskQuotationMail, Handler: mailJob.Handle},
			{Type: jobs.TaskFollowupReminders, Handler: reminderJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ReminderCron, Task: reminderTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.CleanupCron, Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
}

// Close releases connections in reverse order of acquisition.
func (c *Container) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && c.Logger != nil {
			c.Logger.Warn("close resource", slog.Any("error", err))
		}
	}
	c.closers = nil
}
