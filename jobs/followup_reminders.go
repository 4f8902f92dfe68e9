package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/salesflow/internal/jobs"
	"github.com/odyssey-erp/salesflow/internal/platform/mail"
	"github.com/odyssey-erp/salesflow/internal/sales"
	"github.com/odyssey-erp/salesflow/internal/users"
)

// FollowupSource lists follow-ups falling due inside a window.
type FollowupSource interface {
	DueFollowups(ctx context.Context, from, to time.Time) ([]sales.UpcomingFollowup, error)
}

// UserLookup resolves the assignee a reminder goes to.
type UserLookup interface {
	GetUser(ctx context.Context, id uuid.UUID) (*users.User, error)
}

// FollowupReminderJob mails each assignee a digest of their due follow-ups.
type FollowupReminderJob struct {
	Followups FollowupSource
	Users     UserLookup
	Sender    MailSender
	Journal   EmailJournal
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics

	clock func() time.Time
}

// NewFollowupReminderJob builds the job.
func NewFollowupReminderJob(followups FollowupSource, dir UserLookup, sender MailSender, logger *slog.Logger, metrics *jobmetrics.Metrics) *FollowupReminderJob {
	return &FollowupReminderJob{Followups: followups, Users: dir, Sender: sender, Logger: logger, Metrics: metrics}
}

// Handle processes TaskFollowupReminders tasks.
func (j *FollowupReminderJob) Handle(ctx context.Context, task *asynq.Task) (err error) {
	tracker := j.metrics().Track(TaskFollowupReminders)
	defer func() {
		err = tracker.End(err)
	}()

	var payload FollowupRemindersPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("decode reminder payload: %w", asynq.SkipRetry)
		}
	}
	if payload.WindowHours <= 0 {
		payload.WindowHours = 24
	}
	if j.Followups == nil || j.Users == nil || j.Sender == nil {
		return errors.New("followup reminders: dependencies not configured")
	}

	now := j.now()
	due, err := j.Followups.DueFollowups(ctx, now, now.Add(time.Duration(payload.WindowHours)*time.Hour))
	if err != nil {
		return err
	}
	logger := j.logger().With(slog.Int("window_hours", payload.WindowHours))

	byAssignee := make(map[uuid.UUID][]sales.UpcomingFollowup)
	for _, f := range due {
		if f.AssignedTo == nil {
			logger.Debug("skip unassigned followup", slog.String("lead_no", f.LeadNo))
			continue
		}
		byAssignee[*f.AssignedTo] = append(byAssignee[*f.AssignedTo], f)
	}

	sent := 0
	var failures []error
	for _, assignee := range sortedAssignees(byAssignee) {
		user, err := j.Users.GetUser(ctx, assignee)
		if err != nil {
			if errors.Is(err, users.ErrNotFound) {
				logger.Warn("reminder assignee missing", slog.String("user_id", assignee.String()))
				continue
			}
			return err
		}
		if !user.IsActive || user.Email == "" {
			continue
		}
		msg := renderReminder(user, byAssignee[assignee])
		err = j.Sender.Send(ctx, msg)
		journalEmail(ctx, j.Journal, logger, sales.EmailLog{Type: sales.EmailReminder}, msg, err)
		if err != nil {
			logger.Error("send reminder", slog.String("user_id", assignee.String()), slog.Any("error", err))
			failures = append(failures, err)
			continue
		}
		sent++
	}
	j.metrics().AddReminders(sent)
	logger.Info("followup reminders dispatched", slog.Int("due", len(due)), slog.Int("sent", sent))
	return errors.Join(failures...)
}

func renderReminder(user *users.User, due []sales.UpcomingFollowup) mail.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s,\n\nThe following follow-ups are due:\n\n", user.Name)
	for _, f := range due {
		date := f.FollowupDate
		if f.NextFollowupDate != nil {
			date = *f.NextFollowupDate
		}
		fmt.Fprintf(&b, "- %s (%s) on %s\n", f.LeadNo, f.PartyName, date.Format("02 Jan 2006 15:04"))
	}
	return mail.Message{
		To:      user.Email,
		Subject: fmt.Sprintf("%d follow-up(s) due", len(due)),
		Text:    b.String(),
	}
}

func sortedAssignees(m map[uuid.UUID][]sales.UpcomingFollowup) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].String() < out[b].String() })
	return out
}

func (j *FollowupReminderJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskFollowupReminders))
	}
	return slog.Default().With(slog.String("job", TaskFollowupReminders))
}

func (j *FollowupReminderJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *FollowupReminderJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
