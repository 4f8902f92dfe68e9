package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	jobmetrics "github.com/odyssey-erp/salesflow/internal/jobs"
	"github.com/odyssey-erp/salesflow/internal/platform/mail"
	"github.com/odyssey-erp/salesflow/internal/sales"
	"github.com/odyssey-erp/salesflow/internal/sales/pipeline"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// MailSender delivers one rendered message.
type MailSender interface {
	Send(ctx context.Context, m mail.Message) error
}

// QuotationMailJob renders and sends quotation e-mails.
type QuotationMailJob struct {
	Sender  MailSender
	Journal EmailJournal
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	printer *message.Printer
}

// NewQuotationMailJob builds the job. Amounts are formatted for locale, en-IN when empty.
func NewQuotationMailJob(sender MailSender, locale string, logger *slog.Logger, metrics *jobmetrics.Metrics) *QuotationMailJob {
	tag := language.Make("en-IN")
	if locale != "" {
		tag = language.Make(locale)
	}
	return &QuotationMailJob{Sender: sender, Logger: logger, Metrics: metrics, printer: message.NewPrinter(tag)}
}

// Handle processes TaskQuotationMail tasks.
func (j *QuotationMailJob) Handle(ctx context.Context, task *asynq.Task) (err error) {
	tracker := j.metrics().Track(TaskQuotationMail)
	defer func() {
		err = tracker.End(err)
	}()

	var payload sales.QuotationMail
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode quotation mail payload: %w", asynq.SkipRetry)
	}
	if payload.To == "" || payload.QuotationNo == "" {
		return fmt.Errorf("quotation mail without recipient or number: %w", asynq.SkipRetry)
	}
	if j.Sender == nil {
		return errors.New("quotation mail: sender not configured")
	}

	logger := j.logger().With(slog.String("quotation_no", payload.QuotationNo))
	msg := j.Render(payload)
	sendErr := j.Sender.Send(ctx, msg)
	j.metrics().MailSent(sendErr)
	quotationID := payload.QuotationID
	journalEmail(ctx, j.Journal, logger, sales.EmailLog{
		Type:          sales.EmailQuotation,
		RelatedEntity: pipeline.EntityQuotation,
		RelatedID:     &quotationID,
	}, msg, sendErr)
	if sendErr != nil {
		logger.Error("send quotation mail", slog.Any("error", sendErr))
		return sendErr
	}
	logger.Info("quotation mail sent", slog.String("to", payload.To), slog.Int("cc", len(payload.CC)))
	return nil
}

// Render builds the message for payload.
func (j *QuotationMailJob) Render(payload sales.QuotationMail) mail.Message {
	amount := j.formatAmount(payload)
	var b strings.Builder
	fmt.Fprintf(&b, "Dear %s,\n\n", payload.PartyName)
	fmt.Fprintf(&b, "Please find our quotation %s for a total of %s.\n", payload.QuotationNo, amount)
	if payload.ValidTill != nil {
		fmt.Fprintf(&b, "The quotation is valid till %s.\n", payload.ValidTill.Format("02 Jan 2006"))
	}
	b.WriteString("\nReply to this e-mail to accept or discuss the offer.\n")
	return mail.Message{
		To:      payload.To,
		CC:      payload.CC,
		Subject: fmt.Sprintf("Quotation %s", payload.QuotationNo),
		Text:    b.String(),
	}
}

func (j *QuotationMailJob) formatAmount(payload sales.QuotationMail) string {
	p := j.printer
	if p == nil {
		p = message.NewPrinter(language.Make("en-IN"))
	}
	return "INR " + p.Sprintf("%.2f", payload.TotalAmount.Round(2).InexactFloat64())
}

func (j *QuotationMailJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskQuotationMail))
	}
	return slog.Default().With(slog.String("job", TaskQuotationMail))
}

func (j *QuotationMailJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
