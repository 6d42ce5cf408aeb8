package jobs

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/cagiotech/cagiotech/internal/jobs"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var mailTemplates = template.Must(template.New("mail").ParseFS(templateFS, "templates/*.tmpl"))

// Render executes the named template pair into a Message.
func Render(name string, to []string, data any) (Message, error) {
	var subject, body bytes.Buffer
	if err := mailTemplates.ExecuteTemplate(&subject, name+".subject", data); err != nil {
		return Message{}, fmt.Errorf("render %s subject: %w", name, err)
	}
	if err := mailTemplates.ExecuteTemplate(&body, name+".body", data); err != nil {
		return Message{}, fmt.Errorf("render %s body: %w", name, err)
	}
	return Message{
		To:      to,
		Subject: strings.TrimSpace(subject.String()),
		Body:    strings.TrimLeft(body.String(), "\n"),
	}, nil
}

// MailJob renders and delivers transactional emails.
type MailJob struct {
	Transport Transport
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewMailJob initialises the mail handlers.
func NewMailJob(transport Transport, logger *slog.Logger, metrics *jobmetrics.Metrics) *MailJob {
	return &MailJob{Transport: transport, Logger: logger, Metrics: metrics}
}

// Handlers lists the task handlers served by the job.
func (j *MailJob) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskSendCredentials, Handler: j.HandleCredentials},
		{Type: TaskSendVerificationCode, Handler: j.HandleVerificationCode},
		{Type: TaskNotifyRegistration, Handler: j.HandleRegistration},
	}
}

// HandleCredentials processes TaskSendCredentials tasks.
func (j *MailJob) HandleCredentials(ctx context.Context, t *asynq.Task) error {
	var payload CredentialsPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	return j.deliver(ctx, TaskSendCredentials, "credentials", []string{payload.To}, payload)
}

// HandleVerificationCode processes TaskSendVerificationCode tasks.
func (j *MailJob) HandleVerificationCode(ctx context.Context, t *asynq.Task) error {
	var payload VerificationPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	return j.deliver(ctx, TaskSendVerificationCode, "verification_code", []string{payload.To}, payload)
}

// HandleRegistration processes TaskNotifyRegistration tasks.
func (j *MailJob) HandleRegistration(ctx context.Context, t *asynq.Task) error {
	var payload RegistrationPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	return j.deliver(ctx, TaskNotifyRegistration, "registration_pending", payload.To, payload)
}

func (j *MailJob) deliver(ctx context.Context, task, tmpl string, to []string, data any) (resultErr error) {
	if j == nil || j.Transport == nil {
		return errors.New("mail job: transport not configured")
	}
	tracker := j.Metrics.Track(task)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	recipients := make([]string, 0, len(to))
	for _, addr := range to {
		if addr = strings.TrimSpace(addr); addr != "" {
			recipients = append(recipients, addr)
		}
	}
	logger := j.logger().With(slog.String("task", task), slog.Int("recipients", len(recipients)))
	if len(recipients) == 0 {
		logger.Warn("mail skipped, no recipients")
		return fmt.Errorf("%s: no recipients: %w", task, asynq.SkipRetry)
	}

	msg, err := Render(tmpl, recipients, data)
	if err != nil {
		logger.Error("render mail", slog.Any("error", err))
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if err := j.Transport.Send(ctx, msg); err != nil {
		logger.Error("send mail", slog.Any("error", err))
		return err
	}
	j.Metrics.EmailSent(tmpl)
	logger.Info("mail sent")
	return nil
}

func (j *MailJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
