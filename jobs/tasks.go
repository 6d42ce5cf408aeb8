package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueMail carries transactional emails.
	QueueMail = "mail"

	// TaskSendCredentials emails login credentials to a provisioned account.
	TaskSendCredentials = "mail:credentials"
	// TaskSendVerificationCode emails a sign-up verification code.
	TaskSendVerificationCode = "mail:verification_code"
	// TaskNotifyRegistration tells box admins about a pending self-registration.
	TaskNotifyRegistration = "mail:registration_pending"
	// TaskCleanupVerificationCodes purges expired or consumed verification codes.
	TaskCleanupVerificationCodes = "cleanup:verification_codes"
	// TaskCleanupSessions purges expired provider sessions.
	TaskCleanupSessions = "cleanup:auth_sessions"
)

// CredentialsPayload describes a credentials email. Password is empty when an
// existing account was attached instead of created.
type CredentialsPayload struct {
	To          string `json:"to"`
	Name        string `json:"name"`
	Password    string `json:"password,omitempty"`
	CompanyName string `json:"company_name"`
	Role        string `json:"role"`
	LoginURL    string `json:"login_url"`
}

// VerificationPayload describes a verification code email.
type VerificationPayload struct {
	To        string `json:"to"`
	Name      string `json:"name,omitempty"`
	Code      string `json:"code"`
	ExpiresIn int    `json:"expires_in_minutes"`
}

// RegistrationPayload describes the admin notice for a pending registration.
type RegistrationPayload struct {
	To           []string `json:"to"`
	CompanyName  string   `json:"company_name"`
	AthleteName  string   `json:"athlete_name"`
	AthleteEmail string   `json:"athlete_email"`
	ReviewURL    string   `json:"review_url"`
}

// NewCredentialsTask constructs an Asynq task.
func NewCredentialsTask(payload CredentialsPayload) (*asynq.Task, error) {
	return newTask(TaskSendCredentials, payload)
}

// NewVerificationTask constructs an Asynq task.
func NewVerificationTask(payload VerificationPayload) (*asynq.Task, error) {
	return newTask(TaskSendVerificationCode, payload)
}

// NewRegistrationTask constructs an Asynq task.
func NewRegistrationTask(payload RegistrationPayload) (*asynq.Task, error) {
	return newTask(TaskNotifyRegistration, payload)
}

// NewCleanupTask constructs a payload-less cleanup task.
func NewCleanupTask(taskType string) *asynq.Task {
	return asynq.NewTask(taskType, nil)
}

func newTask(taskType string, payload any) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data), nil
}
