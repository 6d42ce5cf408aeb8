package companies

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the company does not exist.
	ErrNotFound = errors.New("company not found")
	// ErrNotAccepting is returned when a company's trial or subscription has lapsed.
	ErrNotAccepting = errors.New("company is not accepting registrations")
)

// Status is the subscription state of a company.
type Status string

const (
	StatusTrial    Status = "trial"
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Company represents a box using the platform.
type Company struct {
	ID                 int64      `json:"id"`
	Name               string     `json:"name"`
	Slug               string     `json:"slug"`
	Email              string     `json:"email"`
	Phone              string     `json:"phone"`
	NIF                string     `json:"nif"`
	Address            string     `json:"address"`
	Status             Status     `json:"status"`
	TrialEndsAt        *time.Time `json:"trial_ends_at,omitempty"`
	SubscriptionEndsAt *time.Time `json:"subscription_ends_at,omitempty"`
	OwnerUserID        int64      `json:"owner_user_id"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// AcceptsRegistrations reports whether public self-registration is open.
// A trial must not have ended; an active subscription must not have lapsed
// (no end date means open-ended).
func (c Company) AcceptsRegistrations(now time.Time) bool {
	switch c.Status {
	case StatusTrial:
		return c.TrialEndsAt != nil && now.Before(*c.TrialEndsAt)
	case StatusActive:
		return c.SubscriptionEndsAt == nil || now.Before(*c.SubscriptionEndsAt)
	default:
		return false
	}
}
