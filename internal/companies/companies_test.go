package companies

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRepo struct {
	companies map[int64]Company
}

func (s stubRepo) Get(_ context.Context, id int64) (Company, error) {
	c, ok := s.companies[id]
	if !ok {
		return Company{}, ErrNotFound
	}
	return c, nil
}

func (s stubRepo) OwnedBy(_ context.Context, userID int64) ([]Company, error) {
	var out []Company
	for _, c := range s.companies {
		if c.OwnerUserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func at(t time.Time) *time.Time { return &t }

func TestAcceptsRegistrations(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	yesterday := now.Add(-24 * time.Hour)
	nextWeek := now.Add(7 * 24 * time.Hour)

	cases := []struct {
		name    string
		company Company
		want    bool
	}{
		{"trial ended yesterday", Company{Status: StatusTrial, TrialEndsAt: at(yesterday)}, false},
		{"mid trial", Company{Status: StatusTrial, TrialEndsAt: at(nextWeek)}, true},
		{"trial without end date", Company{Status: StatusTrial}, false},
		{"trial ends now", Company{Status: StatusTrial, TrialEndsAt: at(now)}, false},
		{"active open ended", Company{Status: StatusActive}, true},
		{"active not expired", Company{Status: StatusActive, SubscriptionEndsAt: at(nextWeek)}, true},
		{"active expired", Company{Status: StatusActive, SubscriptionEndsAt: at(yesterday)}, false},
		{"inactive", Company{Status: StatusInactive}, false},
		{"unknown status", Company{Status: "frozen"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.company.AcceptsRegistrations(now))
		})
	}
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "cross-box-sao-joao", Slugify("  Cross Box São João! "))
	assert.Equal(t, "forca-acao-2", Slugify("Força & Ação 2"))
	assert.Equal(t, "box", Slugify("!!!"))
	assert.LessOrEqual(t, len(Slugify(strings.Repeat("ab ", 40))), maxSlugLength+1)
}

func TestOpenForRegistration(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc := NewService(stubRepo{companies: map[int64]Company{
		1: {ID: 1, Status: StatusTrial, TrialEndsAt: at(now.Add(-time.Hour))},
		2: {ID: 2, Status: StatusTrial, TrialEndsAt: at(now.Add(time.Hour))},
	}}, 0)
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := svc.OpenForRegistration(ctx, 1)
	assert.ErrorIs(t, err, ErrNotAccepting)

	c, err := svc.OpenForRegistration(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.ID)

	_, err = svc.OpenForRegistration(ctx, 3)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.OpenForRegistration(ctx, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewTrial(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc := NewService(stubRepo{}, 0)
	svc.now = func() time.Time { return now }

	c := svc.NewTrial(" Box Ribeira ", " Dono@Box.PT ", 7)
	assert.Equal(t, "Box Ribeira", c.Name)
	assert.Equal(t, "box-ribeira", c.Slug)
	assert.Equal(t, "dono@box.pt", c.Email)
	assert.Equal(t, StatusTrial, c.Status)
	require.NotNil(t, c.TrialEndsAt)
	assert.Equal(t, now.Add(14*24*time.Hour), *c.TrialEndsAt)
	assert.True(t, c.AcceptsRegistrations(now))
	assert.False(t, c.AcceptsRegistrations(now.Add(15*24*time.Hour)))
}
