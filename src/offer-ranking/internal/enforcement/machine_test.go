package enforcement

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fixzit/marketplace/src/offer-ranking/internal/config"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/fixture"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/health"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
)

func TestStep(t *testing.T) {
	p := config.DefaultPolicy().Enforcement

	tests := []struct {
		name       string
		status     model.SellerStatus
		breach     int
		improving  int
		verdict    model.Verdict
		lowConf    bool
		wantStatus model.SellerStatus
		wantReason bool
	}{
		{"active stays active when healthy", model.SellerActive, 0, 0, model.VerdictHealthy, false, model.SellerActive, false},
		{"first warning only warns", model.SellerActive, 0, 0, model.VerdictWarning, false, model.SellerWarned, true},
		{"first suspended verdict only warns", model.SellerActive, 0, 0, model.VerdictSuspended, false, model.SellerWarned, true},
		{"warned escalates to suspended", model.SellerWarned, 0, 0, model.VerdictSuspended, false, model.SellerSuspended, true},
		{"suppressed escalates to suspended", model.SellerSuppressed, 1, 0, model.VerdictSuspended, false, model.SellerSuspended, true},
		{"single repeat warning holds", model.SellerWarned, 0, 0, model.VerdictWarning, false, model.SellerWarned, false},
		{"repeated warnings suppress", model.SellerWarned, 1, 0, model.VerdictWarning, false, model.SellerSuppressed, true},
		{"one healthy snapshot holds", model.SellerSuspended, 0, 0, model.VerdictHealthy, false, model.SellerSuspended, false},
		{"two healthy snapshots relax one level", model.SellerSuspended, 0, 1, model.VerdictHealthy, false, model.SellerSuppressed, true},
		{"warning verdict improves on suspended", model.SellerSuspended, 0, 1, model.VerdictWarning, false, model.SellerSuppressed, true},
		{"warned relaxes to active", model.SellerWarned, 0, 1, model.VerdictHealthy, false, model.SellerActive, true},
		{"low confidence holds", model.SellerWarned, 1, 1, model.VerdictHealthy, true, model.SellerWarned, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acct := fixture.Account("s1", tt.status)
			acct.BreachStreak = tt.breach
			acct.ImprovingStreak = tt.improving

			next, reason := Step(acct, "snap_x", health.Evaluation{Verdict: tt.verdict, LowConfidence: tt.lowConf}, model.TierStandard, p)

			assert.Equal(t, tt.wantStatus, next.Status)
			assert.Equal(t, tt.wantReason, reason != "")
			assert.Equal(t, "snap_x", next.LatestSnapshotID)
			assert.Equal(t, tt.verdict, next.LastVerdict)
			if tt.wantReason {
				assert.Zero(t, next.BreachStreak)
				assert.Zero(t, next.ImprovingStreak)
			}
			if tt.lowConf {
				assert.Equal(t, tt.breach, next.BreachStreak)
				assert.Equal(t, tt.improving, next.ImprovingStreak)
			}
		})
	}
}

func TestStepNeverSkipsALevelWhenRelaxing(t *testing.T) {
	p := config.DefaultPolicy().Enforcement
	acct := fixture.Account("s1", model.SellerSuspended)
	healthy := health.Evaluation{Verdict: model.VerdictHealthy}

	var seen []model.SellerStatus
	for i := 0; i < 8; i++ {
		var reason string
		acct, reason = Step(acct, "snap", healthy, model.TierStandard, p)
		if reason != "" {
			seen = append(seen, acct.Status)
		}
	}
	assert.Equal(t, []model.SellerStatus{model.SellerSuppressed, model.SellerWarned, model.SellerActive}, seen)
}
