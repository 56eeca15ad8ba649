// Package enforcement runs the per-seller enforcement state machine:
// ACTIVE -> WARNED -> SUPPRESSED -> SUSPENDED and back, one level at a time.
package enforcement

import (
	"github.com/fixzit/marketplace/src/offer-ranking/internal/config"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/health"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
)

// Step folds one evaluated snapshot into an account and returns the next
// account state plus a reason when the status changed. It does not touch
// Version or timestamps.
//
// Worsening: a first breach from ACTIVE only warns, whatever its severity. A
// SUSPENDED verdict while WARNED or SUPPRESSED suspends, and WARNING verdicts
// on SuppressAfterBreaches consecutive snapshots while WARNED suppress.
// Improving: RelaxAfter consecutive snapshots with a verdict better than the
// status relax it by exactly one level. Low-confidence snapshots hold the
// status and both streaks.
func Step(acct model.SellerAccount, snapshotID string, ev health.Evaluation, tier model.SellerTier, p config.Enforcement) (model.SellerAccount, string) {
	next := acct
	next.LatestSnapshotID = snapshotID
	next.LastVerdict = ev.Verdict
	next.LowConfidence = ev.LowConfidence
	next.Tier = tier

	if ev.LowConfidence {
		return next, ""
	}

	cur := acct.Status
	v := ev.Verdict

	if v.Severity() < cur.Severity() {
		next.ImprovingStreak++
	} else {
		next.ImprovingStreak = 0
	}
	if v != model.VerdictHealthy {
		next.BreachStreak++
	} else {
		next.BreachStreak = 0
	}

	var reason string
	switch {
	case cur == model.SellerActive && v != model.VerdictHealthy:
		next.Status = model.SellerWarned
		reason = "health breach"
	case (cur == model.SellerWarned || cur == model.SellerSuppressed) && v == model.VerdictSuspended:
		next.Status = model.SellerSuspended
		reason = "health suspended"
	case cur == model.SellerWarned && v == model.VerdictWarning && next.BreachStreak >= p.SuppressAfterBreaches:
		next.Status = model.SellerSuppressed
		reason = "repeated health warnings"
	case cur != model.SellerActive && next.ImprovingStreak >= p.RelaxAfter:
		next.Status = cur.Relaxed()
		reason = "health recovered"
	}

	if next.Status != cur {
		next.ImprovingStreak = 0
		next.BreachStreak = 0
	}
	return next, reason
}
