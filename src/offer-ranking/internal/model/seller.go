package model

import "time"

type SellerStatus string

const (
	SellerActive     SellerStatus = "ACTIVE"
	SellerWarned     SellerStatus = "WARNED"
	SellerSuppressed SellerStatus = "SUPPRESSED"
	SellerSuspended  SellerStatus = "SUSPENDED"
)

// Severity orders statuses from ACTIVE (0) to SUSPENDED (3).
func (s SellerStatus) Severity() int {
	switch s {
	case SellerWarned:
		return 1
	case SellerSuppressed:
		return 2
	case SellerSuspended:
		return 3
	default:
		return 0
	}
}

// Gated reports whether offers of a seller in this status are barred from ranking.
func (s SellerStatus) Gated() bool {
	return s == SellerSuppressed || s == SellerSuspended
}

// Relaxed returns the status one level below s.
func (s SellerStatus) Relaxed() SellerStatus {
	switch s {
	case SellerSuspended:
		return SellerSuppressed
	case SellerSuppressed:
		return SellerWarned
	default:
		return SellerActive
	}
}

type SellerTier string

const (
	TierNew      SellerTier = "NEW"
	TierStandard SellerTier = "STANDARD"
	TierTopRated SellerTier = "TOP_RATED"
)

type Verdict string

const (
	VerdictHealthy   Verdict = "HEALTHY"
	VerdictWarning   Verdict = "WARNING"
	VerdictSuspended Verdict = "SUSPENDED"
)

// Severity places verdicts on the same scale as SellerStatus.Severity.
func (v Verdict) Severity() int {
	switch v {
	case VerdictWarning:
		return 1
	case VerdictSuspended:
		return 3
	default:
		return 0
	}
}

// SellerAccount is the latest-value governance record for a seller. Version
// increases on every write and is used for optimistic concurrency.
type SellerAccount struct {
	SellerID         string       `json:"seller_id" bson:"_id" firestore:"seller_id"`
	Status           SellerStatus `json:"status" bson:"status" firestore:"status"`
	Tier             SellerTier   `json:"tier" bson:"tier" firestore:"tier"`
	LatestSnapshotID string       `json:"latest_snapshot_id,omitempty" bson:"latest_snapshot_id,omitempty" firestore:"latest_snapshot_id"`
	LastVerdict      Verdict      `json:"last_verdict" bson:"last_verdict" firestore:"last_verdict"`
	LowConfidence    bool         `json:"low_confidence" bson:"low_confidence" firestore:"low_confidence"`

	// ImprovingStreak counts consecutive snapshots whose verdict was better
	// than the current status; BreachStreak counts consecutive breaching ones.
	ImprovingStreak int `json:"improving_streak" bson:"improving_streak" firestore:"improving_streak"`
	BreachStreak    int `json:"breach_streak" bson:"breach_streak" firestore:"breach_streak"`

	Version         int64     `json:"version" bson:"version" firestore:"version"`
	StatusChangedAt time.Time `json:"status_changed_at" bson:"status_changed_at" firestore:"status_changed_at"`
	UpdatedAt       time.Time `json:"updated_at" bson:"updated_at" firestore:"updated_at"`
}

// NewSellerAccount returns the implicit account of a seller never evaluated before.
func NewSellerAccount(sellerID string, now time.Time) SellerAccount {
	return SellerAccount{
		SellerID:        sellerID,
		Status:          SellerActive,
		Tier:            TierNew,
		LastVerdict:     VerdictHealthy,
		LowConfidence:   true,
		StatusChangedAt: now,
		UpdatedAt:       now,
	}
}
