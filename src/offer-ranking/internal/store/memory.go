package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
)

// MemoryStore implements Store using in-memory storage.
type MemoryStore struct {
	mu          sync.RWMutex
	offers      map[string]model.Offer
	sellers     map[string]model.SellerAccount
	snapshots   map[string]model.MetricSnapshot
	snapLog     map[string][]string // seller -> snapshot ids, append order
	facts       map[string]model.BehavioralFact
	actions     map[string]model.EnforcementAction
	actionLog   []string
	transitions []model.StatusTransition
	appeals     map[string]model.Appeal
	appealLog   []string
	winners     map[string]model.WinnerRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		offers:    make(map[string]model.Offer),
		sellers:   make(map[string]model.SellerAccount),
		snapshots: make(map[string]model.MetricSnapshot),
		snapLog:   make(map[string][]string),
		facts:     make(map[string]model.BehavioralFact),
		actions:   make(map[string]model.EnforcementAction),
		appeals:   make(map[string]model.Appeal),
		winners:   make(map[string]model.WinnerRecord),
	}
}

// Offers

func (s *MemoryStore) UpsertOffer(ctx context.Context, o model.Offer) (*model.Offer, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.offers[o.ID]
	if ok && prev.Revision >= o.Revision {
		return nil, ErrStaleRevision
	}
	s.offers[o.ID] = o
	if !ok {
		return nil, nil
	}
	return &prev, nil
}

func (s *MemoryStore) GetOffer(ctx context.Context, offerID string) (model.Offer, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.offers[offerID]
	if !ok {
		return model.Offer{}, ErrNotFound
	}
	return o, nil
}

func (s *MemoryStore) DeleteOffer(ctx context.Context, offerID string) (model.Offer, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[offerID]
	if !ok {
		return model.Offer{}, ErrNotFound
	}
	delete(s.offers, offerID)
	return o, nil
}

func (s *MemoryStore) ListOffersByItem(ctx context.Context, catalogItemID string) ([]model.Offer, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Offer
	for _, o := range s.offers {
		if o.CatalogItemID == catalogItemID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListItemIDs(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := make(map[string]struct{})
	for _, o := range s.offers {
		set[o.CatalogItemID] = struct{}{}
	}
	return sortedKeys(set), nil
}

func (s *MemoryStore) ListItemIDsBySeller(ctx context.Context, sellerID string) ([]string, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := make(map[string]struct{})
	for _, o := range s.offers {
		if o.SellerID == sellerID {
			set[o.CatalogItemID] = struct{}{}
		}
	}
	return sortedKeys(set), nil
}

func (s *MemoryStore) MarkOfferRanking(ctx context.Context, offerID string, asOfRevision int64, eligible bool, score float64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[offerID]
	if !ok || o.Revision != asOfRevision {
		return nil
	}
	o.RankingEligible = eligible
	o.RankingScore = score
	o.RankingAsOfRev = asOfRevision
	s.offers[offerID] = o
	return nil
}

// Sellers

func (s *MemoryStore) GetSellerAccount(ctx context.Context, sellerID string) (model.SellerAccount, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.sellers[sellerID]
	if !ok {
		return model.SellerAccount{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) SaveSellerAccount(ctx context.Context, acct model.SellerAccount, expectedVersion int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sellers[acct.SellerID]
	switch {
	case !ok && expectedVersion != 0:
		return ErrVersionConflict
	case ok && cur.Version != expectedVersion:
		return ErrVersionConflict
	}
	s.sellers[acct.SellerID] = acct
	return nil
}

func (s *MemoryStore) ListSellerIDs(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := make(map[string]struct{}, len(s.sellers))
	for id := range s.sellers {
		set[id] = struct{}{}
	}
	return sortedKeys(set), nil
}

// Snapshots

func (s *MemoryStore) AppendSnapshot(ctx context.Context, snap model.MetricSnapshot) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[snap.ID]; ok {
		return ErrDuplicate
	}
	s.snapshots[snap.ID] = snap
	s.snapLog[snap.SellerID] = append(s.snapLog[snap.SellerID], snap.ID)
	return nil
}

func (s *MemoryStore) GetSnapshot(ctx context.Context, snapshotID string) (model.MetricSnapshot, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[snapshotID]
	if !ok {
		return model.MetricSnapshot{}, ErrNotFound
	}
	return snap, nil
}

func (s *MemoryStore) LatestSnapshot(ctx context.Context, sellerID string) (model.MetricSnapshot, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.snapLog[sellerID]
	if len(ids) == 0 {
		return model.MetricSnapshot{}, ErrNotFound
	}
	return s.snapshots[ids[len(ids)-1]], nil
}

func (s *MemoryStore) ListSnapshots(ctx context.Context, sellerID string, limit int) ([]model.MetricSnapshot, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.snapLog[sellerID]
	var out []model.MetricSnapshot
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, s.snapshots[ids[i]])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Facts

func (s *MemoryStore) SaveFact(ctx context.Context, f model.BehavioralFact) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.facts[f.IdempotencyKey]; ok {
		return false, nil
	}
	s.facts[f.IdempotencyKey] = f
	return true, nil
}

func (s *MemoryStore) ListFacts(ctx context.Context, sellerID string, from, to time.Time) ([]model.BehavioralFact, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.BehavioralFact
	for _, f := range s.facts {
		if f.SellerID == sellerID && f.OccurredAt.After(from) && !f.OccurredAt.After(to) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].IdempotencyKey < out[j].IdempotencyKey
	})
	return out, nil
}

func (s *MemoryStore) ListFactSellerIDs(ctx context.Context, since time.Time) ([]string, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := make(map[string]struct{})
	for _, f := range s.facts {
		if !f.OccurredAt.Before(since) {
			set[f.SellerID] = struct{}{}
		}
	}
	return sortedKeys(set), nil
}

// Governance

func (s *MemoryStore) AppendAction(ctx context.Context, a model.EnforcementAction) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actions[a.ID]; ok {
		return ErrDuplicate
	}
	s.actions[a.ID] = a
	s.actionLog = append(s.actionLog, a.ID)
	return nil
}

func (s *MemoryStore) GetAction(ctx context.Context, actionID string) (model.EnforcementAction, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actions[actionID]
	if !ok {
		return model.EnforcementAction{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) ListActions(ctx context.Context, sellerID string) ([]model.EnforcementAction, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.EnforcementAction
	for _, id := range s.actionLog {
		if a := s.actions[id]; a.SellerID == sellerID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *MemoryStore) ReverseAction(ctx context.Context, actionID string, at time.Time, reason string) (model.EnforcementAction, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[actionID]
	if !ok {
		return model.EnforcementAction{}, ErrNotFound
	}
	if !a.Active() {
		return a, ErrVersionConflict
	}
	a.ReversedAt = &at
	a.ReversalReason = reason
	s.actions[actionID] = a
	return a, nil
}

func (s *MemoryStore) AppendTransition(ctx context.Context, t model.StatusTransition) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, t)
	return nil
}

func (s *MemoryStore) ListTransitions(ctx context.Context, sellerID string) ([]model.StatusTransition, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.StatusTransition
	for _, t := range s.transitions {
		if t.SellerID == sellerID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateAppeal(ctx context.Context, a model.Appeal) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.appeals[a.ID]; ok {
		return ErrDuplicate
	}
	if a.OpenKey != "" {
		for _, existing := range s.appeals {
			if existing.OpenKey == a.OpenKey {
				return ErrDuplicate
			}
		}
	}
	s.appeals[a.ID] = a
	s.appealLog = append(s.appealLog, a.ID)
	return nil
}

func (s *MemoryStore) GetAppeal(ctx context.Context, appealID string) (model.Appeal, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.appeals[appealID]
	if !ok {
		return model.Appeal{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) UpdateAppeal(ctx context.Context, a model.Appeal, expected model.AppealStatus) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.appeals[a.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expected {
		return ErrVersionConflict
	}
	s.appeals[a.ID] = a
	return nil
}

func (s *MemoryStore) ListAppeals(ctx context.Context, sellerID string) ([]model.Appeal, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Appeal
	for _, id := range s.appealLog {
		if a := s.appeals[id]; a.SellerID == sellerID {
			out = append(out, a)
		}
	}
	return out, nil
}

// Winners

func (s *MemoryStore) GetWinner(ctx context.Context, catalogItemID string) (model.WinnerRecord, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.winners[catalogItemID]
	if !ok {
		return model.WinnerRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) SaveWinner(ctx context.Context, rec model.WinnerRecord, expectedVersion int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.winners[rec.CatalogItemID]
	switch {
	case !ok && expectedVersion != 0:
		return ErrVersionConflict
	case ok && cur.Version != expectedVersion:
		return ErrVersionConflict
	}
	s.winners[rec.CatalogItemID] = rec
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
