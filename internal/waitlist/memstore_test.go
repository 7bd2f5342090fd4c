package waitlist

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"salon-waitlist/internal/models"
)

var errStoreDown = errors.New("store unavailable")

// memStore is an in-memory Store with the same guard semantics as the SQL
// backends, plus failure hooks.
type memStore struct {
	mu      sync.Mutex
	entries map[string]*models.WaitlistEntry
	offers  map[string]*models.WaitlistOffer
	events  []models.LifecycleEvent

	listOffersErr  error
	listEntriesErr error
	getEntryErr    map[string]error
	expireErr      map[string]error
	cooldownErr    map[string]error
	reactivateErr  map[string]error
	eventErr       error
	// reverse returns list results newest first to prove the engine orders them.
	reverse bool
	// beforeExpire runs inside ExpireOffer before the guard is checked.
	beforeExpire func(offer *models.WaitlistOffer)
	// beforeReactivate runs inside ReactivateEntry before the guard is checked.
	beforeReactivate func(entry *models.WaitlistEntry)
}

func newMemStore() *memStore {
	return &memStore{
		entries:       map[string]*models.WaitlistEntry{},
		offers:        map[string]*models.WaitlistOffer{},
		getEntryErr:   map[string]error{},
		expireErr:     map[string]error{},
		cooldownErr:   map[string]error{},
		reactivateErr: map[string]error{},
	}
}

func (m *memStore) addEntry(e models.WaitlistEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.ID] = &e
}

func (m *memStore) addOffer(o models.WaitlistOffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[o.ID] = &o
}

func (m *memStore) entry(id string) models.WaitlistEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.entries[id]
}

func (m *memStore) offer(id string) models.WaitlistOffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.offers[id]
}

func (m *memStore) lifecycle() []models.LifecycleEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.LifecycleEvent(nil), m.events...)
}

func (m *memStore) ListExpiredOffers(_ context.Context, now time.Time, limit int) ([]models.WaitlistOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listOffersErr != nil {
		return nil, m.listOffersErr
	}
	var out []models.WaitlistOffer
	for _, o := range m.offers {
		if o.Status == models.OfferPending && !o.TokenExpiresAt.After(now) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenExpiresAt.Before(out[j].TokenExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	if m.reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (m *memStore) ExpireOffer(_ context.Context, offerID string, respondedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.expireErr[offerID]; err != nil {
		return false, err
	}
	o, ok := m.offers[offerID]
	if !ok {
		return false, nil
	}
	if m.beforeExpire != nil {
		m.beforeExpire(o)
	}
	if o.Status != models.OfferPending {
		return false, nil
	}
	channel := models.ResponseChannelSystem
	o.Status = models.OfferExpired
	o.RespondedAt = &respondedAt
	o.ResponseChannel = &channel
	return true, nil
}

// txMemStore adds the all-or-nothing offer timeout of the SQL backends.
type txMemStore struct {
	*memStore
}

func (m txMemStore) TimeOutOffer(_ context.Context, offerID string, respondedAt time.Time, entryID string, change models.CooldownChange) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.expireErr[offerID]; err != nil {
		return false, err
	}
	o, ok := m.offers[offerID]
	if !ok || o.Status != models.OfferPending {
		return false, nil
	}
	if err := m.cooldownErr[entryID]; err != nil {
		return false, err
	}
	e, ok := m.entries[entryID]
	if !ok {
		return false, errors.New("entry not found")
	}
	channel := models.ResponseChannelSystem
	reason := change.Reason
	until := change.CooldownUntil
	o.Status = models.OfferExpired
	o.RespondedAt = &respondedAt
	o.ResponseChannel = &channel
	e.Status = models.EntryCooldown
	e.DeclineCount = change.DeclineCount
	e.CooldownReason = &reason
	e.CooldownUntil = &until
	return true, nil
}

func (m *memStore) GetEntry(_ context.Context, id string) (models.WaitlistEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.getEntryErr[id]; err != nil {
		return models.WaitlistEntry{}, false, err
	}
	e, ok := m.entries[id]
	if !ok {
		return models.WaitlistEntry{}, false, nil
	}
	return *e, true, nil
}

func (m *memStore) ApplyCooldown(_ context.Context, id string, change models.CooldownChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.cooldownErr[id]; err != nil {
		return err
	}
	e, ok := m.entries[id]
	if !ok {
		return errors.New("entry not found")
	}
	reason := change.Reason
	until := change.CooldownUntil
	e.Status = models.EntryCooldown
	e.DeclineCount = change.DeclineCount
	e.CooldownReason = &reason
	e.CooldownUntil = &until
	return nil
}

func (m *memStore) ListReactivatableEntries(_ context.Context, now time.Time, limit int) ([]models.WaitlistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listEntriesErr != nil {
		return nil, m.listEntriesErr
	}
	var out []models.WaitlistEntry
	for _, e := range m.entries {
		if e.Status == models.EntryCooldown && e.CooldownUntil != nil && !e.CooldownUntil.After(now) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CooldownUntil.Before(*out[j].CooldownUntil) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ReactivateEntry(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.reactivateErr[id]; err != nil {
		return false, err
	}
	e, ok := m.entries[id]
	if ok && m.beforeReactivate != nil {
		m.beforeReactivate(e)
	}
	if !ok || e.Status != models.EntryCooldown {
		return false, nil
	}
	e.Status = models.EntryWaiting
	e.CooldownUntil = nil
	e.CooldownReason = nil
	return true, nil
}

func (m *memStore) AppendLifecycleEvent(_ context.Context, ev models.LifecycleEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.eventErr != nil {
		return m.eventErr
	}
	m.events = append(m.events, ev)
	return nil
}

type staticPolicies struct {
	policy models.PolicyOverride
	found  bool
	err    error
}

func (s staticPolicies) ResolvePolicy(context.Context, string, string) (models.PolicyOverride, bool, error) {
	return s.policy, s.found, s.err
}

type recordingNotifier struct {
	mu     sync.Mutex
	calls  []models.SlotRelease
	result func(slot models.SlotRelease) (bool, error)
}

func (n *recordingNotifier) HandleCancellation(_ context.Context, slot models.SlotRelease) (bool, error) {
	n.mu.Lock()
	n.calls = append(n.calls, slot)
	n.mu.Unlock()
	if n.result == nil {
		return true, nil
	}
	return n.result(slot)
}

func (n *recordingNotifier) slots() []models.SlotRelease {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.SlotRelease(nil), n.calls...)
}

type recordingRetries struct {
	mu    sync.Mutex
	slots []models.SlotRelease
}

func (r *recordingRetries) ScheduleChainRetry(_ context.Context, slot models.SlotRelease) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots = append(r.slots, slot)
	return nil
}

func intPtr(v int) *int { return &v }
