package waitlist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salon-waitlist/internal/models"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(st *memStore, policies PolicyResolver, n Notifier, opts ...Option) *Engine {
	base := []Option{
		WithClock(func() time.Time { return testNow }),
		WithLogger(quietLogger()),
	}
	return New(st, policies, n, append(base, opts...)...)
}

// seedOffer adds a notified entry holding one pending offer.
func seedOffer(st *memStore, n int, declineCount int, expiresAt time.Time) (entryID, offerID string) {
	entryID = fmt.Sprintf("entry-%d", n)
	offerID = fmt.Sprintf("offer-%d", n)
	st.addEntry(models.WaitlistEntry{
		ID:           entryID,
		SalonID:      "salon-1",
		ServiceID:    "svc-cut",
		CustomerID:   fmt.Sprintf("cust-%d", n),
		Status:       models.EntryNotified,
		DeclineCount: declineCount,
	})
	st.addOffer(models.WaitlistOffer{
		ID:              offerID,
		SalonID:         "salon-1",
		WaitlistEntryID: entryID,
		ServiceID:       "svc-cut",
		EmployeeID:      "emp-1",
		SlotDate:        "2026-03-05",
		SlotStart:       fmt.Sprintf("%02d:00", 9+n),
		SlotEnd:         fmt.Sprintf("%02d:45", 9+n),
		Status:          models.OfferPending,
		TokenExpiresAt:  expiresAt,
	})
	return entryID, offerID
}

func TestProcessExpiredOffers_EndToEnd(t *testing.T) {
	st := newMemStore()
	st.addEntry(models.WaitlistEntry{ID: "E", SalonID: "salon-1", ServiceID: "svc-cut", Status: models.EntryWaiting})
	st.addOffer(models.WaitlistOffer{
		ID:              "O",
		SalonID:         "salon-1",
		WaitlistEntryID: "E",
		ServiceID:       "svc-cut",
		EmployeeID:      "emp-7",
		SlotDate:        "2026-03-05",
		SlotStart:       "14:00",
		SlotEnd:         "14:30",
		Status:          models.OfferPending,
		TokenExpiresAt:  testNow.Add(-5 * time.Minute),
	})
	notifier := &recordingNotifier{}

	res := newTestEngine(st, staticPolicies{}, notifier).ProcessExpiredOffers(context.Background(), 10)

	assert.Equal(t, OfferExpiryResult{Processed: 1, Chained: 1}, res)

	offer := st.offer("O")
	assert.Equal(t, models.OfferExpired, offer.Status)
	require.NotNil(t, offer.RespondedAt)
	assert.True(t, offer.RespondedAt.Equal(testNow))
	require.NotNil(t, offer.ResponseChannel)
	assert.Equal(t, models.ResponseChannelSystem, *offer.ResponseChannel)

	entry := st.entry("E")
	assert.Equal(t, models.EntryCooldown, entry.Status)
	assert.Equal(t, 1, entry.DeclineCount)
	require.NotNil(t, entry.CooldownReason)
	assert.Equal(t, models.CooldownReasonTimeout, *entry.CooldownReason)
	require.NotNil(t, entry.CooldownUntil)
	assert.True(t, entry.CooldownUntil.Equal(testNow.Add(60*time.Minute)))

	events := st.lifecycle()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "E", ev.WaitlistEntryID)
	assert.Equal(t, "salon-1", ev.SalonID)
	assert.Equal(t, models.EntryNotified, ev.FromStatus)
	assert.Equal(t, models.EntryCooldown, ev.ToStatus)
	assert.Equal(t, models.ReasonOfferTimeout, ev.Reason)
	assert.Equal(t, map[string]any{
		"offer_id":         "O",
		"passive_applied":  false,
		"cooldown_minutes": 60,
	}, ev.Metadata)
	assert.NotEmpty(t, ev.ID)

	assert.Equal(t, []models.SlotRelease{{
		OfferID:    "O",
		SalonID:    "salon-1",
		ServiceID:  "svc-cut",
		SlotDate:   "2026-03-05",
		EmployeeID: "emp-7",
		SlotStart:  "14:00",
		SlotEnd:    "14:30",
	}}, notifier.slots())
}

func TestProcessExpiredOffers_Idempotent(t *testing.T) {
	st := newMemStore()
	seedOffer(st, 1, 0, testNow.Add(-time.Minute))
	seedOffer(st, 2, 1, testNow.Add(-2*time.Minute))
	notifier := &recordingNotifier{}
	engine := newTestEngine(st, staticPolicies{}, notifier)

	first := engine.ProcessExpiredOffers(context.Background(), 10)
	snapshot := []models.WaitlistEntry{st.entry("entry-1"), st.entry("entry-2")}
	second := engine.ProcessExpiredOffers(context.Background(), 10)

	assert.Equal(t, OfferExpiryResult{Processed: 2, Chained: 2}, first)
	assert.Equal(t, OfferExpiryResult{}, second)
	assert.Equal(t, snapshot, []models.WaitlistEntry{st.entry("entry-1"), st.entry("entry-2")})
	assert.Len(t, st.lifecycle(), 2)
	assert.Len(t, notifier.slots(), 2)
}

func TestProcessExpiredOffers_Escalation(t *testing.T) {
	policy := staticPolicies{found: true, policy: models.PolicyOverride{
		CooldownMinutes:         intPtr(30),
		PassiveDeclineThreshold: intPtr(3),
		PassiveCooldownMinutes:  intPtr(1440),
	}}

	cases := []struct {
		name         string
		declineCount int
		wantCount    int
		wantMinutes  int
		wantPassive  bool
	}{
		{name: "first timeout gets base", declineCount: 0, wantCount: 1, wantMinutes: 30},
		{name: "below threshold gets base", declineCount: 1, wantCount: 2, wantMinutes: 30},
		{name: "reaching threshold gets passive", declineCount: 2, wantCount: 3, wantMinutes: 1440, wantPassive: true},
		{name: "past threshold stays passive", declineCount: 5, wantCount: 6, wantMinutes: 1440, wantPassive: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := newMemStore()
			entryID, _ := seedOffer(st, 1, tc.declineCount, testNow.Add(-time.Minute))

			res := newTestEngine(st, policy, &recordingNotifier{}).ProcessExpiredOffers(context.Background(), 10)
			require.Equal(t, 1, res.Processed)

			entry := st.entry(entryID)
			assert.Equal(t, tc.wantCount, entry.DeclineCount)
			require.NotNil(t, entry.CooldownUntil)
			assert.True(t, entry.CooldownUntil.Equal(testNow.Add(time.Duration(tc.wantMinutes)*time.Minute)))

			events := st.lifecycle()
			require.Len(t, events, 1)
			assert.Equal(t, tc.wantPassive, events[0].Metadata["passive_applied"])
			assert.Equal(t, tc.wantMinutes, events[0].Metadata["cooldown_minutes"])
		})
	}
}

func TestProcessExpiredOffers_DefaultPolicyWhenNoneConfigured(t *testing.T) {
	st := newMemStore()
	fresh, _ := seedOffer(st, 1, 0, testNow.Add(-time.Minute))
	repeat, _ := seedOffer(st, 2, 2, testNow.Add(-time.Minute))

	res := newTestEngine(st, staticPolicies{found: false}, &recordingNotifier{}).ProcessExpiredOffers(context.Background(), 10)

	assert.Equal(t, 2, res.Processed)
	assert.True(t, st.entry(fresh).CooldownUntil.Equal(testNow.Add(60*time.Minute)))
	assert.True(t, st.entry(repeat).CooldownUntil.Equal(testNow.Add(10080*time.Minute)))
	assert.Equal(t, 3, st.entry(repeat).DeclineCount)
}

func TestProcessExpiredOffers_NilResolverUsesDefaults(t *testing.T) {
	st := newMemStore()
	entryID, _ := seedOffer(st, 1, 0, testNow.Add(-time.Minute))

	res := newTestEngine(st, nil, nil).ProcessExpiredOffers(context.Background(), 10)

	assert.Equal(t, OfferExpiryResult{Processed: 1}, res)
	assert.True(t, st.entry(entryID).CooldownUntil.Equal(testNow.Add(time.Hour)))
}

func TestProcessExpiredOffers_ResolverErrorLeavesOfferPending(t *testing.T) {
	st := newMemStore()
	entryID, offerID := seedOffer(st, 1, 0, testNow.Add(-time.Minute))
	notifier := &recordingNotifier{}

	res := newTestEngine(st, staticPolicies{err: errors.New("policy table locked")}, notifier).ProcessExpiredOffers(context.Background(), 10)

	assert.Equal(t, OfferExpiryResult{Errors: 1}, res)
	assert.Equal(t, models.OfferPending, st.offer(offerID).Status)
	assert.Equal(t, models.EntryNotified, st.entry(entryID).Status)
	assert.Empty(t, notifier.slots())
	assert.Empty(t, st.lifecycle())
}

func TestProcessExpiredOffers_FairnessOrdering(t *testing.T) {
	st := newMemStore()
	st.reverse = true
	base := testNow.Add(-time.Hour)
	seedOffer(st, 3, 0, base.Add(2*time.Second))
	seedOffer(st, 1, 0, base)
	seedOffer(st, 2, 0, base.Add(time.Second))
	notifier := &recordingNotifier{}

	res := newTestEngine(st, staticPolicies{}, notifier).ProcessExpiredOffers(context.Background(), 10)
	require.Equal(t, 3, res.Processed)

	var starts []string
	for _, s := range notifier.slots() {
		starts = append(starts, s.SlotStart)
	}
	assert.Equal(t, []string{"10:00", "11:00", "12:00"}, starts)

	events := st.lifecycle()
	require.Len(t, events, 3)
	assert.Equal(t, "entry-1", events[0].WaitlistEntryID)
	assert.Equal(t, "entry-2", events[1].WaitlistEntryID)
	assert.Equal(t, "entry-3", events[2].WaitlistEntryID)
}

func TestProcessExpiredOffers_PartialFailureIsolation(t *testing.T) {
	st := newMemStore()
	seedOffer(st, 1, 0, testNow.Add(-3*time.Minute))
	seedOffer(st, 2, 0, testNow.Add(-2*time.Minute))
	seedOffer(st, 3, 0, testNow.Add(-1*time.Minute))
	st.expireErr["offer-2"] = errStoreDown

	res := newTestEngine(st, staticPolicies{}, &recordingNotifier{}).ProcessExpiredOffers(context.Background(), 10)

	assert.Equal(t, OfferExpiryResult{Processed: 2, Chained: 2, Errors: 1}, res)
	assert.Equal(t, models.OfferExpired, st.offer("offer-1").Status)
	assert.Equal(t, models.OfferPending, st.offer("offer-2").Status)
	assert.Equal(t, models.OfferExpired, st.offer("offer-3").Status)
	assert.Equal(t, models.EntryNotified, st.entry("entry-2").Status)
}

func TestProcessExpiredOffers_EntryLoadAndCooldownFailures(t *testing.T) {
	st := newMemStore()
	seedOffer(st, 1, 0, testNow.Add(-3*time.Minute))
	seedOffer(st, 2, 0, testNow.Add(-2*time.Minute))
	seedOffer(st, 3, 0, testNow.Add(-1*time.Minute))
	st.getEntryErr["entry-1"] = errStoreDown
	st.cooldownErr["entry-2"] = errStoreDown
	notifier := &recordingNotifier{}

	res := newTestEngine(st, staticPolicies{}, notifier).ProcessExpiredOffers(context.Background(), 10)

	assert.Equal(t, OfferExpiryResult{Processed: 1, Chained: 1, Errors: 2}, res)
	require.Len(t, notifier.slots(), 1)
	assert.Equal(t, "12:00", notifier.slots()[0].SlotStart)
}

func TestProcessExpiredOffers_PanicIsIsolated(t *testing.T) {
	st := newMemStore()
	seedOffer(st, 1, 0, testNow.Add(-3*time.Minute))
	seedOffer(st, 2, 0, testNow.Add(-2*time.Minute))
	seedOffer(st, 3, 0, testNow.Add(-1*time.Minute))
	notifier := &recordingNotifier{result: func(slot models.SlotRelease) (bool, error) {
		if slot.SlotStart == "11:00" {
			panic("notifier bug")
		}
		return true, nil
	}}

	res := newTestEngine(st, staticPolicies{}, notifier).ProcessExpiredOffers(context.Background(), 10)

	assert.Equal(t, OfferExpiryResult{Processed: 3, Chained: 2, Errors: 1}, res)
	assert.Equal(t, models.EntryCooldown, st.entry("entry-2").Status)
}

func TestProcessExpiredOffers_ChainFailureKeepsTransition(t *testing.T) {
	st := newMemStore()
	entryID, offerID := seedOffer(st, 1, 0, testNow.Add(-time.Minute))
	notifier := &recordingNotifier{result: func(models.SlotRelease) (bool, error) {
		return false, errors.New("notifier 503")
	}}
	retries := &recordingRetries{}

	res := newTestEngine(st, staticPolicies{}, notifier, WithChainRetries(retries)).ProcessExpiredOffers(context.Background(), 10)

	assert.Equal(t, OfferExpiryResult{Processed: 1, Errors: 1}, res)
	assert.Equal(t, models.OfferExpired, st.offer(offerID).Status)
	assert.Equal(t, models.EntryCooldown, st.entry(entryID).Status)
	require.Len(t, retries.slots, 1)
	assert.Equal(t, st.offer(offerID).Slot(), retries.slots[0])
}

func TestProcessExpiredOffers_NoCandidateIsNotChained(t *testing.T) {
	st := newMemStore()
	seedOffer(st, 1, 0, testNow.Add(-time.Minute))
	notifier := &recordingNotifier{result: func(models.SlotRelease) (bool, error) { return false, nil }}

	res := newTestEngine(st, staticPolicies{}, notifier).ProcessExpiredOffers(context.Background(), 10)

	assert.Equal(t, OfferExpiryResult{Processed: 1}, res)
	assert.Len(t, notifier.slots(), 1)
}

func TestProcessExpiredOffers_BatchFetchFailure(t *testing.T) {
	st := newMemStore()
	st.listOffersErr = errStoreDown

	res := newTestEngine(st, staticPolicies{}, &recordingNotifier{}).ProcessExpiredOffers(context.Background(), 10)

	assert.Equal(t, OfferExpiryResult{Errors: 1}, res)
}

func TestProcessExpiredOffers_MissingEntrySkipped(t *testing.T) {
	st := newMemStore()
	st.addOffer(models.WaitlistOffer{
		ID:              "orphan",
		SalonID:         "salon-1",
		WaitlistEntryID: "gone",
		Status:          models.OfferPending,
		TokenExpiresAt:  testNow.Add(-time.Minute),
	})
	notifier := &recordingNotifier{}

	engine := newTestEngine(st, staticPolicies{}, notifier)

	assert.Equal(t, OfferExpiryResult{}, engine.ProcessExpiredOffers(context.Background(), 10))
	assert.Equal(t, models.OfferExpired, st.offer("orphan").Status, "orphan no longer heads the batch")
	assert.Empty(t, notifier.slots())
	assert.Empty(t, st.lifecycle())

	seedOffer(st, 1, 0, testNow.Add(-time.Second))
	assert.Equal(t, OfferExpiryResult{Processed: 1, Chained: 1}, engine.ProcessExpiredOffers(context.Background(), 1))
}

func TestProcessExpiredOffers_AtomicTimeoutKeepsSlotOnCooldownFailure(t *testing.T) {
	st := newMemStore()
	entryID, offerID := seedOffer(st, 1, 0, testNow.Add(-time.Minute))
	st.cooldownErr[entryID] = errStoreDown
	notifier := &recordingNotifier{}
	engine := New(txMemStore{st}, staticPolicies{}, notifier,
		WithClock(func() time.Time { return testNow }),
		WithLogger(quietLogger()),
	)

	assert.Equal(t, OfferExpiryResult{Errors: 1}, engine.ProcessExpiredOffers(context.Background(), 10))
	assert.Equal(t, models.OfferPending, st.offer(offerID).Status)
	assert.Equal(t, models.EntryNotified, st.entry(entryID).Status)
	assert.Empty(t, notifier.slots())

	delete(st.cooldownErr, entryID)
	assert.Equal(t, OfferExpiryResult{Processed: 1, Chained: 1}, engine.ProcessExpiredOffers(context.Background(), 10))
	assert.Equal(t, models.OfferExpired, st.offer(offerID).Status)
	assert.Equal(t, models.EntryCooldown, st.entry(entryID).Status)
	require.Len(t, notifier.slots(), 1)
	assert.Equal(t, offerID, notifier.slots()[0].OfferID)
}

func TestProcessExpiredOffers_LostGuardIsNoop(t *testing.T) {
	st := newMemStore()
	entryID, offerID := seedOffer(st, 1, 0, testNow.Add(-time.Minute))
	st.beforeExpire = func(o *models.WaitlistOffer) {
		// customer accepted between the batch read and the guarded update
		o.Status = models.OfferAccepted
	}
	notifier := &recordingNotifier{}

	res := newTestEngine(st, staticPolicies{}, notifier).ProcessExpiredOffers(context.Background(), 10)

	assert.Equal(t, OfferExpiryResult{}, res)
	assert.Equal(t, models.OfferAccepted, st.offer(offerID).Status)
	assert.Equal(t, models.EntryNotified, st.entry(entryID).Status)
	assert.Equal(t, 0, st.entry(entryID).DeclineCount)
	assert.Empty(t, notifier.slots())
	assert.Empty(t, st.lifecycle())
}

func TestProcessExpiredOffers_EventFailureIsNotAnError(t *testing.T) {
	st := newMemStore()
	entryID, _ := seedOffer(st, 1, 0, testNow.Add(-time.Minute))
	st.eventErr = errStoreDown

	res := newTestEngine(st, staticPolicies{}, &recordingNotifier{}).ProcessExpiredOffers(context.Background(), 10)

	assert.Equal(t, OfferExpiryResult{Processed: 1, Chained: 1}, res)
	assert.Equal(t, models.EntryCooldown, st.entry(entryID).Status)
}

func TestProcessExpiredOffers_ExpiryBoundary(t *testing.T) {
	st := newMemStore()
	_, atNow := seedOffer(st, 1, 0, testNow)
	_, future := seedOffer(st, 2, 0, testNow.Add(time.Second))

	res := newTestEngine(st, staticPolicies{}, &recordingNotifier{}).ProcessExpiredOffers(context.Background(), 10)

	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, models.OfferExpired, st.offer(atNow).Status)
	assert.Equal(t, models.OfferPending, st.offer(future).Status)
}

func TestProcessExpiredOffers_MaxRowsBoundsBatch(t *testing.T) {
	st := newMemStore()
	for i := 1; i <= 5; i++ {
		seedOffer(st, i, 0, testNow.Add(-time.Duration(10-i)*time.Minute))
	}

	res := newTestEngine(st, staticPolicies{}, &recordingNotifier{}).ProcessExpiredOffers(context.Background(), 2)

	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, models.OfferExpired, st.offer("offer-1").Status)
	assert.Equal(t, models.OfferExpired, st.offer("offer-2").Status)
	assert.Equal(t, models.OfferPending, st.offer("offer-3").Status)
}

func TestProcessExpiredOffers_ConcurrentRunsProcessEachOfferOnce(t *testing.T) {
	st := newMemStore()
	const offers = 40
	for i := 1; i <= offers; i++ {
		seedOffer(st, i, 0, testNow.Add(-time.Duration(i)*time.Second))
	}
	notifier := &recordingNotifier{}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total OfferExpiryResult
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := newTestEngine(st, staticPolicies{}, notifier).ProcessExpiredOffers(context.Background(), offers)
			mu.Lock()
			total.Processed += res.Processed
			total.Chained += res.Chained
			total.Errors += res.Errors
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, OfferExpiryResult{Processed: offers, Chained: offers}, total)
	assert.Len(t, notifier.slots(), offers)
	assert.Len(t, st.lifecycle(), offers)
	for i := 1; i <= offers; i++ {
		assert.Equal(t, 1, st.entry(fmt.Sprintf("entry-%d", i)).DeclineCount)
	}
}

func TestProcessExpiredOffers_CancelledContextStopsBatch(t *testing.T) {
	st := newMemStore()
	seedOffer(st, 1, 0, testNow.Add(-time.Minute))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := newTestEngine(st, staticPolicies{}, &recordingNotifier{}).ProcessExpiredOffers(ctx, 10)

	assert.Equal(t, OfferExpiryResult{}, res)
	assert.Equal(t, models.OfferPending, st.offer("offer-1").Status)
}
