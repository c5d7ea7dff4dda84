package billing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"briefing/internal/db/memory"
	"briefing/internal/idempotency"
	"briefing/internal/types"
)

type verifierFunc func(payload []byte, header string) error

func (f verifierFunc) Verify(payload []byte, header string) error { return f(payload, header) }

var acceptAll = verifierFunc(func([]byte, string) error { return nil })

type dispatchFixture struct {
	store      *memory.Store
	dispatcher *Dispatcher
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	clock := types.ClockFunc(func() time.Time { return baseTime })
	store := memory.New(clock)
	mem, err := idempotency.NewMemoryGuard(100, time.Hour, clock)
	require.NoError(t, err)
	guard := idempotency.NewLayered(mem, idempotency.NewStoreGuard(store.ProcessedEvents(), clock))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &dispatchFixture{
		store:      store,
		dispatcher: NewDispatcher(acceptAll, guard, store, nil, logger),
	}
}

func (f *dispatchFixture) seedSubscriber(t *testing.T, sub types.Subscriber) {
	t.Helper()
	f.store.PutSubscriber(sub)
}

func (f *dispatchFixture) dispatch(t *testing.T, payload []byte) Outcome {
	t.Helper()
	outcome, err := f.dispatcher.Dispatch(context.Background(), payload, "t=1,v1=sig")
	require.NoError(t, err)
	return outcome
}

func (f *dispatchFixture) subscriber(t *testing.T, email string) *types.Subscriber {
	t.Helper()
	sub, err := f.store.Subscribers().GetByEmail(context.Background(), email)
	require.NoError(t, err)
	return sub
}

func (f *dispatchFixture) subscription(t *testing.T, id string) *types.Subscription {
	t.Helper()
	sub, err := f.store.Subscriptions().GetByBillingID(context.Background(), id)
	require.NoError(t, err)
	return sub
}

func ref(s string) *string { return &s }

func existingReader() types.Subscriber {
	return types.Subscriber{
		ID:                 "reader-1",
		Email:              "reader@example.com",
		Status:             types.SubscriberInactive,
		BillingCustomerRef: ref("cus_1"),
	}
}

func TestDispatch_CheckoutCreatesActiveSubscriber(t *testing.T) {
	f := newDispatchFixture(t)

	outcome := f.dispatch(t, checkoutJSON("evt_1", at(0), "New@Example.com", "cus_new", "sub_new"))

	assert.Equal(t, OutcomeProcessed, outcome)
	sub := f.subscriber(t, "new@example.com")
	assert.Equal(t, types.SubscriberActive, sub.Status)
	assert.False(t, sub.FreeAccessOverride)
	require.NotNil(t, sub.BillingCustomerRef)
	assert.Equal(t, "cus_new", *sub.BillingCustomerRef)
}

func TestDispatch_DuplicateIsAcknowledgedAndSkipped(t *testing.T) {
	f := newDispatchFixture(t)
	f.seedSubscriber(t, existingReader())

	payload := subscriptionJSON("evt_1", EventSubscriptionCreated, at(0), "sub_1", "cus_1", "active")
	assert.Equal(t, OutcomeProcessed, f.dispatch(t, payload))

	// The user unsubscribes between deliveries; a redelivery must not touch state.
	_, err := NewPreferences(f.store, nil).Unsubscribe(context.Background(), "reader@example.com")
	require.NoError(t, err)

	assert.Equal(t, OutcomeDuplicate, f.dispatch(t, payload))
	assert.Equal(t, types.SubscriberUnsubscribed, f.subscriber(t, "reader@example.com").Status)
}

func TestDispatch_SignatureFailure(t *testing.T) {
	f := newDispatchFixture(t)
	sigErr := types.NewAppError(types.ErrCodeAuthSignatureInvalid, "bad signature", nil)
	f.dispatcher.verifier = verifierFunc(func([]byte, string) error { return sigErr })

	_, err := f.dispatcher.Dispatch(context.Background(), checkoutJSON("evt_1", at(0), "a@b.co", "cus_1", "sub_1"), "bogus")

	assert.ErrorIs(t, err, sigErr)
	_, err = f.store.Subscribers().GetByEmail(context.Background(), "a@b.co")
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundSubscriber))
}

func TestDispatch_PersistenceFailureIsNotRecorded(t *testing.T) {
	f := newDispatchFixture(t)
	f.seedSubscriber(t, existingReader())
	payload := subscriptionJSON("evt_1", EventSubscriptionCreated, at(0), "sub_1", "cus_1", "active")

	f.store.FailOn("subscriptions.Upsert", errors.New("connection reset"))
	_, err := f.dispatcher.Dispatch(context.Background(), payload, "sig")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(err))

	seen, err := f.store.ProcessedEvents().Exists(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	f.store.FailOn("subscriptions.Upsert", nil)
	assert.Equal(t, OutcomeProcessed, f.dispatch(t, payload), "redelivery is processed")
	assert.Equal(t, types.SubscriberActive, f.subscriber(t, "reader@example.com").Status)
}

func TestDispatch_FailedApplyRollsBack(t *testing.T) {
	f := newDispatchFixture(t)
	f.seedSubscriber(t, existingReader())

	f.store.FailOn("subscribers.ApplyBillingState", errors.New("deadlock detected"))
	_, err := f.dispatcher.Dispatch(context.Background(),
		subscriptionJSON("evt_1", EventSubscriptionCreated, at(0), "sub_1", "cus_1", "active"), "sig")
	require.Error(t, err)

	_, err = f.store.Subscriptions().GetByBillingID(context.Background(), "sub_1")
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundSubscription), "subscription write rolled back")
}

func TestDispatch_UnknownCustomerIsDroppedAndRecorded(t *testing.T) {
	f := newDispatchFixture(t)

	outcome := f.dispatch(t, subscriptionJSON("evt_1", EventSubscriptionUpdated, at(0), "sub_x", "cus_missing", "active"))

	assert.Equal(t, OutcomeDropped, outcome)
	seen, err := f.store.ProcessedEvents().Exists(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestDispatch_IgnoredEvents(t *testing.T) {
	f := newDispatchFixture(t)

	assert.Equal(t, OutcomeIgnored, f.dispatch(t, eventJSON("evt_1", "customer.created", at(0), map[string]any{"id": "cus_1"})))
	assert.Equal(t, OutcomeIgnored, f.dispatch(t, eventJSON("evt_2", EventPaymentFailed, at(0), map[string]any{
		"id": "in_1", "customer": "cus_1", "subscription": "sub_1",
	})))
}

func TestDispatch_UnsubscribedIsSticky(t *testing.T) {
	f := newDispatchFixture(t)
	reader := existingReader()
	reader.Status = types.SubscriberUnsubscribed
	f.seedSubscriber(t, reader)

	f.dispatch(t, checkoutJSON("evt_1", at(0), "reader@example.com", "cus_1", "sub_1"))
	f.dispatch(t, subscriptionJSON("evt_2", EventSubscriptionCreated, at(time.Minute), "sub_1", "cus_1", "active"))
	f.dispatch(t, subscriptionJSON("evt_3", EventSubscriptionDeleted, at(2*time.Minute), "sub_1", "cus_1", "canceled"))

	assert.Equal(t, types.SubscriberUnsubscribed, f.subscriber(t, "reader@example.com").Status)
	assert.Equal(t, types.SubscriptionCanceled, f.subscription(t, "sub_1").Status)
}

func TestDispatch_CancelingOneOfTwoSubscriptionsKeepsAccess(t *testing.T) {
	f := newDispatchFixture(t)
	f.seedSubscriber(t, existingReader())

	f.dispatch(t, subscriptionJSON("evt_1", EventSubscriptionCreated, at(0), "sub_a", "cus_1", "active"))
	f.dispatch(t, subscriptionJSON("evt_2", EventSubscriptionCreated, at(time.Minute), "sub_b", "cus_1", "active"))
	f.dispatch(t, subscriptionJSON("evt_3", EventSubscriptionDeleted, at(2*time.Minute), "sub_a", "cus_1", "canceled"))

	assert.Equal(t, types.SubscriberActive, f.subscriber(t, "reader@example.com").Status)

	f.dispatch(t, subscriptionJSON("evt_4", EventSubscriptionDeleted, at(3*time.Minute), "sub_b", "cus_1", "canceled"))
	assert.Equal(t, types.SubscriberInactive, f.subscriber(t, "reader@example.com").Status)
}

func TestDispatch_OverrideSurvivesCancellation(t *testing.T) {
	f := newDispatchFixture(t)
	reader := existingReader()
	reader.Status = types.SubscriberActive
	reader.FreeAccessOverride = true
	f.seedSubscriber(t, reader)

	f.dispatch(t, subscriptionJSON("evt_1", EventSubscriptionCreated, at(0), "sub_1", "cus_1", "active"))
	f.dispatch(t, subscriptionJSON("evt_2", EventSubscriptionDeleted, at(time.Minute), "sub_1", "cus_1", "canceled"))

	sub := f.subscriber(t, "reader@example.com")
	assert.Equal(t, types.SubscriberActive, sub.Status)
	assert.True(t, sub.FreeAccessOverride)
}

func TestDispatch_CanceledSubscriptionIsNotRevived(t *testing.T) {
	f := newDispatchFixture(t)
	f.seedSubscriber(t, existingReader())

	f.dispatch(t, subscriptionJSON("evt_del", EventSubscriptionDeleted, at(0), "sub_1", "cus_1", "canceled"))
	// A later-timestamped update for a canceled subscription is stale by definition.
	f.dispatch(t, subscriptionJSON("evt_upd", EventSubscriptionUpdated, at(time.Hour), "sub_1", "cus_1", "active"))

	assert.Equal(t, types.SubscriptionCanceled, f.subscription(t, "sub_1").Status)
	assert.Equal(t, types.SubscriberInactive, f.subscriber(t, "reader@example.com").Status)
}

// Any delivery order, with any event delivered twice, converges on the state
// implied by the latest event per subscription.
func TestDispatch_OrderAndDuplicationInsensitive(t *testing.T) {
	scenarios := []struct {
		name             string
		events           [][]byte
		wantStatus       types.SubscriberStatus
		wantSubscription types.SubscriptionStatus
	}{
		{
			name: "lifecycle ending in deletion",
			events: [][]byte{
				checkoutJSON("evt_co", at(0), "reader@example.com", "cus_1", "sub_1"),
				subscriptionJSON("evt_c", EventSubscriptionCreated, at(time.Minute), "sub_1", "cus_1", "active"),
				subscriptionJSON("evt_u", EventSubscriptionUpdated, at(2*time.Minute), "sub_1", "cus_1", "past_due"),
				subscriptionJSON("evt_d", EventSubscriptionDeleted, at(3*time.Minute), "sub_1", "cus_1", "canceled"),
			},
			wantStatus:       types.SubscriberInactive,
			wantSubscription: types.SubscriptionCanceled,
		},
		{
			name: "lifecycle ending in recovery",
			events: [][]byte{
				checkoutJSON("evt_co", at(0), "reader@example.com", "cus_1", "sub_1"),
				subscriptionJSON("evt_c", EventSubscriptionCreated, at(time.Minute), "sub_1", "cus_1", "incomplete"),
				subscriptionJSON("evt_u1", EventSubscriptionUpdated, at(2*time.Minute), "sub_1", "cus_1", "unpaid"),
				subscriptionJSON("evt_u2", EventSubscriptionUpdated, at(3*time.Minute), "sub_1", "cus_1", "active"),
			},
			wantStatus:       types.SubscriberActive,
			wantSubscription: types.SubscriptionActive,
		},
	}

	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			for _, order := range permutations(len(sc.events)) {
				for dup := range sc.events {
					f := newDispatchFixture(t)
					f.seedSubscriber(t, existingReader())

					for _, i := range order {
						f.dispatch(t, sc.events[i])
						if i == dup {
							f.dispatch(t, sc.events[i])
						}
					}

					assert.Equal(t, sc.wantStatus, f.subscriber(t, "reader@example.com").Status,
						"order %s dup %d", orderName(order), dup)
					assert.Equal(t, sc.wantSubscription, f.subscription(t, "sub_1").Status,
						"order %s dup %d", orderName(order), dup)
				}
			}
		})
	}
}

func TestDispatch_SubscriptionEventsLockSubscriberRow(t *testing.T) {
	f := newDispatchFixture(t)
	f.seedSubscriber(t, existingReader())
	f.store.FailOn("subscribers.LockByCustomerRef", errors.New("lock timeout"))

	_, err := f.dispatcher.Dispatch(context.Background(),
		subscriptionJSON("evt_1", EventSubscriptionCreated, at(0), "sub_1", "cus_1", "active"), "sig")
	require.Error(t, err)

	_, err = f.store.Subscriptions().GetByBillingID(context.Background(), "sub_1")
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundSubscription), "nothing applied without the lock")

	f.store.FailOn("subscribers.LockByEmail", errors.New("lock timeout"))
	_, err = f.dispatcher.Dispatch(context.Background(),
		checkoutJSON("evt_2", at(time.Minute), "reader@example.com", "cus_1", "sub_1"), "sig")
	require.Error(t, err)
}

func TestDispatch_ConcurrentEventsForOneSubscriberConverge(t *testing.T) {
	f := newDispatchFixture(t)
	f.seedSubscriber(t, existingReader())
	f.dispatch(t, subscriptionJSON("evt_a1", EventSubscriptionCreated, at(0), "sub_a", "cus_1", "active"))

	payloads := [][]byte{
		subscriptionJSON("evt_a2", EventSubscriptionDeleted, at(time.Minute), "sub_a", "cus_1", "canceled"),
		subscriptionJSON("evt_b1", EventSubscriptionCreated, at(time.Minute), "sub_b", "cus_1", "active"),
	}
	var wg sync.WaitGroup
	for _, p := range payloads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.dispatcher.Dispatch(context.Background(), p, "sig")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, types.SubscriberActive, f.subscriber(t, "reader@example.com").Status)
}

func TestDispatch_CustomerRefCollisionIsRetryable(t *testing.T) {
	f := newDispatchFixture(t)
	f.seedSubscriber(t, existingReader())
	f.seedSubscriber(t, types.Subscriber{ID: "reader-2", Email: "second@example.com", Status: types.SubscriberInactive})

	_, err := f.dispatcher.Dispatch(context.Background(),
		checkoutJSON("evt_1", at(0), "second@example.com", "cus_1", "sub_9"), "sig")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(err), "answered with 500 so the processor redelivers")

	seen, err := f.store.ProcessedEvents().Exists(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)
}
