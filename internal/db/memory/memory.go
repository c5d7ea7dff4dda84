// Package memory is an in-process implementation of the repository
// interfaces. Conditional writes mirror the predicates of the SQL
// repositories so services can be exercised without Postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"briefing/internal/types"
)

// Store holds all tables behind one mutex. RunInTx serializes transactions
// and restores a snapshot when fn fails.
type Store struct {
	mu   sync.Mutex
	txMu sync.Mutex

	clock types.Clock
	fail  map[string]error

	subscribers   map[string]types.Subscriber
	subscriptions map[string]types.Subscription
	codes         map[string]types.AccessCode
	events        map[string]types.ProcessedEvent
	deliveries    map[string]deliveryRow
}

type deliveryRow struct {
	entry        types.DeliveryEntry
	claimedUntil *time.Time
}

// New creates an empty Store.
func New(clock types.Clock) *Store {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Store{
		clock:         clock,
		fail:          make(map[string]error),
		subscribers:   make(map[string]types.Subscriber),
		subscriptions: make(map[string]types.Subscription),
		codes:         make(map[string]types.AccessCode),
		events:        make(map[string]types.ProcessedEvent),
		deliveries:    make(map[string]deliveryRow),
	}
}

// FailOn makes every call to op return err until cleared with a nil err.
// Operation names are "<table>.<method>", e.g. "subscriptions.Upsert".
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, op)
		return
	}
	s.fail[op] = err
}

func (s *Store) failure(op string) error {
	if err, ok := s.fail[op]; ok {
		return types.NewAppError(types.ErrCodeInternalDB, op+" failed", err)
	}
	return nil
}

func (s *Store) Subscribers() types.SubscriberRepository         { return subscriberRepo{s} }
func (s *Store) Subscriptions() types.SubscriptionRepository     { return subscriptionRepo{s} }
func (s *Store) AccessCodes() types.AccessCodeRepository         { return accessCodeRepo{s} }
func (s *Store) ProcessedEvents() types.ProcessedEventRepository { return eventRepo{s} }
func (s *Store) Deliveries() types.DeliveryLedgerRepository      { return deliveryRepo{s} }

// RunInTx runs fn with the Store itself as the registry.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, repos types.RepositoryRegistry) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(ctx, s); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

type snapshot struct {
	subscribers   map[string]types.Subscriber
	subscriptions map[string]types.Subscription
	codes         map[string]types.AccessCode
	events        map[string]types.ProcessedEvent
	deliveries    map[string]deliveryRow
}

func (s *Store) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot{
		subscribers:   cloneMap(s.subscribers),
		subscriptions: cloneMap(s.subscriptions),
		codes:         cloneMap(s.codes),
		events:        cloneMap(s.events),
		deliveries:    cloneMap(s.deliveries),
	}
}

func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = snap.subscribers
	s.subscriptions = snap.subscriptions
	s.codes = snap.codes
	s.events = snap.events
	s.deliveries = snap.deliveries
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func ptr[T any](v T) *T { return &v }

// --- subscribers ---

type subscriberRepo struct{ s *Store }

func (r subscriberRepo) find(pred func(types.Subscriber) bool) (*types.Subscriber, error) {
	for _, sub := range r.s.subscribers {
		if pred(sub) {
			return ptr(sub), nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundSubscriber, "subscriber not found", nil)
}

func (r subscriberRepo) GetByID(_ context.Context, id string) (*types.Subscriber, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("subscribers.GetByID"); err != nil {
		return nil, err
	}
	return r.find(func(s types.Subscriber) bool { return s.ID == id })
}

func (r subscriberRepo) GetByEmail(_ context.Context, email string) (*types.Subscriber, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("subscribers.GetByEmail"); err != nil {
		return nil, err
	}
	return r.find(func(s types.Subscriber) bool { return s.Email == email })
}

func (r subscriberRepo) GetByCustomerRef(_ context.Context, ref string) (*types.Subscriber, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("subscribers.GetByCustomerRef"); err != nil {
		return nil, err
	}
	return r.find(func(s types.Subscriber) bool {
		return s.BillingCustomerRef != nil && *s.BillingCustomerRef == ref
	})
}

// LockByEmail skips locking; RunInTx already serializes transactions.
func (r subscriberRepo) LockByEmail(_ context.Context, email string) (*types.Subscriber, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("subscribers.LockByEmail"); err != nil {
		return nil, err
	}
	return r.find(func(s types.Subscriber) bool { return s.Email == email })
}

func (r subscriberRepo) LockByCustomerRef(_ context.Context, ref string) (*types.Subscriber, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("subscribers.LockByCustomerRef"); err != nil {
		return nil, err
	}
	return r.find(func(s types.Subscriber) bool {
		return s.BillingCustomerRef != nil && *s.BillingCustomerRef == ref
	})
}

func (r subscriberRepo) CreateIfAbsent(_ context.Context, sub *types.Subscriber) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("subscribers.CreateIfAbsent"); err != nil {
		return false, err
	}
	if existing, err := r.find(func(s types.Subscriber) bool { return s.Email == sub.Email }); err == nil {
		*sub = *existing
		return false, nil
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	now := r.s.clock.Now()
	sub.CreatedAt, sub.UpdatedAt = now, now
	r.s.subscribers[sub.ID] = *sub
	return true, nil
}

func (r subscriberRepo) ApplyBillingState(_ context.Context, id string, status types.SubscriberStatus, customerRef *string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("subscribers.ApplyBillingState"); err != nil {
		return false, err
	}
	sub, ok := r.s.subscribers[id]
	if !ok || sub.Status == types.SubscriberUnsubscribed {
		return false, nil
	}
	if customerRef != nil {
		for _, other := range r.s.subscribers {
			if other.ID != id && other.BillingCustomerRef != nil && *other.BillingCustomerRef == *customerRef {
				return false, types.NewAppError(types.ErrCodeInternalDB, "billing customer already linked to another subscriber", nil)
			}
		}
		sub.BillingCustomerRef = ptr(*customerRef)
	}
	sub.Status = status
	sub.UpdatedAt = r.s.clock.Now()
	r.s.subscribers[id] = sub
	return true, nil
}

func (r subscriberRepo) GrantOverride(_ context.Context, id string, status types.SubscriberStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("subscribers.GrantOverride"); err != nil {
		return err
	}
	sub, ok := r.s.subscribers[id]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundSubscriber, "subscriber not found", nil)
	}
	sub.FreeAccessOverride = true
	sub.Status = status
	sub.UpdatedAt = r.s.clock.Now()
	r.s.subscribers[id] = sub
	return nil
}

func (r subscriberRepo) RestoreAccess(_ context.Context, id, code string, override bool, status types.SubscriberStatus) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("subscribers.RestoreAccess"); err != nil {
		return false, err
	}
	sub, ok := r.s.subscribers[id]
	if !ok {
		return false, nil
	}
	if c, ok := r.s.codes[code]; ok && c.RedeemedBy != nil && *c.RedeemedBy == id {
		return false, nil
	}
	sub.FreeAccessOverride = override
	sub.Status = status
	sub.UpdatedAt = r.s.clock.Now()
	r.s.subscribers[id] = sub
	return true, nil
}

func (r subscriberRepo) SetStatusByUser(_ context.Context, id string, status types.SubscriberStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("subscribers.SetStatusByUser"); err != nil {
		return err
	}
	sub, ok := r.s.subscribers[id]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundSubscriber, "subscriber not found", nil)
	}
	sub.Status = status
	sub.UpdatedAt = r.s.clock.Now()
	r.s.subscribers[id] = sub
	return nil
}

// --- subscriptions ---

type subscriptionRepo struct{ s *Store }

func (r subscriptionRepo) GetByBillingID(_ context.Context, billingSubscriptionID string) (*types.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("subscriptions.GetByBillingID"); err != nil {
		return nil, err
	}
	sub, ok := r.s.subscriptions[billingSubscriptionID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return &sub, nil
}

func (r subscriptionRepo) ListBySubscriber(_ context.Context, subscriberID string) ([]types.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("subscriptions.ListBySubscriber"); err != nil {
		return nil, err
	}
	var out []types.Subscription
	for _, sub := range r.s.subscriptions {
		if sub.SubscriberID == subscriberID {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].BillingSubscriptionID < out[j].BillingSubscriptionID
	})
	return out, nil
}

func (r subscriptionRepo) Upsert(_ context.Context, sub *types.Subscription) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("subscriptions.Upsert"); err != nil {
		return false, err
	}
	now := r.s.clock.Now()
	stored, ok := r.s.subscriptions[sub.BillingSubscriptionID]
	if !ok {
		if sub.ID == "" {
			sub.ID = uuid.NewString()
		}
		sub.CreatedAt, sub.UpdatedAt = now, now
		r.s.subscriptions[sub.BillingSubscriptionID] = *sub
		return true, nil
	}
	if stored.Status == types.SubscriptionCanceled {
		return false, nil
	}
	if sub.Status != types.SubscriptionCanceled && stored.LastEventAt.After(sub.LastEventAt) {
		return false, nil
	}

	next := *sub
	next.ID = stored.ID
	next.SubscriberID = stored.SubscriberID
	next.CreatedAt = stored.CreatedAt
	next.UpdatedAt = now
	if stored.LastEventAt.After(next.LastEventAt) {
		next.LastEventAt = stored.LastEventAt
	}
	r.s.subscriptions[sub.BillingSubscriptionID] = next
	*sub = next
	return true, nil
}

// --- access codes ---

type accessCodeRepo struct{ s *Store }

func (r accessCodeRepo) Get(_ context.Context, code string) (*types.AccessCode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("access_codes.Get"); err != nil {
		return nil, err
	}
	c, ok := r.s.codes[code]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundAccessCode, "access code not found", nil)
	}
	return &c, nil
}

func (r accessCodeRepo) Create(_ context.Context, code *types.AccessCode) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("access_codes.Create"); err != nil {
		return err
	}
	if _, exists := r.s.codes[code.Code]; exists {
		return types.NewAppError(types.ErrCodeConflictCodeExists, "access code already exists", nil)
	}
	code.CreatedAt = r.s.clock.Now()
	r.s.codes[code.Code] = *code
	return nil
}

func (r accessCodeRepo) ListRecent(_ context.Context, limit int) ([]types.AccessCode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("access_codes.ListRecent"); err != nil {
		return nil, err
	}
	out := make([]types.AccessCode, 0, len(r.s.codes))
	for _, c := range r.s.codes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r accessCodeRepo) Claim(_ context.Context, code string, subscriberID string, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("access_codes.Claim"); err != nil {
		return false, err
	}
	c, ok := r.s.codes[code]
	if !ok || c.RedeemedBy != nil || !now.Before(c.ExpiresAt) {
		return false, nil
	}
	c.RedeemedBy = ptr(subscriberID)
	c.RedeemedAt = ptr(now)
	r.s.codes[code] = c
	return true, nil
}

// --- processed events ---

type eventRepo struct{ s *Store }

func (r eventRepo) Exists(_ context.Context, eventID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("processed_events.Exists"); err != nil {
		return false, err
	}
	_, ok := r.s.events[eventID]
	return ok, nil
}

func (r eventRepo) Insert(_ context.Context, evt types.ProcessedEvent) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("processed_events.Insert"); err != nil {
		return false, err
	}
	if _, ok := r.s.events[evt.EventID]; ok {
		return false, nil
	}
	r.s.events[evt.EventID] = evt
	return true, nil
}

func (r eventRepo) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("processed_events.DeleteBefore"); err != nil {
		return 0, err
	}
	var n int64
	for id, evt := range r.s.events {
		if evt.ObservedAt.Before(cutoff) {
			delete(r.s.events, id)
			n++
		}
	}
	return n, nil
}

// --- delivery ledger ---

type deliveryRepo struct{ s *Store }

func (r deliveryRepo) byKey(key types.DeliveryKey) (deliveryRow, bool) {
	for _, row := range r.s.deliveries {
		if row.entry.Key == key {
			return row, true
		}
	}
	return deliveryRow{}, false
}

func (r deliveryRepo) Get(_ context.Context, key types.DeliveryKey) (*types.DeliveryEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("deliveries.Get"); err != nil {
		return nil, err
	}
	row, ok := r.byKey(key)
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundDelivery, "delivery entry not found", nil)
	}
	return ptr(row.entry), nil
}

func (r deliveryRepo) Ensure(_ context.Context, key types.DeliveryKey, payload []byte) (*types.DeliveryEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("deliveries.Ensure"); err != nil {
		return nil, err
	}
	if row, ok := r.byKey(key); ok {
		if row.entry.Payload == nil && payload != nil {
			row.entry.Payload = payload
			r.s.deliveries[row.entry.ID] = row
		}
		return ptr(row.entry), nil
	}
	now := r.s.clock.Now()
	entry := types.DeliveryEntry{
		ID:        uuid.NewString(),
		Key:       key,
		Status:    types.DeliveryPending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.s.deliveries[entry.ID] = deliveryRow{entry: entry}
	return ptr(entry), nil
}

func (r deliveryRepo) Claim(_ context.Context, id string, expectedAttempts int, now time.Time, lease time.Duration) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("deliveries.Claim"); err != nil {
		return false, err
	}
	row, ok := r.s.deliveries[id]
	if !ok || row.entry.Attempts != expectedAttempts || row.entry.Status.Terminal() {
		return false, nil
	}
	if row.claimedUntil != nil && !row.claimedUntil.Before(now) {
		return false, nil
	}
	row.claimedUntil = ptr(now.Add(lease))
	r.s.deliveries[id] = row
	return true, nil
}

func (r deliveryRepo) RecordAttempt(_ context.Context, id string, expectedAttempts int, status types.DeliveryStatus, lastError *string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("deliveries.RecordAttempt"); err != nil {
		return false, err
	}
	row, ok := r.s.deliveries[id]
	if !ok || row.entry.Attempts != expectedAttempts || row.entry.Status.Terminal() {
		return false, nil
	}
	row.entry.Status = status
	row.entry.Attempts++
	row.entry.LastAttemptAt = ptr(at)
	if lastError != nil {
		row.entry.LastError = ptr(*lastError)
	}
	row.entry.UpdatedAt = r.s.clock.Now()
	row.claimedUntil = nil
	r.s.deliveries[id] = row
	return true, nil
}

func (r deliveryRepo) ListRetryCandidates(_ context.Context, maxAttempts int, staleBefore time.Time, limit int) ([]types.DeliveryEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("deliveries.ListRetryCandidates"); err != nil {
		return nil, err
	}
	var out []types.DeliveryEntry
	for _, row := range r.s.deliveries {
		e := row.entry
		switch {
		case e.Status == types.DeliveryFailed && e.Attempts < maxAttempts:
			out = append(out, e)
		case e.Status == types.DeliveryPending && e.CreatedAt.Before(staleBefore) &&
			(row.claimedUntil == nil || row.claimedUntil.Before(staleBefore)):
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return lastTouched(out[i]).Before(lastTouched(out[j])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func lastTouched(e types.DeliveryEntry) time.Time {
	if e.LastAttemptAt != nil {
		return *e.LastAttemptAt
	}
	return e.CreatedAt
}

func (r deliveryRepo) CountByStatus(context.Context) (map[types.DeliveryStatus]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("deliveries.CountByStatus"); err != nil {
		return nil, err
	}
	counts := make(map[types.DeliveryStatus]int)
	for _, row := range r.s.deliveries {
		counts[row.entry.Status]++
	}
	return counts, nil
}

func (r deliveryRepo) RecentErrors(_ context.Context, limit int) ([]types.DeliveryError, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("deliveries.RecentErrors"); err != nil {
		return nil, err
	}
	var out []types.DeliveryError
	for _, row := range r.s.deliveries {
		e := row.entry
		if (e.Status != types.DeliveryFailed && e.Status != types.DeliveryDeadLetter) || e.LastError == nil {
			continue
		}
		out = append(out, types.DeliveryError{
			Recipient:     e.Key.Recipient,
			Subject:       e.Key.Subject,
			Channel:       e.Key.Channel,
			Status:        e.Status,
			Attempts:      e.Attempts,
			LastError:     *e.LastError,
			LastAttemptAt: e.LastAttemptAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[j].LastAttemptAt.Before(*out[i].LastAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Seed helpers for tests and local fixtures.

// PutSubscriber stores sub verbatim.
func (s *Store) PutSubscriber(sub types.Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[sub.ID] = sub
}

// PutSubscription stores sub verbatim.
func (s *Store) PutSubscription(sub types.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.BillingSubscriptionID] = sub
}

// PutAccessCode stores code verbatim.
func (s *Store) PutAccessCode(code types.AccessCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.Code] = code
}
