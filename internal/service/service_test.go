package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"sale-discount-alerts/internal/alerting"
	"sale-discount-alerts/internal/config"
	"sale-discount-alerts/internal/detector"
	"sale-discount-alerts/internal/storage"
)

type memoryStore struct {
	observations []storage.SkuObservation
	events       map[storage.DeliveryKey]storage.Event
	eventOrder   []storage.Event
	deliveries   map[storage.DeliveryKey]storage.DeliveryRecord
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		events:     make(map[storage.DeliveryKey]storage.Event),
		deliveries: make(map[storage.DeliveryKey]storage.DeliveryRecord),
	}
}

func (m *memoryStore) InsertObservations(_ context.Context, observations []storage.SkuObservation) error {
	m.observations = append(m.observations, observations...)
	return nil
}

func (m *memoryStore) ListLatestObservations(_ context.Context, catalog string) ([]storage.SkuObservation, error) {
	latest := make(map[[3]string]storage.SkuObservation)
	for _, obs := range m.observations {
		if obs.Catalog != catalog {
			continue
		}
		key := [3]string{obs.VariantID, obs.ColorCode, obs.SizeCode}
		if prev, ok := latest[key]; !ok || obs.ObservedAt.After(prev.ObservedAt) {
			latest[key] = obs
		}
	}
	out := make([]storage.SkuObservation, 0, len(latest))
	for _, obs := range latest {
		out = append(out, obs)
	}
	return out, nil
}

func (m *memoryStore) ListObservationHistory(_ context.Context, variantID, colorCode, sizeCode string, from, to time.Time) ([]storage.SkuObservation, error) {
	out := make([]storage.SkuObservation, 0)
	for _, obs := range m.observations {
		if obs.VariantID != variantID || obs.ColorCode != colorCode || obs.SizeCode != sizeCode {
			continue
		}
		if obs.ObservedAt.Before(from) || !obs.ObservedAt.Before(to) {
			continue
		}
		out = append(out, obs)
	}
	return out, nil
}

func (m *memoryStore) CountObservations(_ context.Context) (int64, error) {
	return int64(len(m.observations)), nil
}

func (m *memoryStore) DeleteObservationsBefore(_ context.Context, olderThan time.Time) error {
	kept := m.observations[:0]
	for _, obs := range m.observations {
		if !obs.ObservedAt.Before(olderThan) {
			kept = append(kept, obs)
		}
	}
	m.observations = kept
	return nil
}

func (m *memoryStore) AppendEventIfAbsent(_ context.Context, event storage.Event) (bool, error) {
	key := event.DeliveryKeyFor("")
	if _, exists := m.events[key]; exists {
		return false, nil
	}
	m.events[key] = event
	m.eventOrder = append(m.eventOrder, event)
	return true, nil
}

func (m *memoryStore) ListEventsSince(_ context.Context, since time.Time) ([]storage.Event, error) {
	out := make([]storage.Event, 0, len(m.eventOrder))
	for _, event := range m.eventOrder {
		if event.EventTime.Before(since) {
			continue
		}
		out = append(out, event)
	}
	return out, nil
}

func (m *memoryStore) ListRecentEvents(_ context.Context, limit int) ([]storage.Event, error) {
	out := make([]storage.Event, 0, limit)
	for i := len(m.eventOrder) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.eventOrder[i])
	}
	return out, nil
}

func (m *memoryStore) DeleteEventsBefore(_ context.Context, olderThan time.Time) error {
	kept := m.eventOrder[:0]
	for _, event := range m.eventOrder {
		if event.EventTime.Before(olderThan) {
			delete(m.events, event.DeliveryKeyFor(""))
			continue
		}
		kept = append(kept, event)
	}
	m.eventOrder = kept
	return nil
}

func (m *memoryStore) GetDeliveryRecord(_ context.Context, key storage.DeliveryKey) (*storage.DeliveryRecord, error) {
	record, ok := m.deliveries[key]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (m *memoryStore) UpsertDeliveryRecord(_ context.Context, record storage.DeliveryRecord) error {
	m.deliveries[record.Key] = record
	return nil
}

type countingNotifier struct {
	sent []string
}

func (c *countingNotifier) Send(_ context.Context, _ string, text string) error {
	c.sent = append(c.sent, text)
	return nil
}

type fakeLocker struct {
	acquired bool
	unlocked bool
}

func (f *fakeLocker) TryAdvisoryLock(_ context.Context, _ int64) (func(), bool, error) {
	if !f.acquired {
		return nil, false, nil
	}
	return func() { f.unlocked = true }, true, nil
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func testConfig() *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{AdvisoryLockKey: 1},
		Detection: config.DetectionConfig{
			Catalogs:       []string{"men"},
			PriceCeiling:   10,
			MinDiscountPct: 70,
		},
		Notification: config.NotificationConfig{
			Enabled:  true,
			Lookback: time.Hour,
			Cooldown: 24 * time.Hour,
		},
	}
}

func newPipeline(t *testing.T, store *memoryStore, notifier alerting.Notifier, locker storage.AdvisoryLocker) *Service {
	t.Helper()
	cfg := testConfig()
	logger := zerolog.Nop()

	det := detector.New(store, store, detector.Thresholds{
		PriceCeiling:  decimal.NewFromFloat(cfg.Detection.PriceCeiling),
		DiscountFloor: decimal.NewFromFloat(cfg.Detection.MinDiscountPct),
	}, cfg.Detection.Catalogs, logger)

	recipients := []alerting.Recipient{{
		UserID: "watcher",
		ChatID: "chat-1",
		Rules: map[alerting.RuleKey]alerting.Rule{
			{EventType: storage.EventTypeRareDeepDiscount, Catalog: "men"}: {
				Sizes: map[string]struct{}{"M": {}},
			},
		},
	}}
	router := alerting.NewRouter(store, notifier, recipients, alerting.Options{
		Cooldown:   cfg.Notification.Cooldown,
		BaseDomain: "https://www.uniqlo.com",
	}, logger)

	return New(cfg, nil, det, store, store, router, locker, logger)
}

func qualifyingObservation(at time.Time) storage.SkuObservation {
	return storage.SkuObservation{
		ObservedAt:    at,
		ScrapeID:      "scrape-1",
		Catalog:       "men",
		ProductID:     "450195",
		ProductName:   "Fleece Jacket",
		VariantID:     "E450195-000-02",
		SkuPath:       "/uk/en/products/E450195-000-02",
		ColorCode:     "09",
		ColorLabel:    "BLACK",
		SizeCode:      "004",
		SizeLabel:     "M",
		SalePrice:     dec("9.99"),
		OriginalPrice: dec("49.99"),
		DiscountPct:   dec("80"),
		Available:     true,
	}
}

func TestPassDetectsAndNotifiesOnce(t *testing.T) {
	store := newMemoryStore()
	notifier := &countingNotifier{}
	svc := newPipeline(t, store, notifier, &fakeLocker{acquired: true})

	now := time.Now().UTC()
	store.observations = append(store.observations, qualifyingObservation(now))

	if err := svc.RunPass(context.Background(), now); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}

	if len(store.eventOrder) != 1 {
		t.Fatalf("expected 1 event, got %d", len(store.eventOrder))
	}
	if len(notifier.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(notifier.sent))
	}
	if len(store.deliveries) != 1 {
		t.Fatalf("expected 1 delivery record, got %d", len(store.deliveries))
	}

	// Same state on the next pass: no new event, no duplicate message.
	if err := svc.RunPass(context.Background(), now.Add(30*time.Minute)); err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if len(store.eventOrder) != 1 {
		t.Fatalf("second pass should create no events, got %d", len(store.eventOrder))
	}
	if len(notifier.sent) != 1 {
		t.Fatalf("second pass should send nothing, got %d messages", len(notifier.sent))
	}
}

func TestPassSkipsWhenLockHeldElsewhere(t *testing.T) {
	store := newMemoryStore()
	notifier := &countingNotifier{}
	svc := newPipeline(t, store, notifier, &fakeLocker{acquired: false})

	now := time.Now().UTC()
	store.observations = append(store.observations, qualifyingObservation(now))

	if err := svc.RunPass(context.Background(), now); err != nil {
		t.Fatalf("pass should skip cleanly: %v", err)
	}
	if len(store.eventOrder) != 0 {
		t.Fatal("a skipped pass must not detect events")
	}
	if len(notifier.sent) != 0 {
		t.Fatal("a skipped pass must not send messages")
	}
}

func TestPassReleasesLock(t *testing.T) {
	store := newMemoryStore()
	locker := &fakeLocker{acquired: true}
	svc := newPipeline(t, store, &countingNotifier{}, locker)

	if err := svc.RunPass(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if !locker.unlocked {
		t.Fatal("advisory lock must be released after the pass")
	}
}

func TestPassOutsideLookbackNotRouted(t *testing.T) {
	store := newMemoryStore()
	notifier := &countingNotifier{}
	svc := newPipeline(t, store, notifier, &fakeLocker{acquired: true})

	past := time.Now().UTC().Add(-2 * time.Hour)
	store.observations = append(store.observations, qualifyingObservation(past))
	if err := svc.RunPass(context.Background(), past); err != nil {
		t.Fatalf("backdated pass failed: %v", err)
	}

	// Backdate the stored event two hours and clear the delivery log so
	// only the lookback window can suppress a re-send.
	sentBefore := len(notifier.sent)
	store.eventOrder[0].EventTime = past
	store.deliveries = make(map[storage.DeliveryKey]storage.DeliveryRecord)

	if err := svc.RunPass(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("current pass failed: %v", err)
	}
	if len(notifier.sent) != sentBefore {
		t.Fatalf("event outside the lookback window must not be routed, got %d new sends", len(notifier.sent)-sentBefore)
	}
}

func TestPruneHonoursRetention(t *testing.T) {
	store := newMemoryStore()
	cfg := testConfig()
	cfg.Detection.EventRetention = time.Hour
	cfg.Detection.ObservationRetention = time.Hour
	cfg.Notification.Enabled = false

	det := detector.New(store, store, detector.Thresholds{
		PriceCeiling:  decimal.NewFromFloat(cfg.Detection.PriceCeiling),
		DiscountFloor: decimal.NewFromFloat(cfg.Detection.MinDiscountPct),
	}, cfg.Detection.Catalogs, zerolog.Nop())
	svc := New(cfg, nil, det, store, store, nil, nil, zerolog.Nop())

	now := time.Now().UTC()
	stale := qualifyingObservation(now.Add(-3 * time.Hour))
	stale.Available = false
	store.observations = append(store.observations, stale)

	if err := svc.RunPass(context.Background(), now); err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if len(store.observations) != 0 {
		t.Fatalf("observation older than the retention window must be pruned, %d left", len(store.observations))
	}
}
