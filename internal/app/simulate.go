package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"sale-discount-alerts/internal/alerting"
	"sale-discount-alerts/internal/storage"
)

// Simulate pushes one synthetic qualifying event through the routing
// pipeline without touching the store. Messages go to the dry-run
// notifier unless notifications are enabled for real delivery.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	sale := decimal.NewFromFloat(opts.SalePrice)
	original := decimal.NewFromFloat(opts.OriginalPrice)
	if sale.IsNegative() || original.IsNegative() {
		return errors.New("prices must not be negative")
	}
	if sale.GreaterThan(original) {
		return errors.New("sale price must not exceed original price")
	}

	discount := deriveDiscount(sale, original)
	if discount == nil {
		return errors.New("original price must be greater than zero")
	}

	event := storage.Event{
		EventTime:  time.Now().UTC(),
		Catalog:    opts.Catalog,
		EventType:  storage.EventTypeRareDeepDiscount,
		ProductID:  opts.ProductID,
		VariantID:  opts.VariantID,
		SkuPath:    opts.SkuPath,
		ColorCode:  opts.ColorCode,
		ColorLabel: opts.ColorLabel,
		SizeCode:   opts.SizeCode,
		SizeLabel:  opts.SizeLabel,
		Payload: storage.EventPayload{
			ProductName:   opts.ProductName,
			SalePrice:     sale,
			OriginalPrice: original,
			DiscountPct:   *discount,
		},
	}

	notifier := alerting.Notifier(alerting.NewLogNotifier(a.Logger))
	if a.Config.Notification.Enabled && !a.Config.Notification.DryRun {
		notifier = a.newNotifier()
	}

	router := a.newRouter(newMemoryDeliveryLog(), notifier)

	intents, planStats, err := router.Plan(ctx, []storage.Event{event})
	if err != nil {
		return err
	}
	if len(intents) == 0 {
		a.Logger.Info().
			Int("skipped_filter", planStats.SkippedFilter).
			Msg("no recipient matched the simulated event")
		return nil
	}

	dispatchStats := router.Dispatch(ctx, intents)
	a.Logger.Info().
		Int("sent", dispatchStats.Sent).
		Int("failed", dispatchStats.Failed).
		Msg("simulation complete")
	return nil
}

// memoryDeliveryLog backs simulations, which must not write real
// delivery records.
type memoryDeliveryLog struct {
	records map[storage.DeliveryKey]storage.DeliveryRecord
}

func newMemoryDeliveryLog() *memoryDeliveryLog {
	return &memoryDeliveryLog{records: make(map[storage.DeliveryKey]storage.DeliveryRecord)}
}

func (m *memoryDeliveryLog) GetDeliveryRecord(_ context.Context, key storage.DeliveryKey) (*storage.DeliveryRecord, error) {
	record, ok := m.records[key]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (m *memoryDeliveryLog) UpsertDeliveryRecord(_ context.Context, record storage.DeliveryRecord) error {
	m.records[record.Key] = record
	return nil
}
