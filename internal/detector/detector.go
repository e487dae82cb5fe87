package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"sale-discount-alerts/internal/storage"
)

// ObservationSource yields the latest-known observation per SKU.
type ObservationSource interface {
	ListLatestObservations(ctx context.Context, catalog string) ([]storage.SkuObservation, error)
}

// EventSink absorbs detected events, ignoring duplicates by identity key.
type EventSink interface {
	AppendEventIfAbsent(ctx context.Context, event storage.Event) (bool, error)
}

// Thresholds parameterise event qualification. A SKU qualifies when its
// sale price is strictly below PriceCeiling and its discount is at or
// above DiscountFloor.
type Thresholds struct {
	PriceCeiling  decimal.Decimal
	DiscountFloor decimal.Decimal
}

// Result summarises one detection run.
type Result struct {
	Scanned    int
	Dropped    int
	Qualified  int
	Duplicates int
	New        []storage.Event
}

// Detector scans current SKU state and appends qualifying events.
type Detector struct {
	observations ObservationSource
	events       EventSink
	thresholds   Thresholds
	catalogs     []string
	logger       zerolog.Logger
	now          func() time.Time
}

// New constructs a Detector over the given catalogs.
func New(observations ObservationSource, events EventSink, thresholds Thresholds, catalogs []string, logger zerolog.Logger) *Detector {
	return &Detector{
		observations: observations,
		events:       events,
		thresholds:   thresholds,
		catalogs:     catalogs,
		logger:       logger.With().Str("component", "detector").Logger(),
		now:          time.Now,
	}
}

// Run performs one detection pass. It is safe to repeat against unchanged
// state: the event sink absorbs re-detected conditions, so a second run
// yields zero new events. A store failure aborts the run with no partial
// accounting.
func (d *Detector) Run(ctx context.Context) (Result, error) {
	var res Result
	eventTime := d.now().UTC()

	for _, catalog := range d.catalogs {
		rows, err := d.observations.ListLatestObservations(ctx, catalog)
		if err != nil {
			return Result{}, fmt.Errorf("list latest observations for %s: %w", catalog, err)
		}

		for _, obs := range rows {
			res.Scanned++

			if malformed(obs) {
				res.Dropped++
				d.logger.Debug().
					Str("variant_id", obs.VariantID).
					Str("color_code", obs.ColorCode).
					Str("size_code", obs.SizeCode).
					Msg("dropping malformed observation")
				continue
			}
			if !d.qualifies(obs) {
				continue
			}

			res.Qualified++
			event := buildEvent(obs, eventTime)
			inserted, err := d.events.AppendEventIfAbsent(ctx, event)
			if err != nil {
				return Result{}, fmt.Errorf("append event: %w", err)
			}
			if !inserted {
				res.Duplicates++
				continue
			}
			res.New = append(res.New, event)
		}
	}

	d.logger.Info().
		Int("scanned", res.Scanned).
		Int("dropped", res.Dropped).
		Int("qualified", res.Qualified).
		Int("new", len(res.New)).
		Int("duplicates", res.Duplicates).
		Msg("detection pass complete")

	return res, nil
}

// malformed reports rows the feed should never have produced: missing or
// negative prices, or a sale price above the original.
func malformed(obs storage.SkuObservation) bool {
	if obs.SalePrice == nil || obs.OriginalPrice == nil {
		return true
	}
	if obs.SalePrice.IsNegative() || obs.OriginalPrice.IsNegative() {
		return true
	}
	if obs.SalePrice.GreaterThan(*obs.OriginalPrice) {
		return true
	}
	if obs.DiscountPct != nil && obs.DiscountPct.IsNegative() {
		return true
	}
	return false
}

func (d *Detector) qualifies(obs storage.SkuObservation) bool {
	if !obs.Available {
		return false
	}
	// A missing discount excludes the row; it is not treated as zero.
	if obs.DiscountPct == nil {
		return false
	}
	if obs.DiscountPct.LessThan(d.thresholds.DiscountFloor) {
		return false
	}
	return obs.SalePrice.LessThan(d.thresholds.PriceCeiling)
}

func buildEvent(obs storage.SkuObservation, eventTime time.Time) storage.Event {
	return storage.Event{
		EventTime:  eventTime,
		Catalog:    obs.Catalog,
		EventType:  storage.EventTypeRareDeepDiscount,
		ProductID:  obs.ProductID,
		VariantID:  obs.VariantID,
		SkuPath:    obs.SkuPath,
		ColorCode:  obs.ColorCode,
		ColorLabel: obs.ColorLabel,
		SizeCode:   obs.SizeCode,
		SizeLabel:  obs.SizeLabel,
		Payload: storage.EventPayload{
			ProductName:   obs.ProductName,
			SalePrice:     *obs.SalePrice,
			OriginalPrice: *obs.OriginalPrice,
			DiscountPct:   *obs.DiscountPct,
		},
	}
}
