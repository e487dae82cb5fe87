package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"sale-discount-alerts/internal/storage"
)

// observationRecord is the wire shape produced by the external scraper.
type observationRecord struct {
	ObservedAt    *time.Time       `json:"observed_at"`
	Catalog       string           `json:"catalog"`
	ProductID     string           `json:"product_id"`
	ProductName   string           `json:"product_name"`
	VariantID     string           `json:"variant_id"`
	SkuPath       string           `json:"sku_path"`
	ColorCode     string           `json:"color_code"`
	ColorLabel    string           `json:"color_label"`
	SizeCode      string           `json:"size_code"`
	SizeLabel     string           `json:"size_label"`
	SalePrice     *decimal.Decimal `json:"sale_price"`
	OriginalPrice *decimal.Decimal `json:"original_price"`
	DiscountPct   *decimal.Decimal `json:"discount_pct"`
	Available     bool             `json:"is_available"`
}

// Ingest loads a scraper output batch into the observation log. The batch
// is stamped with a fresh scrape id; malformed records are dropped and
// counted, never fatal.
func (a *App) Ingest(ctx context.Context, opts IngestOptions) error {
	data, err := os.ReadFile(opts.Path)
	if err != nil {
		return fmt.Errorf("read batch file: %w", err)
	}

	var records []observationRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parse batch file: %w", err)
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("batch file contains no records")
		return nil
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	scrapeID := uuid.NewString()
	now := time.Now().UTC()

	observations := make([]storage.SkuObservation, 0, len(records))
	dropped := 0
	for i, rec := range records {
		obs, convErr := rec.toObservation(scrapeID, now)
		if convErr != nil {
			dropped++
			a.Logger.Warn().Err(convErr).Int("index", i).Msg("dropping malformed observation record")
			continue
		}
		observations = append(observations, obs)
	}

	if err := store.InsertObservations(ctx, observations); err != nil {
		return err
	}

	total, err := store.CountObservations(ctx)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Str("scrape_id", scrapeID).
		Int("inserted", len(observations)).
		Int("dropped", dropped).
		Int64("total", total).
		Msg("batch ingested")
	return nil
}

func (r observationRecord) toObservation(scrapeID string, now time.Time) (storage.SkuObservation, error) {
	if r.Catalog == "" || r.ProductID == "" || r.VariantID == "" || r.SkuPath == "" {
		return storage.SkuObservation{}, errors.New("missing identity fields")
	}
	if r.ColorCode == "" || r.SizeCode == "" {
		return storage.SkuObservation{}, errors.New("missing color or size code")
	}
	if r.SalePrice != nil && r.SalePrice.IsNegative() {
		return storage.SkuObservation{}, errors.New("negative sale price")
	}
	if r.OriginalPrice != nil && r.OriginalPrice.IsNegative() {
		return storage.SkuObservation{}, errors.New("negative original price")
	}
	if r.SalePrice != nil && r.OriginalPrice != nil && r.SalePrice.GreaterThan(*r.OriginalPrice) {
		return storage.SkuObservation{}, errors.New("sale price above original price")
	}
	if r.DiscountPct != nil && r.DiscountPct.IsNegative() {
		return storage.SkuObservation{}, errors.New("negative discount")
	}

	observedAt := now
	if r.ObservedAt != nil {
		observedAt = r.ObservedAt.UTC()
	}

	colorLabel := r.ColorLabel
	if colorLabel == "" {
		colorLabel = r.ColorCode
	}
	sizeLabel := r.SizeLabel
	if sizeLabel == "" {
		sizeLabel = r.SizeCode
	}

	discount := r.DiscountPct
	if discount == nil && r.SalePrice != nil && r.OriginalPrice != nil {
		discount = deriveDiscount(*r.SalePrice, *r.OriginalPrice)
	}

	return storage.SkuObservation{
		ObservedAt:    observedAt,
		ScrapeID:      scrapeID,
		Catalog:       r.Catalog,
		ProductID:     r.ProductID,
		ProductName:   r.ProductName,
		VariantID:     r.VariantID,
		SkuPath:       r.SkuPath,
		ColorCode:     r.ColorCode,
		ColorLabel:    colorLabel,
		SizeCode:      r.SizeCode,
		SizeLabel:     sizeLabel,
		SalePrice:     r.SalePrice,
		OriginalPrice: r.OriginalPrice,
		DiscountPct:   discount,
		Available:     r.Available,
	}, nil
}

// deriveDiscount computes (original-sale)/original*100, clamped to [0,100].
// Returns nil when the original price is zero.
func deriveDiscount(sale, original decimal.Decimal) *decimal.Decimal {
	if original.IsZero() {
		return nil
	}
	hundred := decimal.NewFromInt(100)
	pct := original.Sub(sale).Div(original).Mul(hundred)
	if pct.IsNegative() {
		pct = decimal.Zero
	}
	if pct.GreaterThan(hundred) {
		pct = hundred
	}
	return &pct
}
