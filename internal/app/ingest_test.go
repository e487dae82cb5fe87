package app

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func validRecord() observationRecord {
	return observationRecord{
		Catalog:       "men",
		ProductID:     "450195",
		ProductName:   "Fleece Jacket",
		VariantID:     "E450195-000-02",
		SkuPath:       "/uk/en/products/E450195-000-02",
		ColorCode:     "09",
		ColorLabel:    "BLACK",
		SizeCode:      "004",
		SizeLabel:     "M",
		SalePrice:     decPtr("9.99"),
		OriginalPrice: decPtr("49.99"),
		DiscountPct:   decPtr("80"),
		Available:     true,
	}
}

func TestToObservationValid(t *testing.T) {
	now := time.Now().UTC()
	obs, err := validRecord().toObservation("scrape-1", now)
	if err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}
	if obs.ScrapeID != "scrape-1" {
		t.Fatalf("scrape id not stamped: %q", obs.ScrapeID)
	}
	if !obs.ObservedAt.Equal(now) {
		t.Fatalf("missing observed_at should default to batch time, got %v", obs.ObservedAt)
	}
}

func TestToObservationRejectsMalformed(t *testing.T) {
	cases := map[string]func(*observationRecord){
		"missing variant":           func(r *observationRecord) { r.VariantID = "" },
		"missing catalog":           func(r *observationRecord) { r.Catalog = "" },
		"missing color code":        func(r *observationRecord) { r.ColorCode = "" },
		"missing size code":         func(r *observationRecord) { r.SizeCode = "" },
		"negative sale price":       func(r *observationRecord) { r.SalePrice = decPtr("-1") },
		"negative original price":   func(r *observationRecord) { r.OriginalPrice = decPtr("-1") },
		"sale above original":       func(r *observationRecord) { r.SalePrice = decPtr("99.99") },
		"negative discount percent": func(r *observationRecord) { r.DiscountPct = decPtr("-5") },
	}

	for name, mutate := range cases {
		rec := validRecord()
		mutate(&rec)
		if _, err := rec.toObservation("scrape-1", time.Now().UTC()); err == nil {
			t.Errorf("%s: record should be rejected", name)
		}
	}
}

func TestToObservationFallbackLabels(t *testing.T) {
	rec := validRecord()
	rec.ColorLabel = ""
	rec.SizeLabel = ""

	obs, err := rec.toObservation("scrape-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("record rejected: %v", err)
	}
	if obs.ColorLabel != "09" || obs.SizeLabel != "004" {
		t.Fatalf("labels should fall back to codes, got %q/%q", obs.ColorLabel, obs.SizeLabel)
	}
}

func TestToObservationDerivesDiscount(t *testing.T) {
	rec := validRecord()
	rec.DiscountPct = nil

	obs, err := rec.toObservation("scrape-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("record rejected: %v", err)
	}
	if obs.DiscountPct == nil {
		t.Fatal("discount should be derived from the price pair")
	}
	if obs.DiscountPct.StringFixed(2) != "80.02" {
		t.Fatalf("unexpected derived discount: %s", obs.DiscountPct)
	}
}

func TestToObservationNilPricesKept(t *testing.T) {
	rec := validRecord()
	rec.SalePrice = nil
	rec.OriginalPrice = nil
	rec.DiscountPct = nil

	obs, err := rec.toObservation("scrape-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("a record without prices is stored, not rejected: %v", err)
	}
	if obs.SalePrice != nil || obs.DiscountPct != nil {
		t.Fatal("nil prices must stay nil")
	}
}

func TestDeriveDiscount(t *testing.T) {
	cases := []struct {
		sale, original string
		want           string
	}{
		{"9.99", "49.99", "80.02"},
		{"50", "100", "50.00"},
		{"0", "100", "100.00"},
		{"100", "100", "0.00"},
	}
	for _, tc := range cases {
		got := deriveDiscount(decimal.RequireFromString(tc.sale), decimal.RequireFromString(tc.original))
		if got == nil {
			t.Fatalf("%s/%s: unexpected nil", tc.sale, tc.original)
		}
		if got.StringFixed(2) != tc.want {
			t.Fatalf("%s/%s: got %s, want %s", tc.sale, tc.original, got.StringFixed(2), tc.want)
		}
	}

	if deriveDiscount(decimal.Zero, decimal.Zero) != nil {
		t.Fatal("zero original price cannot produce a discount")
	}
}
