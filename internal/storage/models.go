package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventTypeRareDeepDiscount marks a SKU that is simultaneously cheap in
// absolute terms and heavily discounted relative to its original price.
const EventTypeRareDeepDiscount = "RARE_DEEP_DISCOUNT"

// SkuObservation is one scraped snapshot of a SKU's commercial state.
// Observations are append-only; the latest row per natural key
// (variant_id, color_code, size_code) supersedes earlier ones.
type SkuObservation struct {
	ObservedAt    time.Time
	ScrapeID      string
	Catalog       string
	ProductID     string
	ProductName   string
	VariantID     string
	SkuPath       string
	ColorCode     string
	ColorLabel    string
	SizeCode      string
	SizeLabel     string
	SalePrice     *decimal.Decimal
	OriginalPrice *decimal.Decimal
	DiscountPct   *decimal.Decimal
	Available     bool
	CreatedAt     time.Time
}

// EventPayload carries the commercial context captured at detection time.
type EventPayload struct {
	ProductName   string          `json:"product_name"`
	SalePrice     decimal.Decimal `json:"sale_price"`
	OriginalPrice decimal.Decimal `json:"original_price"`
	DiscountPct   decimal.Decimal `json:"discount_pct"`
}

// Event is a detected qualifying condition. Its identity key
// (event_type, variant_id, color_code, size_code) is unique in the event
// log; re-detection of the same condition is absorbed, not duplicated.
type Event struct {
	EventTime  time.Time
	Catalog    string
	EventType  string
	ProductID  string
	VariantID  string
	SkuPath    string
	ColorCode  string
	ColorLabel string
	SizeCode   string
	SizeLabel  string
	Payload    EventPayload
	CreatedAt  time.Time
}

// DeliveryKey identifies one notified SKU condition for one chat.
type DeliveryKey struct {
	ChatID    string
	EventType string
	VariantID string
	ColorCode string
	SizeCode  string
}

// DeliveryKeyFor builds the delivery-log key covering this event for a chat.
func (e Event) DeliveryKeyFor(chatID string) DeliveryKey {
	return DeliveryKey{
		ChatID:    chatID,
		EventType: e.EventType,
		VariantID: e.VariantID,
		ColorCode: e.ColorCode,
		SizeCode:  e.SizeCode,
	}
}

// DeliveryRecord is proof that a chat was notified of a SKU condition.
// Writes are upserts: a repeated send refreshes NotifiedAt.
type DeliveryRecord struct {
	Key        DeliveryKey
	NotifiedAt time.Time
}
