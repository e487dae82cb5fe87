package alerting

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"sale-discount-alerts/internal/storage"
)

// DeliveryLog records which SKU conditions each chat has been told about.
type DeliveryLog interface {
	GetDeliveryRecord(ctx context.Context, key storage.DeliveryKey) (*storage.DeliveryRecord, error)
	UpsertDeliveryRecord(ctx context.Context, record storage.DeliveryRecord) error
}

// DispatchIntent is one planned message for one recipient, together with
// the delivery-log keys it covers once sent.
type DispatchIntent struct {
	UserID string
	ChatID string
	Text   string
	Keys   []storage.DeliveryKey
}

// PlanStats counts routing decisions, per (recipient, event) pair.
type PlanStats struct {
	Planned         int
	SkippedFilter   int
	SkippedCooldown int
}

// DispatchStats counts delivery outcomes, per intent.
type DispatchStats struct {
	Sent   int
	Failed int
}

// Options tune router behaviour. A zero Cooldown means every eligible
// event is re-notified on every run.
type Options struct {
	Cooldown   time.Duration
	BaseDomain string
}

// Router fans events out to recipients under their filter rules, grouping
// sizes of one (catalog, product, color) into a single message and
// enforcing at-most-once delivery per SKU condition per cooldown window.
type Router struct {
	deliveries DeliveryLog
	notifier   Notifier
	recipients []Recipient
	opts       Options
	logger     zerolog.Logger
	now        func() time.Time
}

// NewRouter constructs a Router.
func NewRouter(deliveries DeliveryLog, notifier Notifier, recipients []Recipient, opts Options, logger zerolog.Logger) *Router {
	if opts.BaseDomain == "" {
		opts.BaseDomain = "https://www.uniqlo.com"
	}
	return &Router{
		deliveries: deliveries,
		notifier:   notifier,
		recipients: recipients,
		opts:       opts,
		logger:     logger.With().Str("component", "router").Logger(),
		now:        time.Now,
	}
}

type groupKey struct {
	Catalog   string
	EventType string
	ProductID string
	ColorCode string
	SkuPath   string
}

type eventGroup struct {
	key        groupKey
	colorLabel string
	payload    storage.EventPayload
	events     []storage.Event
}

// Plan evaluates every (recipient, event) pair and returns the messages
// that should be sent. It reads the delivery log for cooldown checks but
// writes nothing; a delivery-log read failure aborts planning.
func (r *Router) Plan(ctx context.Context, events []storage.Event) ([]DispatchIntent, PlanStats, error) {
	var stats PlanStats
	if len(events) == 0 || len(r.recipients) == 0 {
		return nil, stats, nil
	}

	groups := groupEvents(events)
	now := r.now().UTC()

	intents := make([]DispatchIntent, 0)
	for _, recipient := range r.recipients {
		for _, group := range groups {
			rule, subscribed := recipient.Rules[RuleKey{EventType: group.key.EventType, Catalog: group.key.Catalog}]
			if !subscribed {
				stats.SkippedFilter += len(group.events)
				continue
			}
			if !rule.AllowsColor(group.colorLabel) {
				stats.SkippedFilter += len(group.events)
				continue
			}

			eligible := make([]storage.Event, 0, len(group.events))
			for _, event := range group.events {
				if !rule.AllowsSize(event.SizeLabel) {
					stats.SkippedFilter++
					continue
				}

				cooled, err := r.inCooldown(ctx, event.DeliveryKeyFor(recipient.ChatID), now)
				if err != nil {
					return nil, PlanStats{}, err
				}
				if cooled {
					stats.SkippedCooldown++
					continue
				}
				eligible = append(eligible, event)
			}
			if len(eligible) == 0 {
				continue
			}

			stats.Planned += len(eligible)
			keys := make([]storage.DeliveryKey, 0, len(eligible))
			for _, event := range eligible {
				keys = append(keys, event.DeliveryKeyFor(recipient.ChatID))
			}

			intents = append(intents, DispatchIntent{
				UserID: recipient.UserID,
				ChatID: recipient.ChatID,
				Text:   r.renderMessage(group, sizeLabels(eligible)),
				Keys:   keys,
			})
		}
	}

	return intents, stats, nil
}

// Dispatch sends planned messages. The delivery record for each covered
// key is written only after the transport reports success, so a failed
// send retries naturally on the next run. Per-intent failures do not stop
// the remaining intents.
func (r *Router) Dispatch(ctx context.Context, intents []DispatchIntent) DispatchStats {
	var stats DispatchStats
	for _, intent := range intents {
		if err := r.notifier.Send(ctx, intent.ChatID, intent.Text); err != nil {
			stats.Failed++
			r.logger.Error().Err(err).
				Str("user_id", intent.UserID).
				Str("chat_id", intent.ChatID).
				Msg("failed to dispatch message")
			continue
		}
		stats.Sent++

		notifiedAt := r.now().UTC()
		for _, key := range intent.Keys {
			record := storage.DeliveryRecord{Key: key, NotifiedAt: notifiedAt}
			if err := r.deliveries.UpsertDeliveryRecord(ctx, record); err != nil {
				r.logger.Error().Err(err).
					Str("chat_id", key.ChatID).
					Str("variant_id", key.VariantID).
					Msg("failed to record delivery; a duplicate send may occur next run")
			}
		}
	}
	return stats
}

func (r *Router) inCooldown(ctx context.Context, key storage.DeliveryKey, now time.Time) (bool, error) {
	record, err := r.deliveries.GetDeliveryRecord(ctx, key)
	if err != nil {
		return false, fmt.Errorf("get delivery record: %w", err)
	}
	if record == nil || r.opts.Cooldown <= 0 {
		return false, nil
	}
	return now.Sub(record.NotifiedAt) < r.opts.Cooldown, nil
}

// groupEvents orders events chronologically and coalesces sizes of one
// (catalog, event type, product, color, sku path) into a single group.
func groupEvents(events []storage.Event) []*eventGroup {
	ordered := make([]storage.Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].EventTime.Before(ordered[j].EventTime)
	})

	byKey := make(map[groupKey]*eventGroup)
	groups := make([]*eventGroup, 0)
	for _, event := range ordered {
		key := groupKey{
			Catalog:   event.Catalog,
			EventType: event.EventType,
			ProductID: event.ProductID,
			ColorCode: event.ColorCode,
			SkuPath:   event.SkuPath,
		}
		group, ok := byKey[key]
		if !ok {
			group = &eventGroup{key: key, colorLabel: event.ColorLabel, payload: event.Payload}
			byKey[key] = group
			groups = append(groups, group)
		}
		group.events = append(group.events, event)
	}
	return groups
}

func sizeLabels(events []storage.Event) []string {
	seen := make(map[string]struct{}, len(events))
	labels := make([]string, 0, len(events))
	for _, event := range events {
		if _, ok := seen[event.SizeLabel]; ok {
			continue
		}
		seen[event.SizeLabel] = struct{}{}
		labels = append(labels, event.SizeLabel)
	}
	sort.Strings(labels)
	return labels
}

func (r *Router) renderMessage(group *eventGroup, sizes []string) string {
	builder := strings.Builder{}
	builder.WriteString(headerFor(group.key.EventType))
	builder.WriteString("\n\n")
	builder.WriteString(strings.ToUpper(group.key.Catalog))
	builder.WriteString("\n")
	if group.payload.ProductName != "" {
		builder.WriteString(group.payload.ProductName)
		builder.WriteString("\n")
	}
	builder.WriteString(fmt.Sprintf("Color: %s\n", group.colorLabel))
	builder.WriteString(fmt.Sprintf("Sizes: %s\n\n", strings.Join(sizes, ", ")))
	builder.WriteString(fmt.Sprintf("£%s (was £%s, -%s%%)\n\n",
		group.payload.SalePrice.StringFixed(2),
		group.payload.OriginalPrice.StringFixed(2),
		group.payload.DiscountPct.StringFixed(0),
	))
	builder.WriteString(fmt.Sprintf("%s%s?colorDisplayCode=%s",
		strings.TrimRight(r.opts.BaseDomain, "/"),
		group.key.SkuPath,
		group.key.ColorCode,
	))
	return builder.String()
}

func headerFor(eventType string) string {
	switch eventType {
	case storage.EventTypeRareDeepDiscount:
		return "🔥 UNIQLO RARE DEEP DISCOUNT"
	default:
		return eventType
	}
}
