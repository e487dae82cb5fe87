package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertObservationSQL = `INSERT INTO sale_observations (
        observed_at,
        scrape_id,
        catalog,
        product_id,
        product_name,
        variant_id,
        sku_path,
        color_code,
        color_label,
        size_code,
        size_label,
        sale_price,
        original_price,
        discount_pct,
        is_available
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
    );`

	listLatestObservationsSQL = `SELECT DISTINCT ON (variant_id, color_code, size_code)
        observed_at,
        scrape_id,
        catalog,
        product_id,
        product_name,
        variant_id,
        sku_path,
        color_code,
        color_label,
        size_code,
        size_label,
        sale_price,
        original_price,
        discount_pct,
        is_available,
        created_at
    FROM sale_observations
    WHERE catalog = $1
    ORDER BY variant_id, color_code, size_code, observed_at DESC;`

	listObservationHistorySQL = `SELECT
        observed_at,
        scrape_id,
        catalog,
        product_id,
        product_name,
        variant_id,
        sku_path,
        color_code,
        color_label,
        size_code,
        size_label,
        sale_price,
        original_price,
        discount_pct,
        is_available,
        created_at
    FROM sale_observations
    WHERE variant_id = $1
      AND color_code = $2
      AND size_code = $3
      AND observed_at >= $4
      AND observed_at < $5
    ORDER BY observed_at;`

	countObservationsSQL = `SELECT COUNT(*) FROM sale_observations;`

	deleteObservationsBeforeSQL = `DELETE FROM sale_observations WHERE observed_at < $1;`

	appendEventSQL = `INSERT INTO sale_events (
        event_time,
        catalog,
        event_type,
        product_id,
        variant_id,
        sku_path,
        color_code,
        color_label,
        size_code,
        size_label,
        payload
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (event_type, variant_id, color_code, size_code) DO NOTHING;`

	listEventsSinceSQL = `SELECT
        event_time,
        catalog,
        event_type,
        product_id,
        variant_id,
        sku_path,
        color_code,
        color_label,
        size_code,
        size_label,
        payload,
        created_at
    FROM sale_events
    WHERE event_time >= $1
    ORDER BY event_time, variant_id, color_code, size_code;`

	listRecentEventsSQL = `SELECT
        event_time,
        catalog,
        event_type,
        product_id,
        variant_id,
        sku_path,
        color_code,
        color_label,
        size_code,
        size_label,
        payload,
        created_at
    FROM sale_events
    ORDER BY event_time DESC
    LIMIT $1;`

	deleteEventsBeforeSQL = `DELETE FROM sale_events WHERE event_time < $1;`

	getDeliverySQL = `SELECT notified_at
    FROM notification_deliveries
    WHERE chat_id = $1
      AND event_type = $2
      AND variant_id = $3
      AND color_code = $4
      AND size_code = $5;`

	upsertDeliverySQL = `INSERT INTO notification_deliveries (
        chat_id,
        event_type,
        variant_id,
        color_code,
        size_code,
        notified_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (chat_id, event_type, variant_id, color_code, size_code) DO UPDATE
    SET notified_at = EXCLUDED.notified_at;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ObservationStore defines operations on the append-only observation log.
type ObservationStore interface {
	InsertObservations(ctx context.Context, observations []SkuObservation) error
	ListLatestObservations(ctx context.Context, catalog string) ([]SkuObservation, error)
	ListObservationHistory(ctx context.Context, variantID, colorCode, sizeCode string, from, to time.Time) ([]SkuObservation, error)
	CountObservations(ctx context.Context) (int64, error)
	DeleteObservationsBefore(ctx context.Context, olderThan time.Time) error
}

// EventStore defines operations on the deduplicated event log.
type EventStore interface {
	AppendEventIfAbsent(ctx context.Context, event Event) (bool, error)
	ListEventsSince(ctx context.Context, since time.Time) ([]Event, error)
	ListRecentEvents(ctx context.Context, limit int) ([]Event, error)
	DeleteEventsBefore(ctx context.Context, olderThan time.Time) error
}

// DeliveryStore defines operations on the notification delivery log.
type DeliveryStore interface {
	GetDeliveryRecord(ctx context.Context, key DeliveryKey) (*DeliveryRecord, error)
	UpsertDeliveryRecord(ctx context.Context, record DeliveryRecord) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to observations, events, and deliveries.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ ObservationStore = (*Store)(nil)
	_ EventStore       = (*Store)(nil)
	_ DeliveryStore    = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
)

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertObservations appends a batch of observations. Each row is written
// atomically on its own; a failure aborts the remainder of the batch.
func (s *Store) InsertObservations(ctx context.Context, observations []SkuObservation) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	for _, obs := range observations {
		if _, execErr := pool.Exec(ctx, insertObservationSQL,
			obs.ObservedAt,
			obs.ScrapeID,
			obs.Catalog,
			obs.ProductID,
			obs.ProductName,
			obs.VariantID,
			obs.SkuPath,
			obs.ColorCode,
			obs.ColorLabel,
			obs.SizeCode,
			obs.SizeLabel,
			decimalArg(obs.SalePrice),
			decimalArg(obs.OriginalPrice),
			decimalArg(obs.DiscountPct),
			obs.Available,
		); execErr != nil {
			return fmt.Errorf("insert observation %s/%s/%s: %w", obs.VariantID, obs.ColorCode, obs.SizeCode, execErr)
		}
	}
	return nil
}

// ListLatestObservations returns the most recent observation per
// (variant_id, color_code, size_code) within one catalog.
func (s *Store) ListLatestObservations(ctx context.Context, catalog string) ([]SkuObservation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listLatestObservationsSQL, catalog)
	if queryErr != nil {
		return nil, fmt.Errorf("list latest observations: %w", queryErr)
	}
	defer rows.Close()

	return collectObservations(rows)
}

// ListObservationHistory lists observations of one SKU within a time window.
func (s *Store) ListObservationHistory(ctx context.Context, variantID, colorCode, sizeCode string, from, to time.Time) ([]SkuObservation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listObservationHistorySQL, variantID, colorCode, sizeCode, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list observation history: %w", queryErr)
	}
	defer rows.Close()

	return collectObservations(rows)
}

// CountObservations counts stored observations.
func (s *Store) CountObservations(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countObservationsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count observations: %w", scanErr)
	}
	return count, nil
}

// DeleteObservationsBefore prunes historical observations.
func (s *Store) DeleteObservationsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteObservationsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete observations before: %w", execErr)
	}
	return nil
}

// AppendEventIfAbsent persists an event unless its identity key already
// exists. Returns true when a new row was written.
func (s *Store) AppendEventIfAbsent(ctx context.Context, event Event) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return false, fmt.Errorf("marshal event payload: %w", err)
	}

	cmdTag, execErr := pool.Exec(ctx, appendEventSQL,
		event.EventTime,
		event.Catalog,
		event.EventType,
		event.ProductID,
		event.VariantID,
		event.SkuPath,
		event.ColorCode,
		event.ColorLabel,
		event.SizeCode,
		event.SizeLabel,
		payload,
	)
	if execErr != nil {
		return false, fmt.Errorf("append event: %w", execErr)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// ListEventsSince lists events at or after the given time, oldest first.
func (s *Store) ListEventsSince(ctx context.Context, since time.Time) ([]Event, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listEventsSinceSQL, since)
	if queryErr != nil {
		return nil, fmt.Errorf("list events since: %w", queryErr)
	}
	defer rows.Close()

	return collectEvents(rows, 0)
}

// ListRecentEvents lists the most recent events, newest first.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]Event, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentEventsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent events: %w", queryErr)
	}
	defer rows.Close()

	return collectEvents(rows, limit)
}

// DeleteEventsBefore prunes historical events.
func (s *Store) DeleteEventsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteEventsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete events before: %w", execErr)
	}
	return nil
}

// GetDeliveryRecord fetches the delivery record for a key, or nil when absent.
func (s *Store) GetDeliveryRecord(ctx context.Context, key DeliveryKey) (*DeliveryRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var notifiedAt time.Time
	scanErr := pool.QueryRow(ctx, getDeliverySQL,
		key.ChatID,
		key.EventType,
		key.VariantID,
		key.ColorCode,
		key.SizeCode,
	).Scan(&notifiedAt)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return nil, nil
	}
	if scanErr != nil {
		return nil, fmt.Errorf("get delivery record: %w", scanErr)
	}

	return &DeliveryRecord{Key: key, NotifiedAt: notifiedAt}, nil
}

// UpsertDeliveryRecord writes or refreshes the delivery record for a key.
func (s *Store) UpsertDeliveryRecord(ctx context.Context, record DeliveryRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if _, execErr := pool.Exec(ctx, upsertDeliverySQL,
		record.Key.ChatID,
		record.Key.EventType,
		record.Key.VariantID,
		record.Key.ColorCode,
		record.Key.SizeCode,
		record.NotifiedAt,
	); execErr != nil {
		return fmt.Errorf("upsert delivery record: %w", execErr)
	}
	return nil
}

func decimalArg(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func collectObservations(rows pgx.Rows) ([]SkuObservation, error) {
	observations := make([]SkuObservation, 0)
	for rows.Next() {
		obs, scanErr := scanObservation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		observations = append(observations, obs)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return observations, nil
}

func scanObservation(rows pgx.Rows) (SkuObservation, error) {
	var (
		obs         SkuObservation
		salePrice   sql.NullString
		origPrice   sql.NullString
		discountPct sql.NullString
	)

	if err := rows.Scan(
		&obs.ObservedAt,
		&obs.ScrapeID,
		&obs.Catalog,
		&obs.ProductID,
		&obs.ProductName,
		&obs.VariantID,
		&obs.SkuPath,
		&obs.ColorCode,
		&obs.ColorLabel,
		&obs.SizeCode,
		&obs.SizeLabel,
		&salePrice,
		&origPrice,
		&discountPct,
		&obs.Available,
		&obs.CreatedAt,
	); err != nil {
		return SkuObservation{}, err
	}

	var err error
	if obs.SalePrice, err = parseNullDecimal(salePrice); err != nil {
		return SkuObservation{}, fmt.Errorf("parse sale price: %w", err)
	}
	if obs.OriginalPrice, err = parseNullDecimal(origPrice); err != nil {
		return SkuObservation{}, fmt.Errorf("parse original price: %w", err)
	}
	if obs.DiscountPct, err = parseNullDecimal(discountPct); err != nil {
		return SkuObservation{}, fmt.Errorf("parse discount pct: %w", err)
	}

	return obs, nil
}

func parseNullDecimal(v sql.NullString) (*decimal.Decimal, error) {
	if !v.Valid {
		return nil, nil
	}
	parsed, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func collectEvents(rows pgx.Rows, hint int) ([]Event, error) {
	events := make([]Event, 0, hint)
	for rows.Next() {
		var event Event
		var payload json.RawMessage
		if err := rows.Scan(
			&event.EventTime,
			&event.Catalog,
			&event.EventType,
			&event.ProductID,
			&event.VariantID,
			&event.SkuPath,
			&event.ColorCode,
			&event.ColorLabel,
			&event.SizeCode,
			&event.SizeLabel,
			&payload,
			&event.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &event.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		events = append(events, event)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}
