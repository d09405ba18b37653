package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	decimal "github.com/shopspring/decimal"

	"github.com/ncecere/usage_tracker/internal/models"
)

const eventColumns = `id, event_id, tenant_id, user_id, service_type, service_provider, event_type,
	"timestamp", metrics, billing_info, metadata, tags, status, error_message, retry_count,
	total_cost, session_id, request_id, created_at, updated_at`

// A completed row is only ever overwritten by another completed write, so a
// late failure for an already-billed event cannot downgrade it.
const upsertUsageEvent = `-- name: UpsertUsageEvent :one
INSERT INTO usage_events (
	event_id, tenant_id, user_id, service_type, service_provider, event_type,
	"timestamp", metrics, billing_info, metadata, tags, status, error_message,
	retry_count, total_cost, session_id, request_id
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
)
ON CONFLICT (event_id) DO UPDATE SET
	tenant_id        = EXCLUDED.tenant_id,
	user_id          = EXCLUDED.user_id,
	service_type     = EXCLUDED.service_type,
	service_provider = EXCLUDED.service_provider,
	event_type       = EXCLUDED.event_type,
	"timestamp"      = EXCLUDED."timestamp",
	metrics          = EXCLUDED.metrics,
	billing_info     = EXCLUDED.billing_info,
	metadata         = EXCLUDED.metadata,
	tags             = EXCLUDED.tags,
	status           = EXCLUDED.status,
	error_message    = EXCLUDED.error_message,
	retry_count      = EXCLUDED.retry_count,
	total_cost       = EXCLUDED.total_cost,
	session_id       = EXCLUDED.session_id,
	request_id       = EXCLUDED.request_id,
	updated_at       = NOW()
WHERE usage_events.status <> 'completed' OR EXCLUDED.status = 'completed'
RETURNING id, created_at, updated_at`

// UpsertEvent inserts or replaces the event keyed by EventID. applied is false
// when the existing row is completed and ev is not.
func (s *Store) UpsertEvent(ctx context.Context, ev *models.UsageEvent) (applied bool, err error) {
	if ev == nil || strings.TrimSpace(ev.EventID) == "" {
		return false, &Error{Op: "upsert event", Err: errors.New("event_id is required")}
	}
	metrics, err := marshalJSON(ev.Metrics, "{}")
	if err != nil {
		return false, wrap("upsert event", fmt.Errorf("encode metrics: %w", err))
	}
	metadata, err := marshalJSON(ev.Metadata, "{}")
	if err != nil {
		return false, wrap("upsert event", fmt.Errorf("encode metadata: %w", err))
	}
	tags, err := marshalJSON(ev.Tags, "[]")
	if err != nil {
		return false, wrap("upsert event", fmt.Errorf("encode tags: %w", err))
	}
	var billingInfo []byte
	if ev.BillingInfo != nil {
		if billingInfo, err = marshalJSON(ev.BillingInfo, "null"); err != nil {
			return false, wrap("upsert event", fmt.Errorf("encode billing_info: %w", err))
		}
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	status := ev.Status
	if status == "" {
		status = models.StatusPending
	}

	row := s.db.QueryRow(ctx, upsertUsageEvent,
		ev.EventID,
		ev.TenantID,
		ev.UserID,
		string(ev.ServiceType),
		ev.ServiceProvider,
		ev.EventType,
		ts,
		metrics,
		billingInfo,
		metadata,
		tags,
		string(status),
		nullString(ev.ErrorMessage),
		ev.RetryCount,
		ev.TotalCost,
		nullString(ev.SessionID),
		nullString(ev.RequestID),
	)
	if err := row.Scan(&ev.ID, &ev.CreatedAt, &ev.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, wrap("upsert event", err)
	}
	return true, nil
}

const getUsageEvent = `-- name: GetUsageEvent :one
SELECT ` + eventColumns + ` FROM usage_events WHERE event_id = $1`

// GetEvent loads one event by its external id.
func (s *Store) GetEvent(ctx context.Context, eventID string) (models.UsageEvent, error) {
	ev, err := scanEvent(s.db.QueryRow(ctx, getUsageEvent, eventID))
	if err != nil {
		return models.UsageEvent{}, wrap("get event", err)
	}
	return ev, nil
}

// EventFilter narrows ListEvents. Zero values do not filter.
type EventFilter struct {
	TenantID    string
	Start, End  time.Time
	ServiceType models.ServiceType
	Provider    string
	UserID      string
	Status      models.EventStatus
	Limit       int
	Offset      int
}

// ListEvents returns events newest first. TenantID is mandatory so reads stay
// tenant scoped.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]models.UsageEvent, error) {
	if strings.TrimSpace(f.TenantID) == "" {
		return nil, &Error{Op: "list events", Err: errors.New("tenant_id is required")}
	}
	var (
		where = []string{"tenant_id = $1"}
		args  = []any{f.TenantID}
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if !f.Start.IsZero() {
		add(`"timestamp" >= $%d`, f.Start)
	}
	if !f.End.IsZero() {
		add(`"timestamp" < $%d`, f.End)
	}
	if f.ServiceType != "" {
		add("service_type = $%d", string(f.ServiceType))
	}
	if f.Provider != "" {
		add("service_provider = $%d", f.Provider)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit, max(f.Offset, 0))
	query := fmt.Sprintf(`SELECT %s FROM usage_events WHERE %s ORDER BY "timestamp" DESC, event_id LIMIT $%d OFFSET $%d`,
		eventColumns, strings.Join(where, " AND "), len(args)-1, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap("list events", err)
	}
	defer rows.Close()

	var out []models.UsageEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, wrap("list events", err)
		}
		out = append(out, ev)
	}
	return out, wrap("list events", rows.Err())
}

const listActiveTenants = `-- name: ListActiveTenants :many
SELECT tenant_id FROM usage_events
WHERE "timestamp" >= $1 AND "timestamp" < $2
  AND status IN ('completed', 'failed')
  AND tenant_id <> ''
UNION
SELECT tenant_id FROM usage_aggregates
WHERE period_start >= $1 AND period_start < $2
ORDER BY tenant_id`

// ListTenants returns tenants with completed or failed events in [start, end)
// or with aggregate rows starting in that range.
func (s *Store) ListTenants(ctx context.Context, start, end time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx, listActiveTenants, start, end)
	if err != nil {
		return nil, wrap("list tenants", err)
	}
	tenants, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return tenants, wrap("list tenants", err)
}

const scanWindowEvents = `-- name: ScanWindowEvents :many
SELECT user_id, service_type, service_provider, "timestamp", status, total_cost, metrics
FROM usage_events
WHERE tenant_id = $1 AND "timestamp" >= $2 AND "timestamp" < $3
  AND status IN ('completed', 'failed')`

// ScanEvents streams the completed and failed events of a tenant in
// [start, end) to fn. Only the fields rollups need are populated.
func (s *Store) ScanEvents(ctx context.Context, tenantID string, start, end time.Time, fn func(models.UsageEvent) error) error {
	rows, err := s.db.Query(ctx, scanWindowEvents, tenantID, start, end)
	if err != nil {
		return wrap("scan events", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ev          models.UsageEvent
			serviceType string
			status      string
			metrics     []byte
		)
		if err := rows.Scan(&ev.UserID, &serviceType, &ev.ServiceProvider, &ev.Timestamp, &status, &ev.TotalCost, &metrics); err != nil {
			return wrap("scan events", err)
		}
		ev.TenantID = tenantID
		ev.Timestamp = ev.Timestamp.UTC()
		ev.ServiceType = models.ServiceType(serviceType)
		ev.Status = models.EventStatus(status)
		if err := unmarshalJSON(metrics, &ev.Metrics); err != nil {
			return wrap("scan events", fmt.Errorf("decode metrics: %w", err))
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return wrap("scan events", rows.Err())
}

func scanEvent(row pgx.Row) (models.UsageEvent, error) {
	var (
		ev                           models.UsageEvent
		serviceType, status          string
		metrics, billing, meta, tags []byte
		errMsg, sessionID, requestID *string
		cost                         decimal.NullDecimal
	)
	err := row.Scan(
		&ev.ID, &ev.EventID, &ev.TenantID, &ev.UserID, &serviceType, &ev.ServiceProvider, &ev.EventType,
		&ev.Timestamp, &metrics, &billing, &meta, &tags, &status, &errMsg, &ev.RetryCount,
		&cost, &sessionID, &requestID, &ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		return models.UsageEvent{}, err
	}
	ev.ServiceType = models.ServiceType(serviceType)
	ev.Status = models.EventStatus(status)
	ev.TotalCost = cost
	ev.ErrorMessage = derefString(errMsg)
	ev.SessionID = derefString(sessionID)
	ev.RequestID = derefString(requestID)
	if err := unmarshalJSON(metrics, &ev.Metrics); err != nil {
		return models.UsageEvent{}, fmt.Errorf("decode metrics: %w", err)
	}
	if err := unmarshalJSON(meta, &ev.Metadata); err != nil {
		return models.UsageEvent{}, fmt.Errorf("decode metadata: %w", err)
	}
	if err := unmarshalJSON(tags, &ev.Tags); err != nil {
		return models.UsageEvent{}, fmt.Errorf("decode tags: %w", err)
	}
	if len(billing) > 0 && string(billing) != "null" {
		ev.BillingInfo = &models.BillingInfo{}
		if err := unmarshalJSON(billing, ev.BillingInfo); err != nil {
			return models.UsageEvent{}, fmt.Errorf("decode billing_info: %w", err)
		}
	}
	return ev, nil
}
