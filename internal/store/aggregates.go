package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ncecere/usage_tracker/internal/models"
	"github.com/ncecere/usage_tracker/internal/timeutil"
)

const aggregateColumns = `id, tenant_id, period_start, period_end, period_type, service_type,
	service_provider, user_id, event_count, unique_users, total_cost, aggregated_metrics,
	error_count, error_rate, created_at, updated_at`

// The conflict target mirrors idx_usage_aggregates_dimension.
const upsertUsageAggregate = `-- name: UpsertUsageAggregate :one
INSERT INTO usage_aggregates (
	tenant_id, period_start, period_end, period_type, service_type, service_provider,
	user_id, event_count, unique_users, total_cost, aggregated_metrics, error_count, error_rate
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (tenant_id, period_start, period_type,
	(COALESCE(service_type, '')), (COALESCE(service_provider, '')), (COALESCE(user_id, '')))
DO UPDATE SET
	period_end         = EXCLUDED.period_end,
	event_count        = EXCLUDED.event_count,
	unique_users       = EXCLUDED.unique_users,
	total_cost         = EXCLUDED.total_cost,
	aggregated_metrics = EXCLUDED.aggregated_metrics,
	error_count        = EXCLUDED.error_count,
	error_rate         = EXCLUDED.error_rate,
	updated_at         = NOW()
RETURNING id`

const deleteStaleAggregates = `-- name: DeleteStaleAggregates :exec
DELETE FROM usage_aggregates
WHERE tenant_id = $1 AND period_type = $2 AND period_start = $3 AND NOT (id = ANY($4::uuid[]))`

// ReplaceWindowAggregates upserts rows for one tenant window in a single
// transaction and deletes rows of that window no longer produced, such as a
// user who fell out of the top-N. Empty rows clear the window.
func (s *Store) ReplaceWindowAggregates(ctx context.Context, tenantID string, period timeutil.Granularity, start time.Time, rows []models.UsageAggregate) error {
	for _, r := range rows {
		if r.TenantID != tenantID || r.PeriodType != period || !r.PeriodStart.Equal(start) {
			return &Error{Op: "replace aggregates", Err: fmt.Errorf("row %s/%s/%s outside window", r.TenantID, r.PeriodType, r.PeriodStart)}
		}
	}
	return s.WithTx(ctx, func(tx *Store) error {
		ids := make([]string, 0, len(rows))
		if len(rows) == 0 {
			_, err := tx.db.Exec(ctx, deleteStaleAggregates, tenantID, string(period), start, ids)
			return wrap("replace aggregates", err)
		}
		batch := &pgx.Batch{}
		for _, r := range rows {
			metrics, err := marshalJSON(r.AggregatedMetrics, "{}")
			if err != nil {
				return wrap("replace aggregates", err)
			}
			var serviceType *string
			if r.ServiceType != nil {
				st := string(*r.ServiceType)
				serviceType = &st
			}
			batch.Queue(upsertUsageAggregate,
				r.TenantID, r.PeriodStart, r.PeriodEnd, string(r.PeriodType), serviceType,
				r.ServiceProvider, r.UserID, r.EventCount, r.UniqueUsers, r.TotalCost,
				metrics, r.ErrorCount, r.ErrorRate,
			)
		}
		results := tx.db.SendBatch(ctx, batch)
		for range rows {
			var id uuid.UUID
			if err := results.QueryRow().Scan(&id); err != nil {
				results.Close()
				return wrap("replace aggregates", err)
			}
			ids = append(ids, id.String())
		}
		if err := results.Close(); err != nil {
			return wrap("replace aggregates", err)
		}
		_, err := tx.db.Exec(ctx, deleteStaleAggregates, tenantID, string(period), start, ids)
		return wrap("replace aggregates", err)
	})
}

// AggregateFilter narrows ListAggregates. Dimension pointers left nil match
// the "all" row for that dimension unless AnyDimension is set.
type AggregateFilter struct {
	TenantID        string
	Period          timeutil.Granularity
	Start, End      time.Time
	ServiceType     *models.ServiceType
	ServiceProvider *string
	UserID          *string
	AnyDimension    bool
}

// ListAggregates returns rollup rows ordered by period_start.
func (s *Store) ListAggregates(ctx context.Context, f AggregateFilter) ([]models.UsageAggregate, error) {
	if strings.TrimSpace(f.TenantID) == "" {
		return nil, &Error{Op: "list aggregates", Err: fmt.Errorf("tenant_id is required")}
	}
	var (
		where = []string{"tenant_id = $1"}
		args  = []any{f.TenantID}
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Period != "" {
		add("period_type = $%d", string(f.Period))
	}
	if !f.Start.IsZero() {
		add("period_start >= $%d", f.Start)
	}
	if !f.End.IsZero() {
		add("period_start < $%d", f.End)
	}
	dim := func(col string, v *string) {
		switch {
		case v != nil:
			add(col+" = $%d", *v)
		case !f.AnyDimension:
			where = append(where, col+" IS NULL")
		}
	}
	var st *string
	if f.ServiceType != nil {
		v := string(*f.ServiceType)
		st = &v
	}
	dim("service_type", st)
	dim("service_provider", f.ServiceProvider)
	dim("user_id", f.UserID)

	query := fmt.Sprintf(`SELECT %s FROM usage_aggregates WHERE %s
ORDER BY period_start, COALESCE(service_type, ''), COALESCE(service_provider, ''), COALESCE(user_id, '')`,
		aggregateColumns, strings.Join(where, " AND "))
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap("list aggregates", err)
	}
	defer rows.Close()

	var out []models.UsageAggregate
	for rows.Next() {
		var (
			a           models.UsageAggregate
			period      string
			serviceType *string
			metrics     []byte
		)
		if err := rows.Scan(&a.ID, &a.TenantID, &a.PeriodStart, &a.PeriodEnd, &period, &serviceType,
			&a.ServiceProvider, &a.UserID, &a.EventCount, &a.UniqueUsers, &a.TotalCost, &metrics,
			&a.ErrorCount, &a.ErrorRate, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, wrap("list aggregates", err)
		}
		a.PeriodType = timeutil.Granularity(period)
		if serviceType != nil {
			st := models.ServiceType(*serviceType)
			a.ServiceType = &st
		}
		if err := unmarshalJSON(metrics, &a.AggregatedMetrics); err != nil {
			return nil, wrap("list aggregates", fmt.Errorf("decode aggregated_metrics: %w", err))
		}
		out = append(out, a)
	}
	return out, wrap("list aggregates", rows.Err())
}
