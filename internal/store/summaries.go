package store

import (
	"context"
	"fmt"

	"github.com/ncecere/usage_tracker/internal/models"
)

const summaryColumns = `id, tenant_id, billing_year, billing_month, total_cost, cost_by_service,
	cost_by_user, total_events, active_users, is_finalized, finalized_at, created_at, updated_at`

// Finalized rows are left untouched: the conflict update only fires while
// is_finalized is false.
const upsertBillingSummary = `-- name: UpsertBillingSummary :one
INSERT INTO billing_summaries (
	tenant_id, billing_year, billing_month, total_cost, cost_by_service,
	cost_by_user, total_events, active_users
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (tenant_id, billing_year, billing_month) DO UPDATE SET
	total_cost      = EXCLUDED.total_cost,
	cost_by_service = EXCLUDED.cost_by_service,
	cost_by_user    = EXCLUDED.cost_by_user,
	total_events    = EXCLUDED.total_events,
	active_users    = EXCLUDED.active_users,
	updated_at      = NOW()
WHERE billing_summaries.is_finalized = FALSE
RETURNING id`

// UpsertBillingSummary writes the summary unless the stored row is finalized,
// in which case applied is false.
func (s *Store) UpsertBillingSummary(ctx context.Context, sum models.BillingSummary) (applied bool, err error) {
	byService, err := marshalJSON(sum.CostByService, "{}")
	if err != nil {
		return false, wrap("upsert billing summary", err)
	}
	byUser, err := marshalJSON(sum.CostByUser, "[]")
	if err != nil {
		return false, wrap("upsert billing summary", err)
	}
	var id string
	err = s.db.QueryRow(ctx, upsertBillingSummary,
		sum.TenantID, sum.BillingYear, sum.BillingMonth, sum.TotalCost, byService,
		byUser, sum.TotalEvents, sum.ActiveUsers,
	).Scan(&id)
	if err != nil {
		if err = wrap("upsert billing summary", err); IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

const getBillingSummary = `-- name: GetBillingSummary :one
SELECT ` + summaryColumns + ` FROM billing_summaries
WHERE tenant_id = $1 AND billing_year = $2 AND billing_month = $3`

func (s *Store) GetBillingSummary(ctx context.Context, tenantID string, year, month int) (models.BillingSummary, error) {
	sum, err := scanBillingSummary(s.db.QueryRow(ctx, getBillingSummary, tenantID, year, month))
	if err != nil {
		return models.BillingSummary{}, wrap("get billing summary", err)
	}
	return sum, nil
}

const listBillingSummaries = `-- name: ListBillingSummaries :many
SELECT ` + summaryColumns + ` FROM billing_summaries
WHERE tenant_id = $1
ORDER BY billing_year DESC, billing_month DESC`

// ListBillingSummaries returns a tenant's summaries newest month first.
func (s *Store) ListBillingSummaries(ctx context.Context, tenantID string) ([]models.BillingSummary, error) {
	rows, err := s.db.Query(ctx, listBillingSummaries, tenantID)
	if err != nil {
		return nil, wrap("list billing summaries", err)
	}
	defer rows.Close()
	var out []models.BillingSummary
	for rows.Next() {
		sum, err := scanBillingSummary(rows)
		if err != nil {
			return nil, wrap("list billing summaries", err)
		}
		out = append(out, sum)
	}
	return out, wrap("list billing summaries", rows.Err())
}

const setBillingSummaryFinalized = `-- name: SetBillingSummaryFinalized :one
UPDATE billing_summaries SET
	is_finalized = $4,
	finalized_at = CASE WHEN $4 THEN NOW() ELSE NULL END,
	updated_at   = NOW()
WHERE tenant_id = $1 AND billing_year = $2 AND billing_month = $3
RETURNING ` + summaryColumns

// SetBillingSummaryFinalized flips the finalized flag. This is the
// administrative path; the aggregation engine never calls it.
func (s *Store) SetBillingSummaryFinalized(ctx context.Context, tenantID string, year, month int, finalized bool) (models.BillingSummary, error) {
	sum, err := scanBillingSummary(s.db.QueryRow(ctx, setBillingSummaryFinalized, tenantID, year, month, finalized))
	if err != nil {
		return models.BillingSummary{}, wrap("set billing summary finalized", err)
	}
	return sum, nil
}

func scanBillingSummary(row interface{ Scan(...any) error }) (models.BillingSummary, error) {
	var (
		sum               models.BillingSummary
		byService, byUser []byte
	)
	if err := row.Scan(&sum.ID, &sum.TenantID, &sum.BillingYear, &sum.BillingMonth, &sum.TotalCost,
		&byService, &byUser, &sum.TotalEvents, &sum.ActiveUsers, &sum.IsFinalized, &sum.FinalizedAt,
		&sum.CreatedAt, &sum.UpdatedAt); err != nil {
		return models.BillingSummary{}, err
	}
	if err := unmarshalJSON(byService, &sum.CostByService); err != nil {
		return models.BillingSummary{}, fmt.Errorf("decode cost_by_service: %w", err)
	}
	if err := unmarshalJSON(byUser, &sum.CostByUser); err != nil {
		return models.BillingSummary{}, fmt.Errorf("decode cost_by_user: %w", err)
	}
	return sum, nil
}
