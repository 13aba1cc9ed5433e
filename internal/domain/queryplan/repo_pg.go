package queryplan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/acquisition/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type planRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &planRepoPG{pool: pool}
}

func (r *planRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const planCols = `id, facility_id, plan_name, plan_type, ehr_description, lookback,
	initial_queries, supplemental_queries, created_at, updated_at`

func (r *planRepoPG) scanPlan(row pgx.Row) (*QueryPlan, error) {
	var p QueryPlan
	var initial, supplemental []byte
	err := row.Scan(&p.ID, &p.FacilityID, &p.PlanName, &p.Type, &p.EHRDescription, &p.LookBack,
		&initial, &supplemental, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(initial, &p.InitialQueries); err != nil {
		return nil, fmt.Errorf("decode initial queries of %s: %w", p.ID, err)
	}
	if err := json.Unmarshal(supplemental, &p.SupplementalQueries); err != nil {
		return nil, fmt.Errorf("decode supplemental queries of %s: %w", p.ID, err)
	}
	return &p, nil
}

func encodeQueries(q Queries) ([]byte, error) {
	if q == nil {
		q = Queries{}
	}
	return json.Marshal(q)
}

func (r *planRepoPG) Create(ctx context.Context, p *QueryPlan) error {
	initial, err := encodeQueries(p.InitialQueries)
	if err != nil {
		return err
	}
	supplemental, err := encodeQueries(p.SupplementalQueries)
	if err != nil {
		return err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO query_plans (`+planCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.FacilityID, p.PlanName, p.Type, p.EHRDescription, p.LookBack,
		initial, supplemental, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r *planRepoPG) Get(ctx context.Context, facilityID string, planType PlanType) (*QueryPlan, error) {
	return r.scanPlan(r.conn(ctx).QueryRow(ctx,
		`SELECT `+planCols+` FROM query_plans WHERE facility_id = $1 AND plan_type = $2`,
		facilityID, planType))
}

func (r *planRepoPG) Update(ctx context.Context, p *QueryPlan) error {
	initial, err := encodeQueries(p.InitialQueries)
	if err != nil {
		return err
	}
	supplemental, err := encodeQueries(p.SupplementalQueries)
	if err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE query_plans SET plan_name = $3, ehr_description = $4, lookback = $5,
			initial_queries = $6, supplemental_queries = $7, updated_at = $8
		WHERE facility_id = $1 AND plan_type = $2`,
		p.FacilityID, p.Type, p.PlanName, p.EHRDescription, p.LookBack,
		initial, supplemental, p.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *planRepoPG) ListByFacility(ctx context.Context, facilityID string) ([]*QueryPlan, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+planCols+` FROM query_plans WHERE facility_id = $1 ORDER BY plan_type`, facilityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*QueryPlan
	for rows.Next() {
		p, err := r.scanPlan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}
