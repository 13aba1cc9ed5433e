package facility

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

type configRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &configRepoPG{pool: pool}
}

func (r *configRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const configCols = `id, facility_id, fhir_server_base_url, auth, max_concurrent_requests,
	min_pull_seconds, max_pull_seconds, time_zone, created_at, modified_at`

func secondsOf(d *TimeOfDay) *int64 {
	if d == nil {
		return nil
	}
	s := int64(time.Duration(*d) / time.Second)
	return &s
}

func fromSeconds(s *int64) *TimeOfDay {
	if s == nil {
		return nil
	}
	d := TimeOfDay(time.Duration(*s) * time.Second)
	return &d
}

func (r *configRepoPG) scanConfig(row pgx.Row) (*AcquisitionConfig, error) {
	var c AcquisitionConfig
	var auth []byte
	var minPull, maxPull *int64
	err := row.Scan(&c.ID, &c.FacilityID, &c.FhirServerBaseURL, &auth, &c.MaxConcurrentRequests,
		&minPull, &maxPull, &c.TimeZone, &c.CreatedAt, &c.ModifiedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(auth) > 0 {
		if err := json.Unmarshal(auth, &c.Auth); err != nil {
			return nil, fmt.Errorf("decode auth of facility %s: %w", c.FacilityID, err)
		}
	}
	c.MinPullTime, c.MaxPullTime = fromSeconds(minPull), fromSeconds(maxPull)
	return &c, nil
}

func (r *configRepoPG) Create(ctx context.Context, c *AcquisitionConfig) error {
	auth, err := json.Marshal(c.Auth)
	if err != nil {
		return err
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.ModifiedAt = now, now
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO facility_configs (`+configCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.FacilityID, c.FhirServerBaseURL, auth, c.MaxConcurrentRequests,
		secondsOf(c.MinPullTime), secondsOf(c.MaxPullTime), c.TimeZone, c.CreatedAt, c.ModifiedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrExists
	}
	return err
}

func (r *configRepoPG) Get(ctx context.Context, facilityID string) (*AcquisitionConfig, error) {
	return r.scanConfig(r.conn(ctx).QueryRow(ctx,
		`SELECT `+configCols+` FROM facility_configs WHERE facility_id = $1`, facilityID))
}

func (r *configRepoPG) Update(ctx context.Context, c *AcquisitionConfig) error {
	auth, err := json.Marshal(c.Auth)
	if err != nil {
		return err
	}
	c.ModifiedAt = time.Now().UTC()
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE facility_configs SET fhir_server_base_url = $2, auth = $3, max_concurrent_requests = $4,
			min_pull_seconds = $5, max_pull_seconds = $6, time_zone = $7, modified_at = $8
		WHERE facility_id = $1`,
		c.FacilityID, c.FhirServerBaseURL, auth, c.MaxConcurrentRequests,
		secondsOf(c.MinPullTime), secondsOf(c.MaxPullTime), c.TimeZone, c.ModifiedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *configRepoPG) Delete(ctx context.Context, facilityID string) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM facility_configs WHERE facility_id = $1`, facilityID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *configRepoPG) List(ctx context.Context, limit, offset int) ([]*AcquisitionConfig, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM facility_configs`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+configCols+` FROM facility_configs ORDER BY facility_id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*AcquisitionConfig
	for rows.Next() {
		c, err := r.scanConfig(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}
