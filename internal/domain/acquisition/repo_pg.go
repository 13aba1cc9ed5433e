package acquisition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

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

type logRepoPG struct {
	pool *pgxpool.Pool
	tx   db.Transactor
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &logRepoPG{pool: pool, tx: db.NewTransactor(pool)}
}

func (r *logRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const logCols = `id, facility_id, patient_id, correlation_id, report_tracking_id, priority,
	reportable_event, query_type, query_phase, status, execution_date, retry_attempts,
	completion_date, completion_time_ms, resource_ids, reference_resources, notes,
	scheduled_report, queries, trace_id, tail_sent, created_at, modified_at`

const terminalStatuses = `('Completed', 'Failed', 'MaxRetriesReached')`

func (r *logRepoPG) scanItem(row pgx.Row) (*WorkItem, error) {
	var w WorkItem
	var ids, refs, notes, report, queries []byte
	err := row.Scan(&w.ID, &w.FacilityID, &w.PatientID, &w.CorrelationID, &w.ReportTrackingID, &w.Priority,
		&w.ReportableEvent, &w.QueryType, &w.QueryPhase, &w.Status, &w.ExecutionDate, &w.RetryAttempts,
		&w.CompletionDate, &w.CompletionTimeMillis, &ids, &refs, &notes,
		&report, &queries, &w.TraceID, &w.TailSent, &w.CreatedAt, &w.ModifiedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{ids, &w.ResourceAcquiredIDs},
		{refs, &w.ReferenceResources},
		{notes, &w.Notes},
		{report, &w.ScheduledReport},
		{queries, &w.Queries},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("decode acquisition log %d: %w", w.ID, err)
		}
	}
	return &w, nil
}

func (r *logRepoPG) scanItems(rows pgx.Rows) ([]*WorkItem, error) {
	defer rows.Close()
	var items []*WorkItem
	for rows.Next() {
		w, err := r.scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, w)
	}
	return items, rows.Err()
}

type jsonCols struct {
	ids, refs, notes, report, queries []byte
}

func encodeCols(w *WorkItem) (jsonCols, error) {
	var c jsonCols
	var err error
	if c.ids, err = json.Marshal(nonNil(w.ResourceAcquiredIDs)); err != nil {
		return c, err
	}
	if c.refs, err = json.Marshal(nonNil(w.ReferenceResources)); err != nil {
		return c, err
	}
	if c.notes, err = json.Marshal(nonNil(w.Notes)); err != nil {
		return c, err
	}
	if c.report, err = json.Marshal(w.ScheduledReport); err != nil {
		return c, err
	}
	if c.queries, err = json.Marshal(nonNil(w.Queries)); err != nil {
		return c, err
	}
	return c, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (r *logRepoPG) Create(ctx context.Context, w *WorkItem) error {
	c, err := encodeCols(w)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	w.CreatedAt, w.ModifiedAt = now, now
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO acquisition_logs (facility_id, patient_id, correlation_id, report_tracking_id, priority,
			reportable_event, query_type, query_phase, status, execution_date, retry_attempts,
			completion_date, completion_time_ms, resource_ids, reference_resources, notes,
			scheduled_report, queries, trace_id, tail_sent, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		RETURNING id`,
		w.FacilityID, w.PatientID, w.CorrelationID, w.ReportTrackingID, w.Priority,
		w.ReportableEvent, w.QueryType, w.QueryPhase, w.Status, w.ExecutionDate, w.RetryAttempts,
		w.CompletionDate, w.CompletionTimeMillis, c.ids, c.refs, c.notes,
		c.report, c.queries, w.TraceID, w.TailSent, w.CreatedAt, w.ModifiedAt,
	).Scan(&w.ID)
}

func (r *logRepoPG) Get(ctx context.Context, id int64) (*WorkItem, error) {
	return r.scanItem(r.conn(ctx).QueryRow(ctx, `SELECT `+logCols+` FROM acquisition_logs WHERE id = $1`, id))
}

func (r *logRepoPG) GetForUpdate(ctx context.Context, id int64) (*WorkItem, error) {
	return r.scanItem(r.conn(ctx).QueryRow(ctx,
		`SELECT `+logCols+` FROM acquisition_logs WHERE id = $1 FOR UPDATE`, id))
}

func (r *logRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*WorkItem, int, error) {
	var where []string
	var args []any
	add := func(col, v string) {
		if v != "" {
			args = append(args, v)
			where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
		}
	}
	add("facility_id", f.FacilityID)
	add("status", string(f.Status))
	add("correlation_id", f.CorrelationID)
	add("patient_id", f.PatientID)

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM acquisition_logs`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT `+logCols+` FROM acquisition_logs%s ORDER BY id DESC LIMIT $%d OFFSET $%d`,
			clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.scanItems(rows)
	return items, total, err
}

// Update writes w unless the stored row is already terminal. The retry
// counter never decreases.
func (r *logRepoPG) Update(ctx context.Context, w *WorkItem) error {
	c, err := encodeCols(w)
	if err != nil {
		return err
	}
	w.ModifiedAt = time.Now().UTC()
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE acquisition_logs SET status = $2, execution_date = $3,
			retry_attempts = GREATEST(retry_attempts, $4), completion_date = $5, completion_time_ms = $6,
			resource_ids = $7, reference_resources = $8, notes = $9, queries = $10, trace_id = $11,
			modified_at = $12
		WHERE id = $1 AND status NOT IN `+terminalStatuses,
		w.ID, w.Status, w.ExecutionDate, w.RetryAttempts, w.CompletionDate, w.CompletionTimeMillis,
		c.ids, c.refs, c.notes, c.queries, w.TraceID, w.ModifiedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var status Status
		err := r.conn(ctx).QueryRow(ctx, `SELECT status FROM acquisition_logs WHERE id = $1`, w.ID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrTerminal
	}
	return nil
}

func (r *logRepoPG) PendingFacilities(ctx context.Context) ([]string, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT DISTINCT facility_id FROM acquisition_logs WHERE status = 'Pending' ORDER BY facility_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *logRepoPG) NextEligibleBatch(ctx context.Context, facilityID string, afterID int64, limit int) ([]*WorkItem, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+logCols+` FROM acquisition_logs
		WHERE facility_id = $1 AND status = 'Pending' AND id > $2
		ORDER BY id
		LIMIT $3
		FOR UPDATE SKIP LOCKED`, facilityID, afterID, limit)
	if err != nil {
		return nil, err
	}
	return r.scanItems(rows)
}

func (r *logRepoPG) TailingGroups(ctx context.Context, limit int) ([]GroupKey, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT facility_id, correlation_id, report_tracking_id
		FROM acquisition_logs
		GROUP BY facility_id, correlation_id, report_tracking_id
		HAVING bool_and(status IN `+terminalStatuses+`) AND bool_or(NOT tail_sent)
		ORDER BY MIN(id)
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []GroupKey
	for rows.Next() {
		var k GroupKey
		if err := rows.Scan(&k.FacilityID, &k.CorrelationID, &k.ReportTrackingID); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// ClaimTailGroup locks every member of the group, so a concurrent claim
// blocks until this one commits and then sees the rows flagged.
func (r *logRepoPG) ClaimTailGroup(ctx context.Context, key GroupKey, fn ClaimFunc) (bool, error) {
	claimed := false
	err := r.tx.InTx(ctx, func(ctx context.Context) error {
		rows, err := r.conn(ctx).Query(ctx, `
			SELECT `+logCols+` FROM acquisition_logs
			WHERE facility_id = $1 AND correlation_id = $2 AND report_tracking_id = $3
			ORDER BY id
			FOR UPDATE`, key.FacilityID, key.CorrelationID, key.ReportTrackingID)
		if err != nil {
			return err
		}
		items, err := r.scanItems(rows)
		if err != nil {
			return err
		}
		g, ok := BuildTailGroup(key, items)
		if !ok {
			return nil
		}
		if err := fn(ctx, g); err != nil {
			return err
		}
		if _, err := r.conn(ctx).Exec(ctx, `
			UPDATE acquisition_logs SET tail_sent = TRUE, modified_at = $2 WHERE id = ANY($1)`,
			g.ItemIDs, time.Now().UTC()); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}
