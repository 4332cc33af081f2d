package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS sensor_data (
	id          BIGSERIAL PRIMARY KEY,
	ts          TIMESTAMPTZ NOT NULL,
	module      TEXT NOT NULL,
	data_type   TEXT NOT NULL,
	value       DOUBLE PRECISION,
	raw_data    JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_sensor_ts ON sensor_data (ts);
CREATE INDEX IF NOT EXISTS idx_sensor_module ON sensor_data (module);

CREATE TABLE IF NOT EXISTS algorithm_results (
	id               BIGSERIAL PRIMARY KEY,
	ts               TIMESTAMPTZ NOT NULL,
	algorithm_name   TEXT NOT NULL,
	module           TEXT NOT NULL,
	data_field       TEXT NOT NULL,
	original_value   DOUBLE PRECISION NOT NULL,
	processed_value  DOUBLE PRECISION NOT NULL,
	confidence       DOUBLE PRECISION NOT NULL,
	metadata         JSONB,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_results_ts ON algorithm_results (ts);
CREATE INDEX IF NOT EXISTS idx_results_algorithm ON algorithm_results (algorithm_name);
`

// dbtx is the subset of *sql.DB used by Postgres.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Postgres stores readings and results in two tables. Each reading field
// becomes one sensor_data row.
type Postgres struct {
	db     dbtx
	closer func() error
}

// OpenPostgres connects to dsn, verifies the connection and creates the
// schema if needed.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: postgres: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: postgres: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, pgSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: postgres: migrate: %w", err)
	}
	return &Postgres{db: db, closer: db.Close}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}

// StoreReading implements Sink.
func (p *Postgres) StoreReading(ctx context.Context, r Reading) error {
	raw, err := json.Marshal(r.Fields)
	if err != nil {
		return fmt.Errorf("storage: postgres: encode reading: %w: %w", ErrStorageFailure, err)
	}

	fields := make([]string, 0, len(r.Fields))
	for f := range r.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, f := range fields {
		_, err := p.db.ExecContext(ctx,
			`INSERT INTO sensor_data (ts, module, data_type, value, raw_data) VALUES ($1, $2, $3, $4, $5)`,
			r.Timestamp.UTC(), r.Module, f, r.Fields[f], string(raw))
		if err != nil {
			return fmt.Errorf("storage: postgres: insert reading %s/%s: %w: %w", r.Module, f, ErrStorageFailure, err)
		}
	}
	return nil
}

// StoreResult implements Sink.
func (p *Postgres) StoreResult(ctx context.Context, rec Record) error {
	meta, err := encodeAttributes(rec.Attributes)
	if err != nil {
		return fmt.Errorf("storage: postgres: encode attributes: %w: %w", ErrStorageFailure, err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO algorithm_results
			(ts, algorithm_name, module, data_field, original_value, processed_value, confidence, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.Timestamp.UTC(), rec.Algorithm, rec.Module, rec.Field,
		rec.Original, rec.Processed, rec.Confidence, meta)
	if err != nil {
		return fmt.Errorf("storage: postgres: insert result %s: %w: %w", rec.Algorithm, ErrStorageFailure, err)
	}
	return nil
}

// QueryResults implements Querier. Results are newest first.
func (p *Postgres) QueryResults(ctx context.Context, q Query) ([]Record, error) {
	query, args := buildResultQuery(q)
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: postgres: query results: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec  Record
			meta sql.NullString
		)
		if err := rows.Scan(&rec.Timestamp, &rec.Algorithm, &rec.Module, &rec.Field,
			&rec.Original, &rec.Processed, &rec.Confidence, &meta); err != nil {
			return nil, fmt.Errorf("storage: postgres: scan result: %w", err)
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &rec.Attributes); err != nil {
				return nil, fmt.Errorf("storage: postgres: decode metadata: %w", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: postgres: query results: %w", err)
	}
	return out, nil
}

// QueryReadings returns stored field values, newest first.
func (p *Postgres) QueryReadings(ctx context.Context, q ReadingQuery) ([]StoredReading, error) {
	query, args := buildReadingQuery(q)
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: postgres: query readings: %w", err)
	}
	defer rows.Close()

	var out []StoredReading
	for rows.Next() {
		var (
			sr    StoredReading
			value sql.NullFloat64
			raw   sql.NullString
		)
		if err := rows.Scan(&sr.Timestamp, &sr.Module, &sr.DataType, &value, &raw); err != nil {
			return nil, fmt.Errorf("storage: postgres: scan reading: %w", err)
		}
		sr.Value = value.Float64
		if raw.Valid && raw.String != "" {
			// A malformed raw_data column does not hide the row.
			if err := json.Unmarshal([]byte(raw.String), &sr.Fields); err != nil {
				sr.Fields = nil
			}
		}
		out = append(out, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: postgres: query readings: %w", err)
	}
	return out, nil
}

// Statistics aggregates readings per module field and results per algorithm
// since the given time.
func (p *Postgres) Statistics(ctx context.Context, since time.Time) (Statistics, error) {
	since = since.UTC()
	st := Statistics{Since: since, Readings: []FieldStats{}, Algorithms: []AlgorithmStats{}}

	rows, err := p.db.QueryContext(ctx, pgFieldStats, since)
	if err != nil {
		return st, fmt.Errorf("storage: postgres: reading statistics: %w", err)
	}
	for rows.Next() {
		var fs FieldStats
		if err := rows.Scan(&fs.Module, &fs.DataType, &fs.Count, &fs.Avg, &fs.Min, &fs.Max); err != nil {
			rows.Close()
			return st, fmt.Errorf("storage: postgres: scan reading statistics: %w", err)
		}
		st.Readings = append(st.Readings, fs)
		st.TotalReadings += fs.Count
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return st, fmt.Errorf("storage: postgres: reading statistics: %w", err)
	}

	rows, err = p.db.QueryContext(ctx, pgAlgorithmStats, since)
	if err != nil {
		return st, fmt.Errorf("storage: postgres: result statistics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var as AlgorithmStats
		if err := rows.Scan(&as.Algorithm, &as.Count, &as.AvgConfidence); err != nil {
			return st, fmt.Errorf("storage: postgres: scan result statistics: %w", err)
		}
		st.Algorithms = append(st.Algorithms, as)
		st.TotalResults += as.Count
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("storage: postgres: result statistics: %w", err)
	}
	return st, nil
}

const (
	pgFieldStats = `SELECT module, data_type, COUNT(*), AVG(value), MIN(value), MAX(value)
		FROM sensor_data WHERE ts >= $1 AND value IS NOT NULL
		GROUP BY module, data_type ORDER BY module, data_type`
	pgAlgorithmStats = `SELECT algorithm_name, COUNT(*), AVG(confidence)
		FROM algorithm_results WHERE ts >= $1
		GROUP BY algorithm_name ORDER BY algorithm_name`
)

// Purged reports how many rows Cleanup deleted.
type Purged struct {
	Readings int64 `json:"readings"`
	Results  int64 `json:"results"`
}

// Cleanup deletes readings and results older than before.
func (p *Postgres) Cleanup(ctx context.Context, before time.Time) (Purged, error) {
	var out Purged
	res, err := p.db.ExecContext(ctx, `DELETE FROM sensor_data WHERE ts < $1`, before.UTC())
	if err != nil {
		return out, fmt.Errorf("storage: postgres: purge readings: %w", err)
	}
	out.Readings, _ = res.RowsAffected()

	res, err = p.db.ExecContext(ctx, `DELETE FROM algorithm_results WHERE ts < $1`, before.UTC())
	if err != nil {
		return out, fmt.Errorf("storage: postgres: purge results: %w", err)
	}
	out.Results, _ = res.RowsAffected()
	return out, nil
}

// RunRetention purges data older than keep every interval until ctx is
// cancelled. A non-positive keep disables it.
func (p *Postgres) RunRetention(ctx context.Context, keep, interval time.Duration) {
	if keep <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			purged, err := p.Cleanup(ctx, now.Add(-keep))
			if err != nil {
				slog.Error("storage: retention purge failed", "err", err)
				continue
			}
			if purged.Readings > 0 || purged.Results > 0 {
				slog.Info("storage: retention purge",
					"readings", purged.Readings, "results", purged.Results, "keep", keep)
			}
		}
	}
}

// buildReadingQuery renders q as a parameterised SELECT on sensor_data.
func buildReadingQuery(q ReadingQuery) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.Module != "" {
		add("module = $%d", q.Module)
	}
	if q.DataType != "" {
		add("data_type = $%d", q.DataType)
	}
	if !q.Since.IsZero() {
		add("ts >= $%d", q.Since.UTC())
	}
	if !q.Until.IsZero() {
		add("ts <= $%d", q.Until.UTC())
	}

	var b strings.Builder
	b.WriteString(`SELECT ts, module, data_type, value, raw_data FROM sensor_data`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY ts DESC")

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " LIMIT $%d", len(args))
	return b.String(), args
}

// buildResultQuery renders q as a parameterised SELECT.
func buildResultQuery(q Query) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.Algorithm != "" {
		add("algorithm_name = $%d", q.Algorithm)
	}
	if q.Module != "" {
		add("module = $%d", q.Module)
	}
	if q.Field != "" {
		add("data_field = $%d", q.Field)
	}
	if !q.Since.IsZero() {
		add("ts >= $%d", q.Since.UTC())
	}
	if !q.Until.IsZero() {
		add("ts <= $%d", q.Until.UTC())
	}

	var b strings.Builder
	b.WriteString(`SELECT ts, algorithm_name, module, data_field, original_value, processed_value, confidence, metadata FROM algorithm_results`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY ts DESC")

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " LIMIT $%d", len(args))
	return b.String(), args
}

// encodeAttributes returns the JSON text of attrs, or nil for an empty map.
func encodeAttributes(attrs map[string]any) (any, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
