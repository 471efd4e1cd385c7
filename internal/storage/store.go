package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"vigil/internal/config"
	"vigil/internal/model"
)

// ErrNotFound is returned when an acknowledge targets a row that does not
// exist.
var ErrNotFound = errors.New("storage: row not found")

// Store is the durable record of streams, detections, alerts and system
// events. A nil Store (storage disabled) is handled by callers.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	UpsertStream(ctx context.Context, s model.StreamConfig) error
	DeleteStream(ctx context.Context, streamID string) error

	SaveDetection(ctx context.Context, det model.Detection) (int64, error)
	SaveAlert(ctx context.Context, alert model.Alert) (int64, error)
	SaveSystemEvent(ctx context.Context, ev model.SystemEvent) error

	AcknowledgeAlert(ctx context.Context, id int64, by string) error
	AcknowledgeDetection(ctx context.Context, id int64) error

	ListDetections(ctx context.Context, streamID string, limit int, violentOnly bool) ([]model.Detection, error)
	ListAlerts(ctx context.Context, limit int, unacknowledgedOnly bool) ([]model.Alert, error)
	ListSystemEvents(ctx context.Context, limit int) ([]model.SystemEvent, error)

	Statistics(ctx context.Context, days int) (model.Statistics, error)
	Cleanup(ctx context.Context, retentionDays int) (model.CleanupResult, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

// baseStore carries the DML shared by both drivers. Queries are written with
// ? placeholders; bind rewrites them for drivers that want $n.
type baseStore struct {
	db   *sql.DB
	bind func(string) string
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func passthrough(q string) string { return q }

// rebindDollar rewrites ? placeholders to $1..$n for pgx.
func rebindDollar(q string) string {
	var sb strings.Builder
	sb.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(q[i])
	}
	return sb.String()
}

// Timestamps travel as fixed-width UTC strings so text comparison in sqlite
// orders chronologically. Postgres parses the same form into TIMESTAMPTZ.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

// timeVal scans a timestamp from either driver.
type timeVal struct{ t time.Time }

func (v *timeVal) Scan(src any) error {
	switch x := src.(type) {
	case nil:
		v.t = time.Time{}
		return nil
	case time.Time:
		v.t = x.UTC()
		return nil
	case string:
		return v.parse(x)
	case []byte:
		return v.parse(string(x))
	default:
		return fmt.Errorf("storage: cannot scan %T into time", src)
	}
}

func (v *timeVal) parse(s string) error {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			v.t = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("storage: unparseable timestamp %q", s)
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func (b *baseStore) UpsertStream(ctx context.Context, s model.StreamConfig) error {
	if b.db == nil {
		return nil
	}
	now := fmtTime(time.Now())
	_, err := b.db.ExecContext(ctx, b.bind(
		`INSERT INTO streams (stream_id, name, url, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (stream_id) DO UPDATE SET
			name = excluded.name,
			url = excluded.url,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`),
		s.ID, s.Name, s.URL, s.Enabled, now, now,
	)
	return err
}

// DeleteStream removes a stream and everything recorded for it.
func (b *baseStore) DeleteStream(ctx context.Context, streamID string) error {
	if b.db == nil {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, q := range []string{
		`DELETE FROM alerts WHERE stream_id = ?`,
		`DELETE FROM detections WHERE stream_id = ?`,
		`DELETE FROM streams WHERE stream_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, b.bind(q), streamID); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b *baseStore) SaveDetection(ctx context.Context, det model.Detection) (int64, error) {
	if b.db == nil {
		return 0, nil
	}
	var id int64
	err := b.db.QueryRowContext(ctx, b.bind(
		`INSERT INTO detections (stream_id, ts, is_violence, confidence, frame_data, acknowledged, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		det.StreamID, fmtTime(det.Timestamp), det.IsViolence, det.Confidence,
		det.FrameData, det.Acknowledged, fmtTime(time.Now()),
	).Scan(&id)
	return id, err
}

func (b *baseStore) SaveAlert(ctx context.Context, alert model.Alert) (int64, error) {
	if b.db == nil {
		return 0, nil
	}
	var detID any
	if alert.DetectionID != nil {
		detID = *alert.DetectionID
	}
	var id int64
	err := b.db.QueryRowContext(ctx, b.bind(
		`INSERT INTO alerts (stream_id, detection_id, alert_type, message, severity, acknowledged, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		alert.StreamID, detID, alert.Type, alert.Message, alert.Severity,
		alert.Acknowledged, fmtTime(alert.CreatedAt),
	).Scan(&id)
	return id, err
}

func (b *baseStore) SaveSystemEvent(ctx context.Context, ev model.SystemEvent) error {
	if b.db == nil {
		return nil
	}
	_, err := b.db.ExecContext(ctx, b.bind(
		`INSERT INTO system_events (event_type, message, details_json, created_at)
		VALUES (?, ?, ?, ?)`),
		ev.EventType, ev.Message, encodeJSON(ev.Details), fmtTime(ev.CreatedAt),
	)
	return err
}

func (b *baseStore) AcknowledgeAlert(ctx context.Context, id int64, by string) error {
	if b.db == nil {
		return nil
	}
	res, err := b.db.ExecContext(ctx, b.bind(
		`UPDATE alerts SET acknowledged = ?, acknowledged_by = ?, acknowledged_at = ? WHERE id = ?`),
		true, by, fmtTime(time.Now()), id,
	)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (b *baseStore) AcknowledgeDetection(ctx context.Context, id int64) error {
	if b.db == nil {
		return nil
	}
	res, err := b.db.ExecContext(ctx, b.bind(
		`UPDATE detections SET acknowledged = ? WHERE id = ?`), true, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *baseStore) ListDetections(ctx context.Context, streamID string, limit int, violentOnly bool) ([]model.Detection, error) {
	if b.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, stream_id, ts, is_violence, confidence, frame_data, acknowledged, created_at FROM detections`
	var conds []string
	var args []any
	if streamID != "" {
		conds = append(conds, `stream_id = ?`)
		args = append(args, streamID)
	}
	if violentOnly {
		conds = append(conds, `is_violence = ?`)
		args = append(args, true)
	}
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	q += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)

	rows, err := b.db.QueryContext(ctx, b.bind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Detection
	for rows.Next() {
		var det model.Detection
		var ts, created timeVal
		var frame sql.NullString
		if err := rows.Scan(&det.ID, &det.StreamID, &ts, &det.IsViolence, &det.Confidence, &frame, &det.Acknowledged, &created); err != nil {
			return nil, err
		}
		det.Timestamp = ts.t
		det.CreatedAt = created.t
		det.FrameData = frame.String
		out = append(out, det)
	}
	return out, rows.Err()
}

func (b *baseStore) ListAlerts(ctx context.Context, limit int, unacknowledgedOnly bool) ([]model.Alert, error) {
	if b.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, stream_id, detection_id, alert_type, message, severity, acknowledged, acknowledged_by, acknowledged_at, created_at FROM alerts`
	var args []any
	if unacknowledgedOnly {
		q += ` WHERE acknowledged = ?`
		args = append(args, false)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := b.db.QueryContext(ctx, b.bind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		var a model.Alert
		var streamID, ackBy sql.NullString
		var detID sql.NullInt64
		var ackAt, created timeVal
		if err := rows.Scan(&a.ID, &streamID, &detID, &a.Type, &a.Message, &a.Severity, &a.Acknowledged, &ackBy, &ackAt, &created); err != nil {
			return nil, err
		}
		a.StreamID = streamID.String
		a.AcknowledgedBy = ackBy.String
		if detID.Valid {
			id := detID.Int64
			a.DetectionID = &id
		}
		if !ackAt.t.IsZero() {
			t := ackAt.t
			a.AcknowledgedAt = &t
		}
		a.CreatedAt = created.t
		out = append(out, a)
	}
	return out, rows.Err()
}

func (b *baseStore) ListSystemEvents(ctx context.Context, limit int) ([]model.SystemEvent, error) {
	if b.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx, b.bind(
		`SELECT id, event_type, message, details_json, created_at FROM system_events ORDER BY created_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SystemEvent
	for rows.Next() {
		var ev model.SystemEvent
		var details sql.NullString
		var created timeVal
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.Message, &details, &created); err != nil {
			return nil, err
		}
		if details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &ev.Details)
		}
		ev.CreatedAt = created.t
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (b *baseStore) Statistics(ctx context.Context, days int) (model.Statistics, error) {
	stats := model.Statistics{PeriodDays: days}
	if b.db == nil {
		return stats, nil
	}
	if days <= 0 {
		days = 7
		stats.PeriodDays = days
	}
	cutoff := fmtTime(time.Now().Add(-time.Duration(days) * 24 * time.Hour))

	err := b.db.QueryRowContext(ctx, b.bind(
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN is_violence THEN 1 ELSE 0 END), 0)
		FROM detections WHERE ts >= ?`), cutoff,
	).Scan(&stats.TotalDetections, &stats.ViolenceDetections)
	if err != nil {
		return stats, err
	}
	if stats.TotalDetections > 0 {
		stats.ViolencePercentage = float64(stats.ViolenceDetections) / float64(stats.TotalDetections) * 100
	}

	rows, err := b.db.QueryContext(ctx, b.bind(
		`SELECT d.stream_id, COALESCE(s.name, ''), COUNT(*),
			COALESCE(SUM(CASE WHEN d.is_violence THEN 1 ELSE 0 END), 0)
		FROM detections d LEFT JOIN streams s ON s.stream_id = d.stream_id
		WHERE d.ts >= ?
		GROUP BY d.stream_id, s.name
		ORDER BY d.stream_id`), cutoff)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var ss model.StreamStats
		if err := rows.Scan(&ss.StreamID, &ss.Name, &ss.TotalDetections, &ss.ViolenceDetections); err != nil {
			return stats, err
		}
		stats.StreamStatistics = append(stats.StreamStatistics, ss)
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	err = b.db.QueryRowContext(ctx, b.bind(
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN acknowledged THEN 0 ELSE 1 END), 0)
		FROM alerts WHERE created_at >= ?`), cutoff,
	).Scan(&stats.TotalAlerts, &stats.UnacknowledgedAlerts)
	return stats, err
}

// Cleanup deletes rows older than the retention window.
func (b *baseStore) Cleanup(ctx context.Context, retentionDays int) (model.CleanupResult, error) {
	var res model.CleanupResult
	if b.db == nil {
		return res, nil
	}
	if retentionDays <= 0 {
		retentionDays = 30
	}
	cutoff := fmtTime(time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour))

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	for _, target := range []struct {
		query string
		count *int64
	}{
		{`DELETE FROM alerts WHERE created_at < ?`, &res.DeletedAlerts},
		{`DELETE FROM detections WHERE ts < ?`, &res.DeletedDetections},
		{`DELETE FROM system_events WHERE created_at < ?`, &res.DeletedEvents},
	} {
		r, err := tx.ExecContext(ctx, b.bind(target.query), cutoff)
		if err != nil {
			_ = tx.Rollback()
			return model.CleanupResult{}, err
		}
		if n, err := r.RowsAffected(); err == nil {
			*target.count = n
		}
	}
	return res, tx.Commit()
}
