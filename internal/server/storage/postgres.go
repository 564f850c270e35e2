package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultMaxConns is the pool size used when New is given maxConns <= 0.
const DefaultMaxConns = 10

// Store is the PostgreSQL-backed storage layer for the sentinel server.
//
// Readings are written one row per ingestion event so that the anomaly and
// trend windows of the next message for the same sensor always observe it.
// Alert creation goes through InsertAlertUnlessActive, which serialises
// concurrent writers on a transaction-scoped advisory lock.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a pgxpool connection to connStr and pings the database.
//
// maxConns <= 0 is replaced with DefaultMaxConns.
func New(ctx context.Context, connStr string, maxConns int32) (*Store, error) {
	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}

	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.ParseConfig: %w", err)
	}
	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Sensors ---

const sensorColumns = `
	sensor_id, name, region, address,
	threshold_low, threshold_medium, threshold_high, threshold_critical,
	is_active, is_online, last_seen, battery, signal, health`

// UpsertSensor inserts a sensor or, on sensor_id conflict, replaces its
// descriptive fields and thresholds. Liveness fields of an existing row are
// left untouched.
func (s *Store) UpsertSensor(ctx context.Context, sn Sensor) error {
	battery, err := json.Marshal(sn.Status.Battery)
	if err != nil {
		return fmt.Errorf("marshal battery: %w", err)
	}
	signal, err := json.Marshal(sn.Status.Signal)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	health := sn.Status.Health
	if health == "" {
		health = HealthOffline
	}
	t := sn.Thresholds.OrDefault()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sensors (`+sensorColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (sensor_id) DO UPDATE SET
			name               = EXCLUDED.name,
			region             = EXCLUDED.region,
			address            = EXCLUDED.address,
			threshold_low      = EXCLUDED.threshold_low,
			threshold_medium   = EXCLUDED.threshold_medium,
			threshold_high     = EXCLUDED.threshold_high,
			threshold_critical = EXCLUDED.threshold_critical,
			is_active          = EXCLUDED.is_active`,
		sn.SensorID, sn.Name, nullableStr(sn.Region), nullableStr(sn.Address),
		t.Low, t.Medium, t.High, t.Critical,
		sn.IsActive, sn.Status.IsOnline, sn.Status.LastSeen,
		battery, signal, string(health),
	)
	if err != nil {
		return fmt.Errorf("upsert sensor %s: %w", sn.SensorID, err)
	}
	return nil
}

// GetSensor returns the sensor with the given identity, or an error wrapping
// ErrNotFound.
func (s *Store) GetSensor(ctx context.Context, sensorID string) (*Sensor, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sensorColumns+` FROM sensors WHERE sensor_id = $1`, sensorID)
	sn, err := scanSensor(row)
	if err != nil {
		return nil, fmt.Errorf("get sensor %s: %w", sensorID, notFound(err))
	}
	return sn, nil
}

// ListActiveSensors returns every sensor with is_active set, ordered by id.
func (s *Store) ListActiveSensors(ctx context.Context) ([]Sensor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sensorColumns+`
		FROM   sensors
		WHERE  is_active
		ORDER  BY sensor_id`)
	if err != nil {
		return nil, fmt.Errorf("list sensors: %w", err)
	}
	defer rows.Close()

	var sensors []Sensor
	for rows.Next() {
		sn, err := scanSensor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sensor: %w", err)
		}
		sensors = append(sensors, *sn)
	}
	return sensors, rows.Err()
}

// UpdateSensorLiveness marks the sensor online as of u.SeenAt and applies
// the optional battery, signal and health fields. A sensor that was offline
// and receives no explicit health value becomes healthy. The resulting status
// is returned.
func (s *Store) UpdateSensorLiveness(ctx context.Context, sensorID string, u LivenessUpdate) (*SensorStatus, error) {
	var battery, signal []byte
	var err error
	if u.Battery != nil {
		if battery, err = json.Marshal(u.Battery); err != nil {
			return nil, fmt.Errorf("marshal battery: %w", err)
		}
	}
	if u.Signal != nil {
		if signal, err = json.Marshal(u.Signal); err != nil {
			return nil, fmt.Errorf("marshal signal: %w", err)
		}
	}
	var health *string
	if u.Health != nil {
		h := string(*u.Health)
		health = &h
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE sensors
		SET    is_online = TRUE,
		       last_seen = $2,
		       battery   = COALESCE($3::jsonb, battery),
		       signal    = COALESCE($4::jsonb, signal),
		       health    = COALESCE($5::text,
		                            CASE WHEN health = 'offline' THEN 'healthy' ELSE health END)
		WHERE  sensor_id = $1
		RETURNING is_online, last_seen, battery, signal, health`,
		sensorID, u.SeenAt, battery, signal, health,
	)
	st, err := scanStatus(row)
	if err != nil {
		return nil, fmt.Errorf("update sensor liveness %s: %w", sensorID, notFound(err))
	}
	return st, nil
}

// MarkSensorOffline sets is_online=false and health=offline for a sensor
// that is still online and has not been seen since cutoff. It reports
// whether a row changed, so a message that arrived after the caller read the
// sensor keeps it online.
func (s *Store) MarkSensorOffline(ctx context.Context, sensorID string, cutoff time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sensors
		SET    is_online = FALSE,
		       health    = 'offline'
		WHERE  sensor_id = $1
		  AND  is_online
		  AND  (last_seen IS NULL OR last_seen < $2)`,
		sensorID, cutoff,
	)
	if err != nil {
		return false, fmt.Errorf("mark sensor offline %s: %w", sensorID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// --- Readings ---

const readingColumns = `reading_id::text, sensor_id, ts, data, calculated, anomaly, device`

// InsertReading appends one reading row.
func (s *Store) InsertReading(ctx context.Context, r Reading) error {
	data, err := json.Marshal(r.Data)
	if err != nil {
		return fmt.Errorf("marshal reading data: %w", err)
	}
	calc, err := json.Marshal(r.Calculated)
	if err != nil {
		return fmt.Errorf("marshal reading calculated: %w", err)
	}
	device, err := json.Marshal(r.Device)
	if err != nil {
		return fmt.Errorf("marshal reading device: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO readings
			(reading_id, sensor_id, ts, moisture, risk_level, anomaly, data, calculated, device)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ReadingID, r.SensorID, r.Timestamp, r.Data.Moisture.Value,
		string(r.Calculated.RiskLevel), r.Quality.Anomaly,
		data, calc, device,
	)
	if err != nil {
		return fmt.Errorf("insert reading %s: %w", r.ReadingID, err)
	}
	return nil
}

// RecentReadings returns up to n readings for sensorID, newest first.
func (s *Store) RecentReadings(ctx context.Context, sensorID string, n int) ([]Reading, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+readingColumns+`
		FROM   readings
		WHERE  sensor_id = $1
		ORDER  BY ts DESC
		LIMIT  $2`, sensorID, n)
	if err != nil {
		return nil, fmt.Errorf("recent readings %s: %w", sensorID, err)
	}
	return collectReadings(rows)
}

// ReadingsSince returns the readings for sensorID with ts >= since, oldest
// first.
func (s *Store) ReadingsSince(ctx context.Context, sensorID string, since time.Time) ([]Reading, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+readingColumns+`
		FROM   readings
		WHERE  sensor_id = $1 AND ts >= $2
		ORDER  BY ts ASC`, sensorID, since)
	if err != nil {
		return nil, fmt.Errorf("readings since %s: %w", sensorID, err)
	}
	return collectReadings(rows)
}

// LatestReading returns the newest reading for sensorID, or an error wrapping
// ErrNotFound.
func (s *Store) LatestReading(ctx context.Context, sensorID string) (*Reading, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+readingColumns+`
		FROM   readings
		WHERE  sensor_id = $1
		ORDER  BY ts DESC
		LIMIT  1`, sensorID)
	r, err := scanReading(row)
	if err != nil {
		return nil, fmt.Errorf("latest reading %s: %w", sensorID, notFound(err))
	}
	return r, nil
}

// --- Recipients ---

// UpsertRecipient inserts or replaces a notification recipient.
func (s *Store) UpsertRecipient(ctx context.Context, r Recipient) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recipients
			(recipient_id, name, email, phone, active, email_enabled, sms_enabled, alert_level)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (recipient_id) DO UPDATE SET
			name          = EXCLUDED.name,
			email         = EXCLUDED.email,
			phone         = EXCLUDED.phone,
			active        = EXCLUDED.active,
			email_enabled = EXCLUDED.email_enabled,
			sms_enabled   = EXCLUDED.sms_enabled,
			alert_level   = EXCLUDED.alert_level`,
		r.ID, r.Name, nullableStr(r.Email), nullableStr(r.Phone),
		r.Active, r.EmailEnabled, r.SMSEnabled, string(r.AlertLevel),
	)
	if err != nil {
		return fmt.Errorf("upsert recipient %s: %w", r.ID, err)
	}
	return nil
}

// Recipients returns the active recipients subscribed at one of levels that
// have at least one notification channel enabled.
func (s *Store) Recipients(ctx context.Context, levels []Severity) ([]Recipient, error) {
	lv := make([]string, len(levels))
	for i, l := range levels {
		lv[i] = string(l)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT recipient_id::text, name, email, phone, active, email_enabled, sms_enabled, alert_level
		FROM   recipients
		WHERE  active
		  AND  (email_enabled OR sms_enabled)
		  AND  alert_level = ANY($1)
		ORDER  BY name`, lv)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	var out []Recipient
	for rows.Next() {
		var r Recipient
		var email, phone *string
		var level string
		if err := rows.Scan(&r.ID, &r.Name, &email, &phone, &r.Active, &r.EmailEnabled, &r.SMSEnabled, &level); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		if email != nil {
			r.Email = *email
		}
		if phone != nil {
			r.Phone = *phone
		}
		r.AlertLevel = Severity(level)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- internal helpers ---

// scanner is satisfied by both pgx.Row and pgx.Rows, allowing shared scan
// helpers across single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

func scanSensor(s scanner) (*Sensor, error) {
	var sn Sensor
	var region, address *string
	var battery, signal []byte
	var health string
	err := s.Scan(
		&sn.SensorID, &sn.Name, &region, &address,
		&sn.Thresholds.Low, &sn.Thresholds.Medium, &sn.Thresholds.High, &sn.Thresholds.Critical,
		&sn.IsActive, &sn.Status.IsOnline, &sn.Status.LastSeen,
		&battery, &signal, &health,
	)
	if err != nil {
		return nil, err
	}
	if region != nil {
		sn.Region = *region
	}
	if address != nil {
		sn.Address = *address
	}
	if err := unmarshalOptional(battery, &sn.Status.Battery); err != nil {
		return nil, fmt.Errorf("decode battery: %w", err)
	}
	if err := unmarshalOptional(signal, &sn.Status.Signal); err != nil {
		return nil, fmt.Errorf("decode signal: %w", err)
	}
	sn.Status.Health = Health(health)
	return &sn, nil
}

func scanStatus(s scanner) (*SensorStatus, error) {
	var st SensorStatus
	var battery, signal []byte
	var health string
	if err := s.Scan(&st.IsOnline, &st.LastSeen, &battery, &signal, &health); err != nil {
		return nil, err
	}
	if err := unmarshalOptional(battery, &st.Battery); err != nil {
		return nil, fmt.Errorf("decode battery: %w", err)
	}
	if err := unmarshalOptional(signal, &st.Signal); err != nil {
		return nil, fmt.Errorf("decode signal: %w", err)
	}
	st.Health = Health(health)
	return &st, nil
}

func scanReading(s scanner) (*Reading, error) {
	var r Reading
	var data, calc, device []byte
	if err := s.Scan(&r.ReadingID, &r.SensorID, &r.Timestamp, &data, &calc, &r.Quality.Anomaly, &device); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &r.Data); err != nil {
		return nil, fmt.Errorf("decode reading data: %w", err)
	}
	if err := json.Unmarshal(calc, &r.Calculated); err != nil {
		return nil, fmt.Errorf("decode reading calculated: %w", err)
	}
	if err := unmarshalOptional(device, &r.Device); err != nil {
		return nil, fmt.Errorf("decode reading device: %w", err)
	}
	return &r, nil
}

func collectReadings(rows pgx.Rows) ([]Reading, error) {
	defer rows.Close()
	var out []Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// unmarshalOptional decodes raw into v unless raw is empty or JSON null.
func unmarshalOptional(raw []byte, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// notFound maps pgx.ErrNoRows onto ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// nullableStr converts an empty string to a nil pointer, which pgx stores as
// SQL NULL.  A non-empty string is returned as-is.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
