package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// OpenReadOnly opens an existing database without touching its schema
func OpenReadOnly(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the database schema
func (db *DB) migrate() error {
	schema := `
	-- Inverter telemetry
	CREATE TABLE IF NOT EXISTS readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source TEXT NOT NULL,
		working_state TEXT,
		battery_voltage REAL,
		battery_capacity REAL,
		pv_total_power REAL,
		output_power REAL,
		ac_output_load REAL,
		raw_json TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		published INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_readings_timestamp ON readings(timestamp);
	CREATE INDEX IF NOT EXISTS idx_readings_published ON readings(published);

	-- Commands sent to the device gateway
	CREATE TABLE IF NOT EXISTS actuation_events (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		action TEXT NOT NULL,
		value REAL,
		success INTEGER NOT NULL,
		reason TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		published INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_events_device ON actuation_events(device_id);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON actuation_events(timestamp);

	-- Per-device daily energy
	CREATE TABLE IF NOT EXISTS daily_energy (
		device_id TEXT NOT NULL,
		day TEXT NOT NULL,
		run_seconds REAL NOT NULL,
		energy_wh REAL NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (device_id, day)
	);

	-- Last known device snapshot
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		gateway_id TEXT,
		is_on INTEGER DEFAULT 0,
		status_json TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// --- Reading Operations ---

// Timestamps are stored in UTC so that text comparison orders them.

// InsertReading inserts a telemetry reading
func (db *DB) InsertReading(r *Reading) (int64, error) {
	query := `INSERT INTO readings
		(source, working_state, battery_voltage, battery_capacity, pv_total_power,
		output_power, ac_output_load, raw_json, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := db.conn.Exec(query, r.Source, r.WorkingState, r.BatteryVoltage, r.BatteryCapacity,
		r.PVTotalPower, r.OutputPower, r.ACOutputLoad, r.RawJSON, r.Timestamp.UTC())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

const readingColumns = `id, source, working_state, battery_voltage, battery_capacity, pv_total_power,
	output_power, ac_output_load, raw_json, timestamp, published`

// GetRecentReadings returns the newest readings first
func (db *DB) GetRecentReadings(limit int) ([]*Reading, error) {
	return db.queryReadings(`SELECT `+readingColumns+` FROM readings ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
}

// GetUnpublishedReadings returns readings not yet published, oldest first
func (db *DB) GetUnpublishedReadings(limit int) ([]*Reading, error) {
	return db.queryReadings(`SELECT `+readingColumns+` FROM readings WHERE published = 0 ORDER BY timestamp, id LIMIT ?`, limit)
}

// MarkReadingPublished marks a reading as published
func (db *DB) MarkReadingPublished(id int64) error {
	_, err := db.conn.Exec("UPDATE readings SET published = 1 WHERE id = ?", id)
	return err
}

// PruneReadings deletes readings older than before and returns how many were removed
func (db *DB) PruneReadings(before time.Time) (int64, error) {
	result, err := db.conn.Exec("DELETE FROM readings WHERE timestamp < ?", before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (db *DB) queryReadings(query string, args ...any) ([]*Reading, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []*Reading
	for rows.Next() {
		r := &Reading{}
		var state, raw sql.NullString
		var volt, capacity, pv, out, load sql.NullFloat64
		if err := rows.Scan(&r.ID, &r.Source, &state, &volt, &capacity, &pv,
			&out, &load, &raw, &r.Timestamp, &r.Published); err != nil {
			return nil, err
		}
		r.WorkingState = state.String
		r.RawJSON = raw.String
		r.BatteryVoltage = nullFloat(volt)
		r.BatteryCapacity = nullFloat(capacity)
		r.PVTotalPower = nullFloat(pv)
		r.OutputPower = nullFloat(out)
		r.ACOutputLoad = nullFloat(load)
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// --- Actuation Event Operations ---

// InsertActuationEvent stores an actuation event
func (db *DB) InsertActuationEvent(e *ActuationEvent) error {
	query := `INSERT INTO actuation_events
		(id, device_id, action, value, success, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query, e.ID, e.DeviceID, e.Action, e.Value, e.Success, e.Reason, e.Timestamp.UTC())
	return err
}

const eventColumns = `id, device_id, action, value, success, reason, timestamp, published`

// GetRecentEvents returns the newest events first, optionally for one device
func (db *DB) GetRecentEvents(deviceID string, limit int) ([]*ActuationEvent, error) {
	if deviceID == "" {
		return db.queryEvents(`SELECT `+eventColumns+` FROM actuation_events ORDER BY timestamp DESC LIMIT ?`, limit)
	}
	return db.queryEvents(`SELECT `+eventColumns+` FROM actuation_events WHERE device_id = ?
		ORDER BY timestamp DESC LIMIT ?`, deviceID, limit)
}

// GetUnpublishedEvents returns events not yet published, oldest first
func (db *DB) GetUnpublishedEvents(limit int) ([]*ActuationEvent, error) {
	return db.queryEvents(`SELECT `+eventColumns+` FROM actuation_events WHERE published = 0 ORDER BY timestamp LIMIT ?`, limit)
}

// MarkEventPublished marks an event as published
func (db *DB) MarkEventPublished(id string) error {
	_, err := db.conn.Exec("UPDATE actuation_events SET published = 1 WHERE id = ?", id)
	return err
}

func (db *DB) queryEvents(query string, args ...any) ([]*ActuationEvent, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*ActuationEvent
	for rows.Next() {
		e := &ActuationEvent{}
		var reason sql.NullString
		var value sql.NullFloat64
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.Action, &value, &e.Success, &reason,
			&e.Timestamp, &e.Published); err != nil {
			return nil, err
		}
		e.Value = value.Float64
		e.Reason = reason.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Daily Energy Operations ---

// UpsertDailyEnergy inserts or replaces the totals of one device and day
func (db *DB) UpsertDailyEnergy(e *DailyEnergy) error {
	query := `
		INSERT INTO daily_energy (device_id, day, run_seconds, energy_wh, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id, day) DO UPDATE SET
			run_seconds = excluded.run_seconds,
			energy_wh = excluded.energy_wh,
			updated_at = excluded.updated_at
	`
	_, err := db.conn.Exec(query, e.DeviceID, e.Day, e.RunSeconds, e.EnergyWh, time.Now())
	return err
}

// GetDailyEnergy returns the totals of every device for day
func (db *DB) GetDailyEnergy(day string) ([]*DailyEnergy, error) {
	query := `SELECT device_id, day, run_seconds, energy_wh, updated_at
		FROM daily_energy WHERE day = ? ORDER BY device_id`

	rows, err := db.conn.Query(query, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DailyEnergy
	for rows.Next() {
		e := &DailyEnergy{}
		if err := rows.Scan(&e.DeviceID, &e.Day, &e.RunSeconds, &e.EnergyWh, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Device Operations ---

// UpsertDevice inserts or updates a device snapshot
func (db *DB) UpsertDevice(d *Device) error {
	query := `
		INSERT INTO devices (id, name, type, gateway_id, is_on, status_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			gateway_id = excluded.gateway_id,
			is_on = excluded.is_on,
			status_json = COALESCE(excluded.status_json, status_json),
			updated_at = excluded.updated_at
	`
	var status any
	if d.StatusJSON != "" {
		status = d.StatusJSON
	}
	_, err := db.conn.Exec(query, d.ID, d.Name, d.Type, d.GatewayID, d.IsOn, status, time.Now())
	return err
}

// GetAllDevices retrieves all device snapshots
func (db *DB) GetAllDevices() ([]*Device, error) {
	query := `SELECT id, name, type, gateway_id, is_on, status_json, updated_at FROM devices ORDER BY id`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d := &Device{}
		var gateway, status sql.NullString
		if err := rows.Scan(&d.ID, &d.Name, &d.Type, &gateway, &d.IsOn, &status, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.GatewayID = gateway.String
		d.StatusJSON = status.String
		devices = append(devices, d)
	}
	return devices, rows.Err()
}
