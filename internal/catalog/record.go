package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/FluidXR/droidprov/internal/device"
)

// ErrNotFound is returned when a serial is not in the catalog.
var ErrNotFound = errors.New("device not in catalog")

// Record is a physical device that has been claimed at least once.
type Record struct {
	Serial       string
	Properties   device.Properties
	FirstSeen    time.Time
	LastSeen     time.Time
	ConnectCount int
}

// Upsert records a connection of the device with the given serial and
// properties. The first sighting is kept; everything else is refreshed.
func (c *DB) Upsert(serial string, p device.Properties) error {
	now := time.Now().UTC()
	_, err := c.db.Exec(
		`INSERT INTO devices (serial, title, manufacturer, model, android_version, android_release,
		   abi, device_type, connection_type, first_seen, last_seen, connect_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		 ON CONFLICT(serial) DO UPDATE SET
		   title = excluded.title,
		   manufacturer = excluded.manufacturer,
		   model = excluded.model,
		   android_version = excluded.android_version,
		   android_release = excluded.android_release,
		   abi = excluded.abi,
		   device_type = excluded.device_type,
		   connection_type = excluded.connection_type,
		   last_seen = excluded.last_seen,
		   connect_count = devices.connect_count + 1`,
		serial, p.Title, p.Manufacturer, p.Model, p.AndroidVersion, p.AndroidRelease,
		p.ABI, string(p.DeviceType), string(p.ConnectionType), now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", serial, err)
	}
	return nil
}

// Get returns the record for serial.
func (c *DB) Get(serial string) (Record, error) {
	row := c.db.QueryRow(selectRecord+` WHERE serial = ?`, serial)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, serial)
	}
	return r, err
}

// List returns every known device, most recently seen first.
func (c *DB) List() ([]Record, error) {
	rows, err := c.db.Query(selectRecord + ` ORDER BY last_seen DESC, serial`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Delete forgets the device with serial.
func (c *DB) Delete(serial string) error {
	res, err := c.db.Exec(`DELETE FROM devices WHERE serial = ?`, serial)
	if err != nil {
		return fmt.Errorf("delete device %s: %w", serial, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, serial)
	}
	return nil
}

const selectRecord = `SELECT serial, title, manufacturer, model, android_version, android_release,
	abi, device_type, connection_type, first_seen, last_seen, connect_count FROM devices`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var r Record
	var deviceType, connType string
	err := s.Scan(&r.Serial, &r.Properties.Title, &r.Properties.Manufacturer, &r.Properties.Model,
		&r.Properties.AndroidVersion, &r.Properties.AndroidRelease, &r.Properties.ABI,
		&deviceType, &connType, &r.FirstSeen, &r.LastSeen, &r.ConnectCount)
	if err != nil {
		return Record{}, err
	}
	r.Properties.DeviceType = device.Type(deviceType)
	r.Properties.ConnectionType = device.ConnectionType(connType)
	r.Properties.Icon = device.IconFor(r.Properties.DeviceType)
	return r, nil
}
