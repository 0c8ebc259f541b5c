package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Dhanuja2006/Asset-Tracking-System/internal/model"
)

// HasScanSince reports whether a scan event for the asset/room pair exists
// with a recorded time strictly after cutoff. Evaluated inside the same
// transaction as the eventual insert so concurrent producers cannot race the
// suppression window.
func (t *Tx) HasScanSince(ctx context.Context, assetID, roomID int64, cutoff time.Time) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(
		ctx,
		`SELECT 1 FROM asset_room_scan_events
		 WHERE asset_id = ? AND room_id = ? AND scan_time > ?
		 LIMIT 1;`,
		assetID, roomID, formatTime(cutoff),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query recent scans: %w", err)
	}
	return true, nil
}

// InsertScanEvent appends an accepted scan.
func (t *Tx) InsertScanEvent(ctx context.Context, ev model.ScanEvent) error {
	_, err := t.tx.ExecContext(
		ctx,
		`INSERT INTO asset_room_scan_events (asset_id, tag_id, reader_id, room_id, scan_time)
		 VALUES (?, ?, ?, ?, ?);`,
		ev.AssetID, ev.TagID, ev.ReaderID, ev.RoomID, formatTime(ev.ScanTime),
	)
	if err != nil {
		return fmt.Errorf("insert scan event: %w", err)
	}
	return nil
}

// InsertAssetStatus appends a status history row.
func (t *Tx) InsertAssetStatus(ctx context.Context, assetID int64, status string, at time.Time) error {
	_, err := t.tx.ExecContext(
		ctx,
		`INSERT INTO asset_status (asset_id, status, recorded_at) VALUES (?, ?, ?);`,
		assetID, status, formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("insert asset status: %w", err)
	}
	return nil
}

// LatestStatusBefore returns the most recent status row recorded strictly
// before at.
func (t *Tx) LatestStatusBefore(ctx context.Context, assetID int64, at time.Time) (model.StatusRecord, error) {
	var rec model.StatusRecord
	var recordedAt string
	err := t.tx.QueryRowContext(
		ctx,
		`SELECT status, recorded_at FROM asset_status
		 WHERE asset_id = ? AND recorded_at < ?
		 ORDER BY recorded_at DESC
		 LIMIT 1;`,
		assetID, formatTime(at),
	).Scan(&rec.Status, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.StatusRecord{}, ErrNotFound
	}
	if err != nil {
		return model.StatusRecord{}, fmt.Errorf("query latest status: %w", err)
	}
	rec.RecordedAt, err = parseStoredTime(recordedAt)
	if err != nil {
		return model.StatusRecord{}, err
	}
	return rec, nil
}

// AcknowledgeMissingAlerts closes every open Missing Asset alert for the
// asset, stamped as system-acknowledged at the scan's event time. Returns the
// number of alerts closed.
func (t *Tx) AcknowledgeMissingAlerts(ctx context.Context, assetID int64, at time.Time) (int64, error) {
	res, err := t.tx.ExecContext(
		ctx,
		`UPDATE alerts
		 SET acknowledged_at = ?, acknowledged_by = ?
		 WHERE asset_id = ?
		   AND alert_type = ?
		   AND acknowledged_at IS NULL;`,
		formatTime(at), model.SystemActorID, assetID, model.AlertMissingAsset,
	)
	if err != nil {
		return 0, fmt.Errorf("acknowledge missing alerts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("acknowledge missing alerts: %w", err)
	}
	return n, nil
}

// InsertAlert appends a new alert. AssetID may be nil for unresolved tags.
func (t *Tx) InsertAlert(ctx context.Context, a model.Alert) error {
	var assetID sql.NullInt64
	if a.AssetID != nil {
		assetID = sql.NullInt64{Int64: *a.AssetID, Valid: true}
	}

	var ackAt sql.NullString
	var ackBy sql.NullInt64
	if a.AcknowledgedAt != nil {
		ackAt = sql.NullString{String: formatTime(*a.AcknowledgedAt), Valid: true}
	}
	if a.AcknowledgedBy != nil {
		ackBy = sql.NullInt64{Int64: *a.AcknowledgedBy, Valid: true}
	}

	_, err := t.tx.ExecContext(
		ctx,
		`INSERT INTO alerts (asset_id, alert_type, alert_message, generated_at, acknowledged_at, acknowledged_by)
		 VALUES (?, ?, ?, ?, ?, ?);`,
		assetID, a.Type, a.Message, formatTime(a.GeneratedAt), ackAt, ackBy,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// InsertUnknownTagScan records an unresolved scan when the alert insert is
// rejected by the store.
func (t *Tx) InsertUnknownTagScan(ctx context.Context, uid string, readerID, roomID int64, at time.Time, message string) error {
	_, err := t.tx.ExecContext(
		ctx,
		`INSERT INTO unknown_tag_scans (rfid_uid, reader_id, room_id, scan_time, alert_message)
		 VALUES (?, ?, ?, ?, ?);`,
		uid, readerID, roomID, formatTime(at), message,
	)
	if err != nil {
		return fmt.Errorf("insert unknown tag scan: %w", err)
	}
	return nil
}

// InsertHealthLog appends reader telemetry (BOOT or SCAN).
func (t *Tx) InsertHealthLog(ctx context.Context, readerID int64, eventType string, at time.Time) error {
	_, err := t.tx.ExecContext(
		ctx,
		`INSERT INTO reader_health_logs (reader_id, event_type, recorded_at) VALUES (?, ?, ?);`,
		readerID, eventType, formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("insert health log: %w", err)
	}
	return nil
}

// InsertUtilizationLog appends a reactivation accounting row.
func (t *Tx) InsertUtilizationLog(ctx context.Context, assetID int64, eventType string, durationMinutes float64, at time.Time) error {
	_, err := t.tx.ExecContext(
		ctx,
		`INSERT INTO asset_utilization_log (asset_id, event_type, duration_minutes, recorded_at)
		 VALUES (?, ?, ?, ?);`,
		assetID, eventType, durationMinutes, formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("insert utilization log: %w", err)
	}
	return nil
}

// Read-side queries for the HTTP surface. These run outside the ingestion
// transaction on their own pooled connections.

// RecentScans returns the most recent scan events joined with catalog names,
// newest first.
func (s *Store) RecentScans(ctx context.Context, limit int) ([]model.StoredScan, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT e.scan_time, a.asset_code, a.asset_name, r.room_name
		 FROM asset_room_scan_events e
		 JOIN assets a ON e.asset_id = a.asset_id
		 JOIN rooms r ON e.room_id = r.room_id
		 ORDER BY e.scan_time DESC
		 LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent scans: %w", err)
	}
	defer rows.Close()

	scans := make([]model.StoredScan, 0, limit)
	for rows.Next() {
		var scanTime string
		var s model.StoredScan
		if err := rows.Scan(&scanTime, &s.AssetCode, &s.AssetName, &s.RoomName); err != nil {
			return nil, fmt.Errorf("scan recent scan row: %w", err)
		}
		if s.ScanTime, err = parseStoredTime(scanTime); err != nil {
			return nil, err
		}
		scans = append(scans, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent scans: %w", err)
	}
	return scans, nil
}

// RecentAlerts returns the most recent alerts, newest first.
func (s *Store) RecentAlerts(ctx context.Context, limit int) ([]model.Alert, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT alert_id, asset_id, alert_type, alert_message, generated_at, acknowledged_at, acknowledged_by
		 FROM alerts
		 ORDER BY generated_at DESC
		 LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]model.Alert, 0, limit)
	for rows.Next() {
		var a model.Alert
		var assetID, ackBy sql.NullInt64
		var generatedAt string
		var ackAt sql.NullString
		if err := rows.Scan(&a.ID, &assetID, &a.Type, &a.Message, &generatedAt, &ackAt, &ackBy); err != nil {
			return nil, fmt.Errorf("scan alert row: %w", err)
		}
		if assetID.Valid {
			id := assetID.Int64
			a.AssetID = &id
		}
		if a.GeneratedAt, err = parseStoredTime(generatedAt); err != nil {
			return nil, err
		}
		if ackAt.Valid {
			ts, err := parseStoredTime(ackAt.String)
			if err != nil {
				return nil, err
			}
			a.AcknowledgedAt = &ts
		}
		if ackBy.Valid {
			by := ackBy.Int64
			a.AcknowledgedBy = &by
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent alerts: %w", err)
	}
	return alerts, nil
}

// activityThreshold is how long an asset may go unseen before the read API
// reports it as Missing.
const activityThreshold = 24 * time.Hour

// CurrentLocations returns the latest known room per asset with the location
// hierarchy names and an Active/Missing activity status relative to now.
func (s *Store) CurrentLocations(ctx context.Context, now time.Time) ([]model.AssetLocation, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT a.asset_id, a.asset_code, a.asset_name, a.asset_type,
			l.room_id, r.room_name, f.name, b.name, l.scan_time
		 FROM assets a
		 LEFT JOIN (
			SELECT e.asset_id, e.room_id, e.scan_time
			FROM asset_room_scan_events e
			JOIN (
				SELECT asset_id, MAX(scan_time) AS max_ts
				FROM asset_room_scan_events
				GROUP BY asset_id
			) m ON e.asset_id = m.asset_id AND e.scan_time = m.max_ts
		 ) l ON l.asset_id = a.asset_id
		 LEFT JOIN rooms r ON l.room_id = r.room_id
		 LEFT JOIN floors f ON r.floor_id = f.floor_id
		 LEFT JOIN buildings b ON f.building_id = b.building_id
		 ORDER BY a.asset_code;`,
	)
	if err != nil {
		return nil, fmt.Errorf("query current locations: %w", err)
	}
	defer rows.Close()

	// Stored times are zone-naive; strip now to the same convention before
	// comparing.
	now, _ = time.Parse(model.TimeLayout, formatTime(now))

	var locations []model.AssetLocation
	for rows.Next() {
		var loc model.AssetLocation
		var assetType, roomName, floorName, buildingName, scanTime sql.NullString
		var roomID sql.NullInt64
		if err := rows.Scan(
			&loc.AssetID, &loc.AssetCode, &loc.AssetName, &assetType,
			&roomID, &roomName, &floorName, &buildingName, &scanTime,
		); err != nil {
			return nil, fmt.Errorf("scan current location row: %w", err)
		}
		loc.AssetType = assetType.String
		loc.RoomName = roomName.String
		loc.FloorName = floorName.String
		loc.BuildingName = buildingName.String
		if roomID.Valid {
			id := roomID.Int64
			loc.RoomID = &id
		}
		loc.ActivityStatus = model.StatusMissing
		if scanTime.Valid {
			ts, err := parseStoredTime(scanTime.String)
			if err != nil {
				return nil, err
			}
			loc.LastSeenAt = &ts
			if now.Sub(ts) < activityThreshold {
				loc.ActivityStatus = model.StatusActive
			}
		}
		locations = append(locations, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate current locations: %w", err)
	}
	return locations, nil
}
