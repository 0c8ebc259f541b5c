package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Dhanuja2006/Asset-Tracking-System/internal/model"
)

// Reference resolution. All lookups are live reads against the catalog so
// that edits made through the management API take effect on the next message.

// ReaderByCode resolves a reader code to the reader and its room.
func (t *Tx) ReaderByCode(ctx context.Context, code string) (model.ReaderRef, error) {
	var ref model.ReaderRef
	err := t.tx.QueryRowContext(
		ctx,
		`SELECT rr.reader_id, r.room_id
		 FROM room_rfid_readers rr
		 JOIN rooms r ON rr.room_id = r.room_id
		 WHERE rr.reader_code = ?;`,
		code,
	).Scan(&ref.ReaderID, &ref.RoomID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ReaderRef{}, ErrNotFound
	}
	if err != nil {
		return model.ReaderRef{}, fmt.Errorf("query reader by code: %w", err)
	}
	return ref, nil
}

// ListReaderCodes returns up to limit known reader codes, for diagnostics
// when a message arrives from a reader the catalog does not know.
func (t *Tx) ListReaderCodes(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := t.tx.QueryContext(
		ctx,
		`SELECT reader_code FROM room_rfid_readers ORDER BY reader_code LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query reader codes: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("scan reader code: %w", err)
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reader codes: %w", err)
	}
	return codes, nil
}

// TagByUID resolves an RFID uid to the tag and its asset.
func (t *Tx) TagByUID(ctx context.Context, uid string) (model.TagRef, error) {
	var ref model.TagRef
	var assetID sql.NullInt64
	err := t.tx.QueryRowContext(
		ctx,
		`SELECT tag_id, asset_id FROM asset_tags WHERE rfid_uid = ?;`,
		uid,
	).Scan(&ref.TagID, &assetID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TagRef{}, ErrNotFound
	}
	if err != nil {
		return model.TagRef{}, fmt.Errorf("query tag by uid: %w", err)
	}
	// A tag row with no asset mapping is as unknown as no row at all.
	if !assetID.Valid {
		return model.TagRef{}, ErrNotFound
	}
	ref.AssetID = assetID.Int64
	return ref, nil
}

// LocationByRoom returns the human-readable room/floor/building names, used
// only to build alert text.
func (t *Tx) LocationByRoom(ctx context.Context, roomID int64) (model.Location, error) {
	var loc model.Location
	err := t.tx.QueryRowContext(
		ctx,
		`SELECT r.room_name, f.name, b.name
		 FROM rooms r
		 JOIN floors f ON r.floor_id = f.floor_id
		 JOIN buildings b ON f.building_id = b.building_id
		 WHERE r.room_id = ?;`,
		roomID,
	).Scan(&loc.Room, &loc.Floor, &loc.Building)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Location{}, ErrNotFound
	}
	if err != nil {
		return model.Location{}, fmt.Errorf("query room location: %w", err)
	}
	return loc, nil
}

// IsAllowedLocation reports whether any geofence rule for the asset matches
// the room, its floor, or its building. No rules means not allowed.
func (t *Tx) IsAllowedLocation(ctx context.Context, assetID, roomID int64) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(
		ctx,
		`SELECT 1
		 FROM asset_allowed_locations aal
		 JOIN rooms r ON r.room_id = ?
		 JOIN floors f ON r.floor_id = f.floor_id
		 JOIN buildings b ON f.building_id = b.building_id
		 WHERE aal.asset_id = ?
		   AND (
			aal.room_id = r.room_id OR
			aal.floor_id = f.floor_id OR
			aal.building_id = b.building_id
		   )
		 LIMIT 1;`,
		roomID,
		assetID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query allowed locations: %w", err)
	}
	return true, nil
}

// Catalog seeding. The management REST layer owns catalog maintenance in
// production; these upserts back the seed tool and the tests.

// UpsertBuilding creates or renames a building.
func (s *Store) UpsertBuilding(ctx context.Context, id int64, name string) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO buildings (building_id, name) VALUES (?, ?)
		 ON CONFLICT(building_id) DO UPDATE SET name = excluded.name;`,
		id, name,
	)
	if err != nil {
		return fmt.Errorf("upsert building: %w", err)
	}
	return nil
}

// UpsertFloor creates or updates a floor.
func (s *Store) UpsertFloor(ctx context.Context, id, buildingID int64, level int, name string) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO floors (floor_id, building_id, floor_level, name) VALUES (?, ?, ?, ?)
		 ON CONFLICT(floor_id) DO UPDATE SET
			building_id = excluded.building_id,
			floor_level = excluded.floor_level,
			name = excluded.name;`,
		id, buildingID, level, name,
	)
	if err != nil {
		return fmt.Errorf("upsert floor: %w", err)
	}
	return nil
}

// UpsertRoom creates or updates a room.
func (s *Store) UpsertRoom(ctx context.Context, id, floorID int64, name string) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO rooms (room_id, floor_id, room_name) VALUES (?, ?, ?)
		 ON CONFLICT(room_id) DO UPDATE SET
			floor_id = excluded.floor_id,
			room_name = excluded.room_name;`,
		id, floorID, name,
	)
	if err != nil {
		return fmt.Errorf("upsert room: %w", err)
	}
	return nil
}

// UpsertReader creates or updates a reader installation.
func (s *Store) UpsertReader(ctx context.Context, id int64, code string, roomID int64) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO room_rfid_readers (reader_id, reader_code, room_id) VALUES (?, ?, ?)
		 ON CONFLICT(reader_id) DO UPDATE SET
			reader_code = excluded.reader_code,
			room_id = excluded.room_id;`,
		id, code, roomID,
	)
	if err != nil {
		return fmt.Errorf("upsert reader: %w", err)
	}
	return nil
}

// UpsertAsset creates or updates an asset.
func (s *Store) UpsertAsset(ctx context.Context, id int64, code, name, assetType string) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO assets (asset_id, asset_code, asset_name, asset_type) VALUES (?, ?, ?, ?)
		 ON CONFLICT(asset_id) DO UPDATE SET
			asset_code = excluded.asset_code,
			asset_name = excluded.asset_name,
			asset_type = excluded.asset_type;`,
		id, code, name, assetType,
	)
	if err != nil {
		return fmt.Errorf("upsert asset: %w", err)
	}
	return nil
}

// UpsertTag creates or updates a tag-to-asset mapping.
func (s *Store) UpsertTag(ctx context.Context, id int64, uid string, assetID int64) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO asset_tags (tag_id, rfid_uid, asset_id) VALUES (?, ?, ?)
		 ON CONFLICT(tag_id) DO UPDATE SET
			rfid_uid = excluded.rfid_uid,
			asset_id = excluded.asset_id;`,
		id, uid, assetID,
	)
	if err != nil {
		return fmt.Errorf("upsert tag: %w", err)
	}
	return nil
}

// InsertAllowedLocation adds a geofence rule. Exactly one of roomID, floorID,
// buildingID is normally set; nil scopes are stored as NULL and never match.
func (s *Store) InsertAllowedLocation(ctx context.Context, assetID int64, roomID, floorID, buildingID *int64) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO asset_allowed_locations (asset_id, room_id, floor_id, building_id)
		 VALUES (?, ?, ?, ?);`,
		assetID, nullableID(roomID), nullableID(floorID), nullableID(buildingID),
	)
	if err != nil {
		return fmt.Errorf("insert allowed location: %w", err)
	}
	return nil
}

func nullableID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}
