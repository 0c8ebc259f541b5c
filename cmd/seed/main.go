package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/Dhanuja2006/Asset-Tracking-System/internal/config"
	"github.com/Dhanuja2006/Asset-Tracking-System/internal/store"
)

// catalogFile mirrors the reference tables. IDs are explicit so files can be
// re-applied idempotently and cross-reference each other.
type catalogFile struct {
	Buildings []struct {
		ID   int64  `json:"building_id"`
		Name string `json:"name"`
	} `json:"buildings"`
	Floors []struct {
		ID         int64  `json:"floor_id"`
		BuildingID int64  `json:"building_id"`
		Level      int    `json:"floor_level"`
		Name       string `json:"name"`
	} `json:"floors"`
	Rooms []struct {
		ID      int64  `json:"room_id"`
		FloorID int64  `json:"floor_id"`
		Name    string `json:"room_name"`
	} `json:"rooms"`
	Readers []struct {
		ID     int64  `json:"reader_id"`
		Code   string `json:"reader_code"`
		RoomID int64  `json:"room_id"`
	} `json:"readers"`
	Assets []struct {
		ID   int64  `json:"asset_id"`
		Code string `json:"asset_code"`
		Name string `json:"asset_name"`
		Type string `json:"asset_type"`
	} `json:"assets"`
	Tags []struct {
		ID      int64  `json:"tag_id"`
		UID     string `json:"rfid_uid"`
		AssetID int64  `json:"asset_id"`
	} `json:"tags"`
	AllowedLocations []struct {
		AssetID    int64  `json:"asset_id"`
		RoomID     *int64 `json:"room_id"`
		FloorID    *int64 `json:"floor_id"`
		BuildingID *int64 `json:"building_id"`
	} `json:"allowed_locations"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	dbPath := flag.String("db", cfg.DatabasePath, "SQLite database path")
	file := flag.String("file", "catalog.json", "Catalog JSON file to load")
	flag.Parse()

	data, err := os.ReadFile(*file)
	if err != nil {
		log.Fatalf("failed to read catalog file: %v", err)
	}

	var catalog catalogFile
	if err := json.Unmarshal(data, &catalog); err != nil {
		log.Fatalf("failed to parse catalog file: %v", err)
	}

	st, err := store.Open(*dbPath, 1)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.InitSchema(ctx); err != nil {
		log.Fatalf("failed to init schema: %v", err)
	}

	for _, b := range catalog.Buildings {
		if err := st.UpsertBuilding(ctx, b.ID, b.Name); err != nil {
			log.Fatalf("building %d: %v", b.ID, err)
		}
	}
	for _, f := range catalog.Floors {
		if err := st.UpsertFloor(ctx, f.ID, f.BuildingID, f.Level, f.Name); err != nil {
			log.Fatalf("floor %d: %v", f.ID, err)
		}
	}
	for _, r := range catalog.Rooms {
		if err := st.UpsertRoom(ctx, r.ID, r.FloorID, r.Name); err != nil {
			log.Fatalf("room %d: %v", r.ID, err)
		}
	}
	for _, r := range catalog.Readers {
		if err := st.UpsertReader(ctx, r.ID, r.Code, r.RoomID); err != nil {
			log.Fatalf("reader %q: %v", r.Code, err)
		}
	}
	for _, a := range catalog.Assets {
		if err := st.UpsertAsset(ctx, a.ID, a.Code, a.Name, a.Type); err != nil {
			log.Fatalf("asset %q: %v", a.Code, err)
		}
	}
	for _, tag := range catalog.Tags {
		if err := st.UpsertTag(ctx, tag.ID, tag.UID, tag.AssetID); err != nil {
			log.Fatalf("tag %q: %v", tag.UID, err)
		}
	}
	for _, al := range catalog.AllowedLocations {
		if err := st.InsertAllowedLocation(ctx, al.AssetID, al.RoomID, al.FloorID, al.BuildingID); err != nil {
			log.Fatalf("allowed location for asset %d: %v", al.AssetID, err)
		}
	}

	log.Printf("catalog loaded: %d buildings, %d floors, %d rooms, %d readers, %d assets, %d tags, %d geofence rules",
		len(catalog.Buildings), len(catalog.Floors), len(catalog.Rooms),
		len(catalog.Readers), len(catalog.Assets), len(catalog.Tags), len(catalog.AllowedLocations))
}
