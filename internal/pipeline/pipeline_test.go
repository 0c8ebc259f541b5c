package pipeline

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/Dhanuja2006/Asset-Tracking-System/internal/model"
	"github.com/Dhanuja2006/Asset-Tracking-System/internal/store"
)

func newTestPipeline(t *testing.T) (*Pipeline, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 1)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	if err := st.InitSchema(ctx); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	seed := []struct {
		name string
		fn   func() error
	}{
		{"building", func() error { return st.UpsertBuilding(ctx, 1, "North") }},
		{"floor", func() error { return st.UpsertFloor(ctx, 1, 1, 3, "Floor 3") }},
		{"room 301", func() error { return st.UpsertRoom(ctx, 301, 1, "Room 301") }},
		{"room 302", func() error { return st.UpsertRoom(ctx, 302, 1, "Room 302") }},
		{"reader R-12A", func() error { return st.UpsertReader(ctx, 1, "R-12A", 301) }},
		{"reader R-12B", func() error { return st.UpsertReader(ctx, 2, "R-12B", 302) }},
		{"asset unfenced", func() error { return st.UpsertAsset(ctx, 1, "AST-0099", "Infusion Pump", "Medical") }},
		{"asset fenced", func() error { return st.UpsertAsset(ctx, 2, "AST-0100", "Ventilator", "Medical") }},
		{"tag unfenced", func() error { return st.UpsertTag(ctx, 1, "04A1B2C3", 1) }},
		{"tag fenced", func() error { return st.UpsertTag(ctx, 2, "04A1B2C4", 2) }},
		{"rule fenced to 302", func() error {
			room := int64(302)
			return st.InsertAllowedLocation(ctx, 2, &room, nil, nil)
		}},
	}
	for _, step := range seed {
		if err := step.fn(); err != nil {
			t.Fatalf("seed %s: %v", step.name, err)
		}
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, logger, time.UTC, 10*time.Second), st
}

func countRows(t *testing.T, st *store.Store, table string) int {
	t.Helper()
	var n int
	if err := st.DB().QueryRow(`SELECT COUNT(*) FROM ` + table + `;`).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func process(t *testing.T, p *Pipeline, msg Message) Outcome {
	t.Helper()
	outcome, err := p.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	return outcome
}

func TestScanEndToEnd(t *testing.T) {
	p, st := newTestPipeline(t)

	msg := Message{EventType: "scan", Reader: "R-12A", UID: "04A1B2C3", Timestamp: "2025-03-01T10:00:00Z"}
	if got := process(t, p, msg); got != OutcomeCommitted {
		t.Fatalf("outcome = %v, want committed", got)
	}

	if n := countRows(t, st, "asset_room_scan_events"); n != 1 {
		t.Errorf("scan events = %d, want 1", n)
	}
	if n := countRows(t, st, "asset_status"); n != 1 {
		t.Errorf("status rows = %d, want 1", n)
	}
	if n := countRows(t, st, "reader_health_logs"); n != 1 {
		t.Errorf("health logs = %d, want 1", n)
	}

	// No geofence rules for the asset: fails closed, one Geofencing Alert.
	alerts, err := st.RecentAlerts(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Type != model.AlertGeofencing {
		t.Errorf("alert type = %q, want Geofencing Alert", alerts[0].Type)
	}
	if alerts[0].AssetID == nil || *alerts[0].AssetID != 1 {
		t.Errorf("alert asset_id = %v, want 1", alerts[0].AssetID)
	}
	wantMsg := "Asset scanned in unauthorized location: Room 301, Floor 3, North"
	if alerts[0].Message != wantMsg {
		t.Errorf("alert message = %q, want %q", alerts[0].Message, wantMsg)
	}

	// Stored scan time is the payload timestamp in the reference zone.
	scans, err := st.RecentScans(context.Background(), 1)
	if err != nil {
		t.Fatalf("RecentScans: %v", err)
	}
	want := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	if !scans[0].ScanTime.Equal(want) {
		t.Errorf("scan time = %v, want %v", scans[0].ScanTime, want)
	}
}

func TestDuplicateSuppression(t *testing.T) {
	p, st := newTestPipeline(t)

	base := "2025-03-01T10:00:00Z"
	within := "2025-03-01T10:00:05Z"
	atWindow := "2025-03-01T10:00:10Z"

	if got := process(t, p, Message{EventType: "scan", Reader: "R-12A", UID: "04A1B2C3", Timestamp: base}); got != OutcomeCommitted {
		t.Fatalf("first scan outcome = %v", got)
	}
	if got := process(t, p, Message{EventType: "scan", Reader: "R-12A", UID: "04A1B2C3", Timestamp: within}); got != OutcomeDuplicate {
		t.Fatalf("scan inside window outcome = %v, want duplicate", got)
	}
	if n := countRows(t, st, "asset_room_scan_events"); n != 1 {
		t.Fatalf("scan events after duplicate = %d, want 1", n)
	}

	if got := process(t, p, Message{EventType: "scan", Reader: "R-12A", UID: "04A1B2C3", Timestamp: atWindow}); got != OutcomeCommitted {
		t.Fatalf("scan at window boundary outcome = %v, want committed", got)
	}
	if n := countRows(t, st, "asset_room_scan_events"); n != 2 {
		t.Errorf("scan events after boundary scan = %d, want 2", n)
	}
}

func TestDuplicateWindowIsPerRoom(t *testing.T) {
	p, st := newTestPipeline(t)

	ts := "2025-03-01T10:00:00Z"
	process(t, p, Message{EventType: "scan", Reader: "R-12A", UID: "04A1B2C3", Timestamp: ts})

	// Same asset, different room, same instant: not a duplicate.
	if got := process(t, p, Message{EventType: "scan", Reader: "R-12B", UID: "04A1B2C3", Timestamp: "2025-03-01T10:00:03Z"}); got != OutcomeCommitted {
		t.Fatalf("scan in other room outcome = %v, want committed", got)
	}
	if n := countRows(t, st, "asset_room_scan_events"); n != 2 {
		t.Errorf("scan events = %d, want 2", n)
	}
}

func TestUnknownTagCreatesAlertOnly(t *testing.T) {
	p, st := newTestPipeline(t)

	msg := Message{EventType: "scan", Reader: "R-12A", UID: "DEADBEEF", Timestamp: "2025-03-01T10:00:00Z"}
	if got := process(t, p, msg); got != OutcomeUnknownTag {
		t.Fatalf("outcome = %v, want unknown_tag", got)
	}

	if n := countRows(t, st, "asset_room_scan_events"); n != 0 {
		t.Errorf("scan events = %d, want 0", n)
	}
	if n := countRows(t, st, "asset_status"); n != 0 {
		t.Errorf("status rows = %d, want 0", n)
	}

	alerts, err := st.RecentAlerts(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Type != model.AlertUnknownAsset {
		t.Errorf("alert type = %q, want Unknown Asset", alerts[0].Type)
	}
	if alerts[0].AssetID != nil {
		t.Errorf("alert asset_id = %v, want nil", *alerts[0].AssetID)
	}
	wantMsg := "Unknown RFID tag (DEADBEEF) scanned at Room 301, Floor 3, North"
	if alerts[0].Message != wantMsg {
		t.Errorf("alert message = %q, want %q", alerts[0].Message, wantMsg)
	}
}

func TestGeofenceEnforcement(t *testing.T) {
	p, st := newTestPipeline(t)

	// Asset 2 is allowed in Room 302: scanning there raises nothing.
	if got := process(t, p, Message{EventType: "scan", Reader: "R-12B", UID: "04A1B2C4", Timestamp: "2025-03-01T10:00:00Z"}); got != OutcomeCommitted {
		t.Fatalf("allowed scan outcome = %v", got)
	}
	if n := countRows(t, st, "alerts"); n != 0 {
		t.Fatalf("alerts after allowed scan = %d, want 0", n)
	}

	// Scanning it in Room 301 violates the geofence.
	if got := process(t, p, Message{EventType: "scan", Reader: "R-12A", UID: "04A1B2C4", Timestamp: "2025-03-01T10:01:00Z"}); got != OutcomeCommitted {
		t.Fatalf("violating scan outcome = %v", got)
	}
	alerts, err := st.RecentAlerts(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Type != model.AlertGeofencing {
		t.Fatalf("expected exactly one geofence alert, got %+v", alerts)
	}
}

func TestMissingAssetAutoAcknowledge(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	assetID := int64(1)
	opened := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	tx, err := st.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	alert := model.Alert{AssetID: &assetID, Type: model.AlertMissingAsset, Message: "asset missing", GeneratedAt: opened}
	if err := tx.InsertAlert(ctx, alert); err != nil {
		t.Fatalf("insert alert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	eventTime := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	msg := Message{EventType: "scan", Reader: "R-12A", UID: "04A1B2C3", Timestamp: "2025-03-01T10:00:00Z"}
	if got := process(t, p, msg); got != OutcomeCommitted {
		t.Fatalf("outcome = %v", got)
	}

	alerts, err := st.RecentAlerts(ctx, 10)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	for _, a := range alerts {
		if a.Type != model.AlertMissingAsset {
			continue
		}
		if a.AcknowledgedAt == nil || !a.AcknowledgedAt.Equal(eventTime) {
			t.Errorf("acknowledged_at = %v, want %v", a.AcknowledgedAt, eventTime)
		}
		if a.AcknowledgedBy == nil || *a.AcknowledgedBy != model.SystemActorID {
			t.Errorf("acknowledged_by = %v, want system actor", a.AcknowledgedBy)
		}
	}
}

func TestBootIsolation(t *testing.T) {
	p, st := newTestPipeline(t)

	msg := Message{EventType: "boot", Reader: "R-12A", Timestamp: "2025-03-01T09:00:00Z"}
	if got := process(t, p, msg); got != OutcomeBootLogged {
		t.Fatalf("outcome = %v, want boot_logged", got)
	}

	if n := countRows(t, st, "reader_health_logs"); n != 1 {
		t.Errorf("health logs = %d, want 1", n)
	}
	var eventType string
	if err := st.DB().QueryRow(`SELECT event_type FROM reader_health_logs;`).Scan(&eventType); err != nil {
		t.Fatalf("query health log: %v", err)
	}
	if eventType != model.HealthBoot {
		t.Errorf("event_type = %q, want BOOT", eventType)
	}

	for _, table := range []string{"asset_room_scan_events", "asset_status", "alerts"} {
		if n := countRows(t, st, table); n != 0 {
			t.Errorf("%s rows = %d, want 0 after boot", table, n)
		}
	}
}

func TestUnknownReaderDiscards(t *testing.T) {
	p, st := newTestPipeline(t)

	msg := Message{EventType: "scan", Reader: "R-99Z", UID: "04A1B2C3", Timestamp: "2025-03-01T10:00:00Z"}
	if got := process(t, p, msg); got != OutcomeDiscarded {
		t.Fatalf("outcome = %v, want discarded", got)
	}

	for _, table := range []string{"asset_room_scan_events", "asset_status", "alerts", "reader_health_logs"} {
		if n := countRows(t, st, table); n != 0 {
			t.Errorf("%s rows = %d, want 0", table, n)
		}
	}
}

func TestUnrecognizedEventTypeDiscards(t *testing.T) {
	p, st := newTestPipeline(t)

	msg := Message{EventType: "heartbeat", Reader: "R-12A", UID: "04A1B2C3"}
	if got := process(t, p, msg); got != OutcomeDiscarded {
		t.Fatalf("outcome = %v, want discarded", got)
	}
	for _, table := range []string{"asset_room_scan_events", "asset_status", "alerts", "reader_health_logs"} {
		if n := countRows(t, st, table); n != 0 {
			t.Errorf("%s rows = %d, want 0", table, n)
		}
	}
}

func TestTimestampFallbackToServerTime(t *testing.T) {
	p, st := newTestPipeline(t)

	fixed := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	msg := Message{EventType: "scan", Reader: "R-12A", UID: "04A1B2C3", Timestamp: "not-a-time"}
	if got := process(t, p, msg); got != OutcomeCommitted {
		t.Fatalf("outcome = %v, want committed", got)
	}

	scans, err := st.RecentScans(context.Background(), 1)
	if err != nil {
		t.Fatalf("RecentScans: %v", err)
	}
	if !scans[0].ScanTime.Equal(fixed) {
		t.Errorf("scan time = %v, want fallback %v", scans[0].ScanTime, fixed)
	}
}

func TestRequiredWritesAreAtomic(t *testing.T) {
	p, st := newTestPipeline(t)

	// Force the status insert to fail after the scan event insert succeeded.
	_, err := st.DB().Exec(`CREATE TRIGGER force_status_failure
		BEFORE INSERT ON asset_status
		BEGIN SELECT RAISE(ABORT, 'forced failure'); END;`)
	if err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	msg := Message{EventType: "scan", Reader: "R-12A", UID: "04A1B2C3", Timestamp: "2025-03-01T10:00:00Z"}
	if _, err := p.Process(context.Background(), msg); err == nil {
		t.Fatal("expected processing error")
	}

	if n := countRows(t, st, "asset_room_scan_events"); n != 0 {
		t.Errorf("scan events = %d, want 0 after rollback", n)
	}
	if n := countRows(t, st, "asset_status"); n != 0 {
		t.Errorf("status rows = %d, want 0 after rollback", n)
	}
}

func TestReactivationAccounting(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	idleSince := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	tx, err := st.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.InsertAssetStatus(ctx, 1, model.StatusIdle, idleSince); err != nil {
		t.Fatalf("insert idle status: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	msg := Message{EventType: "scan", Reader: "R-12A", UID: "04A1B2C3", Timestamp: "2025-03-01T10:00:00Z"}
	if got := process(t, p, msg); got != OutcomeCommitted {
		t.Fatalf("outcome = %v", got)
	}

	var eventType string
	var minutes float64
	err = st.DB().QueryRow(`SELECT event_type, duration_minutes FROM asset_utilization_log;`).Scan(&eventType, &minutes)
	if err != nil {
		t.Fatalf("query utilization log: %v", err)
	}
	if eventType != model.UtilizationReactivated {
		t.Errorf("event_type = %q, want REACTIVATED", eventType)
	}
	if minutes < 29.9 || minutes > 30.1 {
		t.Errorf("duration_minutes = %v, want ~30", minutes)
	}
}

func TestNoReactivationWhenPreviouslyActive(t *testing.T) {
	p, st := newTestPipeline(t)

	process(t, p, Message{EventType: "scan", Reader: "R-12A", UID: "04A1B2C3", Timestamp: "2025-03-01T10:00:00Z"})
	process(t, p, Message{EventType: "scan", Reader: "R-12A", UID: "04A1B2C3", Timestamp: "2025-03-01T10:05:00Z"})

	if n := countRows(t, st, "asset_utilization_log"); n != 0 {
		t.Errorf("utilization rows = %d, want 0 for active-to-active", n)
	}
}

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"valid scan", `{"event_type":"scan","reader":"R-12A","uid":"04A1B2C3","timestamp":"2025-03-01T10:00:00Z"}`, false},
		{"valid boot without uid", `{"event_type":"boot","reader":"R-12A"}`, false},
		{"scan_time alias", `{"event_type":"scan","reader":"R-12A","uid":"04A1B2C3","scan_time":"2025-03-01 10:00:00"}`, false},
		{"invalid json", `{broken`, true},
		{"missing event_type", `{"reader":"R-12A","uid":"04A1B2C3"}`, true},
		{"missing reader", `{"event_type":"scan","uid":"04A1B2C3"}`, true},
		{"scan missing uid", `{"event_type":"scan","reader":"R-12A"}`, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseMessage([]byte(tc.payload))
			if tc.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestHandleMessageRecordsMalformedPayloads(t *testing.T) {
	p, st := newTestPipeline(t)

	p.HandleMessage(context.Background(), "asset_tracking/readers/R-12A/scan", []byte("{broken"))

	if n := countRows(t, st, "ingestion_errors"); n != 1 {
		t.Errorf("ingestion errors = %d, want 1", n)
	}
	if n := countRows(t, st, "asset_room_scan_events"); n != 0 {
		t.Errorf("scan events = %d, want 0", n)
	}
}

func TestTimestampNormalizationInReferenceZone(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+30*60)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := New(nil, logger, ist, 10*time.Second)

	serverNow := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return serverNow }

	// 10:00 UTC is 15:30 on the IST wall clock; persisted times carry the
	// wall-clock reading with the zone dropped.
	wall := time.Date(2025, 3, 1, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		name      string
		timestamp string
		scanTime  string
		want      time.Time
	}{
		{"aware utc converted", "2025-03-01T10:00:00Z", "", wall},
		{"aware offset converted", "2025-03-01T11:00:00+01:00", "", wall},
		{"naive t-format taken as reference zone", "2025-03-01T15:30:00", "", wall},
		{"naive space-format taken as reference zone", "2025-03-01 15:30:00", "", wall},
		{"scan_time alias", "", "2025-03-01T15:30:00", wall},
		{"absent uses server clock in reference zone", "", "", wall},
		{"garbage falls back to server clock", "yesterday-ish", "", wall},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg := Message{EventType: "scan", Reader: "R-12A", UID: "04A1B2C3",
				Timestamp: tc.timestamp, ScanTime: tc.scanTime}
			if got := p.eventTime(msg); !got.Equal(tc.want) {
				t.Errorf("eventTime = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestScanPersistsReferenceZoneWallClock(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+30*60)
	p, st := newTestPipeline(t)
	p.zone = ist

	msg := Message{EventType: "scan", Reader: "R-12A", UID: "04A1B2C3", Timestamp: "2025-03-01T10:00:00Z"}
	if got := process(t, p, msg); got != OutcomeCommitted {
		t.Fatalf("outcome = %v, want committed", got)
	}

	scans, err := st.RecentScans(context.Background(), 1)
	if err != nil {
		t.Fatalf("RecentScans: %v", err)
	}
	want := time.Date(2025, 3, 1, 15, 30, 0, 0, time.UTC)
	if !scans[0].ScanTime.Equal(want) {
		t.Errorf("scan time = %v, want wall clock %v", scans[0].ScanTime, want)
	}
}

func TestUnknownTagFallsBackWhenAlertInsertFails(t *testing.T) {
	p, st := newTestPipeline(t)

	_, err := st.DB().Exec(`CREATE TRIGGER force_alert_failure
		BEFORE INSERT ON alerts
		BEGIN SELECT RAISE(ABORT, 'forced failure'); END;`)
	if err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	msg := Message{EventType: "scan", Reader: "R-12A", UID: "DEADBEEF", Timestamp: "2025-03-01T10:00:00Z"}
	if got := process(t, p, msg); got != OutcomeUnknownTag {
		t.Fatalf("outcome = %v, want unknown_tag", got)
	}

	if n := countRows(t, st, "alerts"); n != 0 {
		t.Errorf("alerts = %d, want 0", n)
	}
	if n := countRows(t, st, "unknown_tag_scans"); n != 1 {
		t.Fatalf("unknown tag scans = %d, want 1", n)
	}

	var uid, message string
	if err := st.DB().QueryRow(`SELECT rfid_uid, alert_message FROM unknown_tag_scans;`).Scan(&uid, &message); err != nil {
		t.Fatalf("query unknown tag scan: %v", err)
	}
	if uid != "DEADBEEF" {
		t.Errorf("rfid_uid = %q, want DEADBEEF", uid)
	}
	wantMsg := "Unknown RFID tag (DEADBEEF) scanned at Room 301, Floor 3, North"
	if message != wantMsg {
		t.Errorf("alert_message = %q, want %q", message, wantMsg)
	}
}
