package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Dhanuja2006/Asset-Tracking-System/internal/model"
	"github.com/Dhanuja2006/Asset-Tracking-System/internal/store"
)

// Outcome is the terminal state reached for one inbound message.
type Outcome string

const (
	OutcomeCommitted  Outcome = "committed"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeBootLogged Outcome = "boot_logged"
	OutcomeUnknownTag Outcome = "unknown_tag"
	OutcomeDiscarded  Outcome = "discarded"
)

// Message is the typed inbound payload. The wire format accepts either
// "timestamp" or "scan_time" for the event time.
type Message struct {
	EventType string `json:"event_type"`
	Reader    string `json:"reader"`
	UID       string `json:"uid"`
	Timestamp string `json:"timestamp"`
	ScanTime  string `json:"scan_time"`
}

// ParseMessage decodes and validates a raw payload before it reaches the
// business logic.
func ParseMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("decode payload: %w", err)
	}
	if msg.EventType == "" {
		return Message{}, errors.New("missing event_type")
	}
	if msg.Reader == "" {
		return Message{}, errors.New("missing reader")
	}
	if msg.EventType == model.EventScan && msg.UID == "" {
		return Message{}, errors.New("missing uid for scan event")
	}
	return msg, nil
}

// Pipeline turns raw reader messages into scan history, presence state, and
// alerts. Each message is processed in a single transaction; messages are
// handled one at a time in delivery order by the subscriber that drives it.
type Pipeline struct {
	store  *store.Store
	logger *slog.Logger
	zone   *time.Location
	window time.Duration
	now    func() time.Time
}

// New constructs a pipeline. zone is the reference zone all persisted times
// are normalized to; window is the duplicate suppression interval.
func New(st *store.Store, logger *slog.Logger, zone *time.Location, window time.Duration) *Pipeline {
	return &Pipeline{
		store:  st,
		logger: logger,
		zone:   zone,
		window: window,
		now:    time.Now,
	}
}

// HandleMessage is the subscriber entry point: parse, process, log. It never
// returns an error; a single message failure must not take down the loop.
func (p *Pipeline) HandleMessage(ctx context.Context, topic string, payload []byte) {
	msg, err := ParseMessage(payload)
	if err != nil {
		p.logger.Warn("malformed payload discarded", "topic", topic, "error", err)
		if rerr := p.store.InsertIngestionError(ctx, topic, payload, err); rerr != nil {
			p.logger.Error("failed to persist ingestion error", "error", rerr)
		}
		return
	}

	outcome, err := p.Process(ctx, msg)
	if err != nil {
		p.logger.Error("message processing failed, rolled back",
			"topic", topic, "reader", msg.Reader, "uid", msg.UID, "error", err)
		return
	}

	switch outcome {
	case OutcomeCommitted:
		p.logger.Info("scan processed", "reader", msg.Reader, "uid", msg.UID)
	case OutcomeDuplicate:
		p.logger.Debug("duplicate scan ignored", "reader", msg.Reader, "uid", msg.UID)
	case OutcomeBootLogged:
		p.logger.Info("reader boot logged", "reader", msg.Reader)
	case OutcomeUnknownTag:
		p.logger.Info("unknown tag alerted", "reader", msg.Reader, "uid", msg.UID)
	}
}

// Process runs the decision procedure for one parsed message inside one
// transaction. Required writes that fail roll the whole unit back; health and
// utilization writes are best effort and only logged on failure.
func (p *Pipeline) Process(ctx context.Context, msg Message) (Outcome, error) {
	eventTime := p.eventTime(msg)

	tx, err := p.store.Begin(ctx)
	if err != nil {
		return OutcomeDiscarded, err
	}
	defer tx.Rollback()

	reader, err := tx.ReaderByCode(ctx, msg.Reader)
	if errors.Is(err, store.ErrNotFound) {
		codes, lerr := tx.ListReaderCodes(ctx, 50)
		if lerr != nil {
			p.logger.Warn("failed to list reader codes", "error", lerr)
		}
		p.logger.Warn("unknown reader, message discarded",
			"reader", msg.Reader, "known_readers", codes)
		return OutcomeDiscarded, nil
	}
	if err != nil {
		return OutcomeDiscarded, fmt.Errorf("resolve reader %q: %w", msg.Reader, err)
	}

	switch msg.EventType {
	case model.EventBoot:
		if err := tx.InsertHealthLog(ctx, reader.ReaderID, model.HealthBoot, eventTime); err != nil {
			return OutcomeDiscarded, fmt.Errorf("log boot for reader %q: %w", msg.Reader, err)
		}
		if err := tx.Commit(); err != nil {
			return OutcomeDiscarded, err
		}
		return OutcomeBootLogged, nil
	case model.EventScan:
		// handled below
	default:
		return OutcomeDiscarded, nil
	}

	tag, err := tx.TagByUID(ctx, msg.UID)
	if errors.Is(err, store.ErrNotFound) {
		return p.handleUnknownTag(ctx, tx, msg, reader, eventTime)
	}
	if err != nil {
		return OutcomeDiscarded, fmt.Errorf("resolve tag %q: %w", msg.UID, err)
	}

	dup, err := tx.HasScanSince(ctx, tag.AssetID, reader.RoomID, eventTime.Add(-p.window))
	if err != nil {
		return OutcomeDiscarded, fmt.Errorf("duplicate check: %w", err)
	}
	if dup {
		return OutcomeDuplicate, nil
	}

	ev := model.ScanEvent{
		AssetID:  tag.AssetID,
		TagID:    tag.TagID,
		ReaderID: reader.ReaderID,
		RoomID:   reader.RoomID,
		ScanTime: eventTime,
	}
	if err := tx.InsertScanEvent(ctx, ev); err != nil {
		return OutcomeDiscarded, err
	}
	if err := tx.InsertAssetStatus(ctx, tag.AssetID, model.StatusActive, eventTime); err != nil {
		return OutcomeDiscarded, err
	}

	acked, err := tx.AcknowledgeMissingAlerts(ctx, tag.AssetID, eventTime)
	if err != nil {
		return OutcomeDiscarded, err
	}
	if acked > 0 {
		p.logger.Info("auto-acknowledged missing-asset alerts",
			"asset_id", tag.AssetID, "count", acked)
	}

	allowed, err := tx.IsAllowedLocation(ctx, tag.AssetID, reader.RoomID)
	if err != nil {
		return OutcomeDiscarded, fmt.Errorf("geofence check: %w", err)
	}
	if !allowed {
		text := "Asset scanned in unauthorized location"
		if loc, ok := p.roomLocation(ctx, tx, reader.RoomID); ok {
			text = fmt.Sprintf("Asset scanned in unauthorized location: %s, %s, %s",
				loc.Room, loc.Floor, loc.Building)
		}
		assetID := tag.AssetID
		alert := model.Alert{AssetID: &assetID, Type: model.AlertGeofencing, Message: text, GeneratedAt: eventTime}
		if err := tx.InsertAlert(ctx, alert); err != nil {
			return OutcomeDiscarded, err
		}
		p.logger.Warn("geofence violation alert created",
			"asset_id", tag.AssetID, "room_id", reader.RoomID)
	}

	p.recordReactivation(ctx, tx, tag.AssetID, eventTime)

	if err := tx.InsertHealthLog(ctx, reader.ReaderID, model.HealthScan, eventTime); err != nil {
		p.logger.Warn("health log write failed", "reader_id", reader.ReaderID, "error", err)
	}

	if err := tx.Commit(); err != nil {
		return OutcomeDiscarded, err
	}
	return OutcomeCommitted, nil
}

// handleUnknownTag raises an Unknown Asset alert with no asset reference.
// If the alert insert is rejected it falls back to the unresolved-scan
// table; only when both fail is the event dropped, with an error for the
// caller to log.
func (p *Pipeline) handleUnknownTag(ctx context.Context, tx *store.Tx, msg Message, reader model.ReaderRef, eventTime time.Time) (Outcome, error) {
	text := fmt.Sprintf("Unknown RFID tag scanned: %s", msg.UID)
	if loc, ok := p.roomLocation(ctx, tx, reader.RoomID); ok {
		text = fmt.Sprintf("Unknown RFID tag (%s) scanned at %s, %s, %s",
			msg.UID, loc.Room, loc.Floor, loc.Building)
	}

	alert := model.Alert{Type: model.AlertUnknownAsset, Message: text, GeneratedAt: eventTime}
	if err := tx.InsertAlert(ctx, alert); err != nil {
		p.logger.Warn("unknown-asset alert insert failed, falling back to unknown_tag_scans",
			"uid", msg.UID, "error", err)
		if err := tx.InsertUnknownTagScan(ctx, msg.UID, reader.ReaderID, reader.RoomID, eventTime, text); err != nil {
			return OutcomeDiscarded, fmt.Errorf("record unknown tag %q: %w", msg.UID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return OutcomeDiscarded, err
	}
	return OutcomeUnknownTag, nil
}

// recordReactivation writes a utilization row when the asset's previous
// status was Idle or Missing. Best effort: failures are logged and swallowed.
func (p *Pipeline) recordReactivation(ctx context.Context, tx *store.Tx, assetID int64, eventTime time.Time) {
	prev, err := tx.LatestStatusBefore(ctx, assetID, eventTime)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		p.logger.Warn("utilization lookup failed", "asset_id", assetID, "error", err)
		return
	}
	if prev.Status != model.StatusIdle && prev.Status != model.StatusMissing {
		return
	}

	idleMinutes := eventTime.Sub(prev.RecordedAt).Minutes()
	if err := tx.InsertUtilizationLog(ctx, assetID, model.UtilizationReactivated, idleMinutes, eventTime); err != nil {
		p.logger.Warn("utilization log write failed", "asset_id", assetID, "error", err)
	}
}

func (p *Pipeline) roomLocation(ctx context.Context, tx *store.Tx, roomID int64) (model.Location, bool) {
	loc, err := tx.LocationByRoom(ctx, roomID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("location lookup failed", "room_id", roomID, "error", err)
		}
		return model.Location{}, false
	}
	return loc, true
}
