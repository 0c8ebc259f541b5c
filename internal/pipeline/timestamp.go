package pipeline

import "time"

// Accepted wire timestamp layouts. Zone-aware forms are converted to the
// reference zone; zone-naive forms are treated as already being in it.
var (
	awareLayouts = []string{time.RFC3339Nano, time.RFC3339}
	naiveLayouts = []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	}
)

// eventTime resolves the event time for a message per the wire contract:
// use the payload timestamp if present and parsable, otherwise the current
// wall-clock time in the reference zone. Unparsable values log a warning and
// fall back rather than dropping the message.
func (p *Pipeline) eventTime(msg Message) time.Time {
	raw := msg.Timestamp
	if raw == "" {
		raw = msg.ScanTime
	}
	if raw == "" {
		return naive(p.now(), p.zone)
	}

	if ts, ok := parseTimestamp(raw, p.zone); ok {
		return ts
	}

	p.logger.Warn("unparsable timestamp in payload, using server time", "timestamp", raw)
	return naive(p.now(), p.zone)
}

func parseTimestamp(raw string, zone *time.Location) (time.Time, bool) {
	for _, layout := range awareLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return naive(ts, zone), true
		}
	}
	for _, layout := range naiveLayouts {
		if ts, err := time.ParseInLocation(layout, raw, zone); err == nil {
			return naive(ts, zone), true
		}
	}
	return time.Time{}, false
}

// naive converts t to its wall-clock reading in zone and drops the zone.
// Every time the pipeline persists or compares is in this form, matching the
// zone-naive TEXT values in the store.
func naive(t time.Time, zone *time.Location) time.Time {
	t = t.In(zone)
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}
