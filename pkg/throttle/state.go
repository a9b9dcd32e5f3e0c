package throttle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/johanzander/growatt-server-upstream/pkg/log"
)

// legacyLayouts are timezone-less layouts written by older versions. They
// were always UTC.
var legacyLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseTimestamp reads a stored attempt time and normalizes it to UTC.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05Z07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	// fractional seconds are accepted even though the layouts omit them
	for _, layout := range legacyLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// decodeState converts the persisted map into attempt times, dropping entries
// that cannot be parsed. A dropped entry means that category is allowed.
func decodeState(ctx context.Context, data map[string]any) map[string]time.Time {
	last := make(map[string]time.Time, len(data))
	for category, v := range data {
		s, ok := v.(string)
		if !ok {
			log.Ctx(ctx).WarnContext(
				ctx,
				"dropping non-string throttle timestamp, allowing calls",
				slog.String("category", category),
				slog.Any("value", v),
			)
			continue
		}
		t, err := parseTimestamp(s)
		if err != nil {
			log.Ctx(ctx).WarnContext(
				ctx,
				"could not parse throttle timestamp, allowing calls",
				slog.String("category", category),
				slog.String("value", s),
				slog.Any("error", err),
			)
			continue
		}
		last[category] = t
	}
	return last
}

func encodeState(last map[string]time.Time) map[string]string {
	data := make(map[string]string, len(last))
	for category, t := range last {
		data[category] = t.UTC().Format(time.RFC3339Nano)
	}
	return data
}
