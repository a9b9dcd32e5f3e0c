package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2025-01-02T03:04:05Z", want},
		{"2025-01-02T03:04:05+00:00", want},
		{"2025-01-02T04:04:05+01:00", want},
		{"2025-01-02 03:04:05+00:00", want},
		{"2025-01-02T03:04:05", want},
		{"2025-01-02 03:04:05", want},
		{"2025-01-02T03:04:05.250000", want.Add(250 * time.Millisecond)},
		{"2025-01-02T03:04:05.123456789Z", want.Add(123456789)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseTimestamp(tt.in)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}

	for _, bad := range []string{"", "yesterday", "2025-13-45T00:00:00", "1735787045"} {
		_, err := parseTimestamp(bad)
		assert.Error(t, err, bad)
	}
}

func TestEncodeDecodeState(t *testing.T) {
	ctx := context.Background()
	in := map[string]time.Time{
		"login": time.Date(2025, 1, 2, 3, 4, 5, 6, time.FixedZone("X", -5*3600)),
	}
	enc := encodeState(in)
	assert.Equal(t, "2025-01-02T08:04:05.000000006Z", enc["login"])

	raw := map[string]any{}
	for k, v := range enc {
		raw[k] = v
	}
	out := decodeState(ctx, raw)
	assert.True(t, in["login"].Equal(out["login"]))
}
