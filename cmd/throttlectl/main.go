// Command throttlectl prints the persisted login throttle state from the
// configured storage provider.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/johanzander/growatt-server-upstream/pkg/log"
	"github.com/johanzander/growatt-server-upstream/pkg/storage"
	"github.com/johanzander/growatt-server-upstream/pkg/throttle"
	"github.com/levenlabs/go-lflag"
)

type entry struct {
	throttle.Entry
	Allowed           bool    `json:"allowed"`
	RetryAfterSeconds float64 `json:"retryAfterSeconds"`
	RetryIn           string  `json:"retryIn,omitempty"`
}

func main() {
	s := storage.Configured()
	tm := throttle.Configured(s, nil)
	lflag.Configure()

	ctx := context.Background()
	defer s.Close()

	if err := tm.Load(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to load throttle state", slog.Any("error", err))
		os.Exit(1)
	}

	now := tm.Now()
	var out []entry
	for _, e := range tm.Entries(ctx) {
		d := e.DecisionAt(now)
		o := entry{Entry: e, Allowed: d.Allowed, RetryAfterSeconds: d.RetryAfter.Seconds()}
		if !d.Allowed {
			o.RetryIn = throttle.FormatWait(d.RetryAfter)
		}
		out = append(out, o)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to write output", slog.Any("error", err))
		os.Exit(1)
	}
}
