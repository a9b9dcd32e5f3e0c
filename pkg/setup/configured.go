package setup

import (
	"time"

	"github.com/johanzander/growatt-server-upstream/pkg/coordinator"
	"github.com/johanzander/growatt-server-upstream/pkg/growatt"
	"github.com/johanzander/growatt-server-upstream/pkg/metrics"
	"github.com/johanzander/growatt-server-upstream/pkg/session"
	"github.com/johanzander/growatt-server-upstream/pkg/throttle"
	"github.com/levenlabs/go-lflag"
)

// Configured returns a Service configured from flags. It is ready once
// lflag.Configure has run.
func Configured(tm *throttle.Manager, registry *coordinator.Registry, notifier Notifier, mt *metrics.Metrics) *Service {
	entriesFile := lflag.String("entries-file", "entries.yaml", "YAML file holding the configured Growatt entries")
	deferSetup := lflag.Bool("defer-setup", true, "Retry a rate limited setup automatically once the login cooldown has passed")
	updateInterval := lflag.Duration("update-interval", coordinator.DefaultUpdateInterval, "How often each device is polled")
	sessionMaxAge := lflag.Duration("session-max-age", 10*time.Minute, "How long a session logged in during migration may be reused by setup")

	s := &Service{}

	lflag.Do(func() {
		s.init(tm, registry,
			WithNotifier(notifier),
			WithMetrics(mt),
			WithEntryStore(NewEntryStore(*entriesFile)),
			WithDeferSetup(*deferSetup),
			WithUpdateInterval(*updateInterval),
			WithSessionCache(session.New[*growatt.Classic](session.WithMaxAge(*sessionMaxAge))),
		)
	})

	return s
}
