package throttle

import (
	"fmt"
	"time"

	"github.com/johanzander/growatt-server-upstream/pkg/metrics"
	"github.com/johanzander/growatt-server-upstream/pkg/storage"
	"github.com/levenlabs/go-lflag"
)

// Configured returns a Manager whose cooldowns come from flags. It is ready
// once lflag.Configure has run.
func Configured(db storage.Database, mt *metrics.Metrics) *Manager {
	cooldown := lflag.Duration("throttle-cooldown", DefaultCooldown, "Default cooldown between upstream attempts of one category")
	cooldowns := map[string]string{}
	lflag.JSON(&cooldowns, "throttle-cooldowns", cooldowns, `JSON object of per-category cooldowns, e.g. {"login":"10m"}`)

	m := &Manager{}

	lflag.Do(func() {
		opts := []Option{
			WithDefaultCooldown(*cooldown),
			WithMetrics(mt),
		}
		per, err := parseCooldowns(cooldowns)
		if err != nil {
			panic(fmt.Sprintf("invalid throttle-cooldowns: %v", err))
		}
		for category, d := range per {
			opts = append(opts, WithCooldown(category, d))
		}
		m.init(db, opts...)
	})

	return m
}

func parseCooldowns(raw map[string]string) (map[string]time.Duration, error) {
	per := make(map[string]time.Duration, len(raw))
	for category, v := range raw {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", category, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("%s: cooldown cannot be negative", category)
		}
		per[category] = d
	}
	return per, nil
}
