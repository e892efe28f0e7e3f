package aggregator

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"go.viam.com/pcagg/registration"
)

const defaultMergeQueueSize = 16

// Config configures a stream manager or an aggregator. MaxAge is required;
// everything else has a sensible zero value.
type Config struct {
	// MaxAge is how long ingested points live before they are evicted from
	// the accumulated cloud. Eviction is a soft deadline, not a real-time
	// guarantee.
	MaxAge time.Duration

	// Registration holds the ICP parameters used when merging a new cloud
	// into the accumulated one. The zero value selects the registration
	// package defaults.
	Registration registration.Config

	// MergeQueueSize is the per-stream ingestion queue depth. Ingestion only
	// blocks once this many merges are outstanding.
	MergeQueueSize int

	// Clock supplies time for stamping and aging. Defaults to the wall
	// clock; tests inject a mock.
	Clock clock.Clock
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate() error {
	if cfg.MaxAge <= 0 {
		return errors.New("expected positive max age")
	}
	if cfg.MergeQueueSize < 0 {
		return errors.New("expected non-negative merge queue size")
	}
	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.MergeQueueSize == 0 {
		cfg.MergeQueueSize = defaultMergeQueueSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return cfg
}
