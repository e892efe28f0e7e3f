// Package aggregator fuses point cloud streams from multiple sensors into a
// single, continuously refreshed cloud in a common robot frame, aging out
// stale points as it goes.
//
// Each sensor gets a StreamManager that stamps, transforms, registers and
// ages its clouds; the Aggregator composes the per-stream accumulated clouds
// into one global view on demand.
package aggregator

import (
	"sync"

	"github.com/edaniels/golog"
	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"go.viam.com/pcagg/pointcloud"
)

// Aggregator owns one stream manager per source identifier and composes
// their accumulated clouds into one global cloud.
type Aggregator struct {
	cfg    Config
	logger golog.Logger

	// labels is shared across streams so a label identifies its ingestion
	// event globally, even in the merged cloud.
	labels atomic.Uint32

	mu      sync.RWMutex
	streams map[string]*StreamManager
	closed  bool
}

// NewAggregator returns an aggregator applying cfg to every stream it
// creates.
func NewAggregator(cfg Config, logger golog.Logger) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{
		cfg:     cfg,
		logger:  logger,
		streams: map[string]*StreamManager{},
	}, nil
}

// AddCloud feeds raw to the stream of the given source, creating the stream
// on first sight of the identifier. The new stream's aging callback is bound
// to this aggregator before any cloud is fed.
func (a *Aggregator) AddCloud(sourceID string, raw pointcloud.PointCloud) error {
	sm, err := a.streamFor(sourceID)
	if err != nil {
		return err
	}
	return sm.AddCloud(raw)
}

// SetSensorTransform forwards the sensor-to-robot transform to the named
// stream. Unknown identifiers fail; no stream is created as a side effect.
func (a *Aggregator) SetSensorTransform(sourceID string, tf mgl64.Mat4) error {
	a.mu.RLock()
	sm, ok := a.streams[sourceID]
	a.mu.RUnlock()
	if !ok {
		return NewUnknownSourceError(sourceID)
	}
	sm.SetSensorTransform(tf)
	return nil
}

// StreamManager returns the stream registered for the given source, if any.
func (a *Aggregator) StreamManager(sourceID string) (*StreamManager, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	sm, ok := a.streams[sourceID]
	return sm, ok
}

// MergedCloud returns the union of every registered stream's current cloud.
// It is recomputed from stream state on every call rather than cached, so it
// can never diverge from the streams; points evicted by aging are simply
// absent from the next call's result.
func (a *Aggregator) MergedCloud() pointcloud.PointCloud {
	a.mu.RLock()
	streams := make([]*StreamManager, 0, len(a.streams))
	for _, sm := range a.streams {
		streams = append(streams, sm)
	}
	a.mu.RUnlock()

	merged := pointcloud.New()
	for _, sm := range streams {
		sm.copyCloudInto(merged)
	}
	return merged
}

// Close closes every stream, waiting for their workers to stop.
func (a *Aggregator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var err error
	for _, sm := range a.streams {
		err = multierr.Combine(err, sm.Close())
	}
	a.streams = map[string]*StreamManager{}
	a.closed = true
	return err
}

func (a *Aggregator) streamFor(sourceID string) (*StreamManager, error) {
	a.mu.RLock()
	sm, ok := a.streams[sourceID]
	a.mu.RUnlock()
	if ok {
		return sm, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrStreamClosed
	}
	if sm, ok := a.streams[sourceID]; ok {
		return sm, nil
	}
	sm, err := newStreamManager(sourceID, a.cfg, &a.labels, a.logger)
	if err != nil {
		return nil, err
	}
	sm.SetPointAgingCallback(a.onPointAged)
	a.streams[sourceID] = sm
	return sm, nil
}

// onPointAged is bound as every stream's aging callback. The merged cloud is
// recomputed on demand, so there is no cached view to scrub; the hook only
// records that the label is gone.
func (a *Aggregator) onPointAged(label uint32) {
	a.logger.Debugw("points aged out of a stream", "label", label)
}
