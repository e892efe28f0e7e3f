package aggregator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"

	"go.viam.com/pcagg/pointcloud"
	"go.viam.com/pcagg/registration"
)

// AgingCallback is invoked with the label of a cloud whose points were just
// evicted from a stream's accumulated cloud, so composing layers can mirror
// the removal.
type AgingCallback func(label uint32)

type mergeRequest struct {
	cloud *StampedCloud
	tf    mgl64.Mat4
}

// StreamManager manages a stream of point clouds coming from a single
// sensor: it stamps and labels ingested clouds, applies the sensor-to-robot
// transform, registers each cloud against the accumulated one with ICP, and
// ages points out after MaxAge.
//
// All mutation of the accumulated cloud and the tracked set happens on two
// goroutines owned by the manager: a single merge worker consuming the
// ingestion queue, and a single deadline watcher doing eviction. At most one
// merge is in flight at a time; interleaved ICP-then-union on shared state is
// not commutative, so merges are serialized by construction.
type StreamManager struct {
	sourceID string
	maxAge   time.Duration
	icpCfg   registration.Config
	clk      clock.Clock
	logger   golog.Logger

	labels *atomic.Uint32

	// stateMu guards pending and tracked.
	stateMu sync.Mutex
	// pending holds stamped clouds waiting for the sensor transform, in
	// arrival order.
	pending []*StampedCloud
	// tracked holds the clouds contributing to accumulated, ascending by
	// (timestamp, label). maxAge is constant per stream, so this is also
	// eviction deadline order.
	tracked []*StampedCloud

	// cloudMu guards accumulated. Readers of Cloud take only this lock.
	cloudMu     sync.RWMutex
	accumulated *StampedCloud

	tfMu        sync.RWMutex
	sensorTF    mgl64.Mat4
	sensorTFSet bool

	callbackMu sync.RWMutex
	agingCB    AgingCallback

	merges chan mergeRequest
	wake   chan struct{}

	cancelCtx               context.Context
	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup
}

// NewStreamManager returns a started stream manager for one sensor. Callers
// must Close it to stop the merge worker and the age watcher.
func NewStreamManager(sourceID string, cfg Config, logger golog.Logger) (*StreamManager, error) {
	return newStreamManager(sourceID, cfg, atomic.NewUint32(0), logger)
}

func newStreamManager(sourceID string, cfg Config, labels *atomic.Uint32, logger golog.Logger) (*StreamManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	sm := &StreamManager{
		sourceID:   sourceID,
		maxAge:     cfg.MaxAge,
		icpCfg:     cfg.Registration,
		clk:        cfg.Clock,
		logger:     logger,
		labels:     labels,
		merges:     make(chan mergeRequest, cfg.MergeQueueSize),
		wake:       make(chan struct{}, 1),
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}

	sm.activeBackgroundWorkers.Add(2)
	goutils.ManagedGo(sm.mergeWorker, sm.activeBackgroundWorkers.Done)
	goutils.ManagedGo(sm.ageWatcher, sm.activeBackgroundWorkers.Done)
	return sm, nil
}

// SourceID returns the identifier of the sensor this stream belongs to.
func (sm *StreamManager) SourceID() string {
	return sm.sourceID
}

// MaxAge returns how long points live after being fed.
func (sm *StreamManager) MaxAge() time.Duration {
	return sm.maxAge
}

// Equal reports stream identity: two stream managers are the same stream iff
// their source identifiers match, regardless of content.
func (sm *StreamManager) Equal(other *StreamManager) bool {
	return other != nil && sm.sourceID == other.sourceID
}

// AddCloud stamps raw with a fresh label and the current time and feeds it
// to the stream. An empty or nil cloud is a no-op. When the sensor transform
// is known the cloud is handed to the merge worker; otherwise it waits in the
// pending queue. Either way the cloud starts aging immediately.
func (sm *StreamManager) AddCloud(raw pointcloud.PointCloud) error {
	if raw == nil || raw.Size() == 0 {
		return nil
	}
	if sm.cancelCtx.Err() != nil {
		return errors.Wrap(ErrStreamClosed, sm.sourceID)
	}

	sc := NewStampedCloud(sm.labels.Inc(), sm.clk.Now(), raw)

	// the tfSet check and the pending append must be one atomic step under
	// tfMu, or a concurrent SetSensorTransform could drain pending between
	// them and strand this cloud there forever
	sm.tfMu.RLock()
	if !sm.sensorTFSet {
		sm.stateMu.Lock()
		sm.pending = append(sm.pending, sc)
		sm.stateMu.Unlock()
		sm.tfMu.RUnlock()
		sm.wakeWatcher()
		return nil
	}
	tf := sm.sensorTF
	sm.tfMu.RUnlock()
	return sm.enqueueMerge(sc, tf)
}

// SetSensorTransform stores the transform from the sensor frame to the robot
// base frame and drains any clouds that were waiting for it, oldest first.
func (sm *StreamManager) SetSensorTransform(tf mgl64.Mat4) {
	// tfMu stays held across the drain so every cloud is either in drained
	// or sees sensorTFSet and goes straight to the merge queue. Lock order
	// is tfMu then stateMu, same as AddCloud.
	sm.tfMu.Lock()
	sm.sensorTF = tf
	sm.sensorTFSet = true
	sm.stateMu.Lock()
	drained := sm.pending
	sm.pending = nil
	sm.stateMu.Unlock()
	sm.tfMu.Unlock()

	for _, sc := range drained {
		if err := sm.enqueueMerge(sc, tf); err != nil {
			sm.logger.Debugw("dropping pending cloud on closed stream",
				"source", sm.sourceID, "label", sc.Label())
			return
		}
	}
}

// Cloud returns the merged cloud of the still valid points fed into this
// stream, in robot frame. The reference is to live, still-mutating state;
// callers needing isolation should copy it.
func (sm *StreamManager) Cloud() pointcloud.PointCloud {
	sm.cloudMu.RLock()
	defer sm.cloudMu.RUnlock()
	if sm.accumulated == nil {
		return pointcloud.New()
	}
	return sm.accumulated.PointCloud()
}

// copyCloudInto appends a snapshot of the accumulated cloud into dst under
// the cloud read lock. Composition across streams goes through here so
// streams never share accumulated state directly.
func (sm *StreamManager) copyCloudInto(dst pointcloud.PointCloud) {
	sm.cloudMu.RLock()
	defer sm.cloudMu.RUnlock()
	if sm.accumulated == nil {
		return
	}
	sm.accumulated.PointCloud().Iterate(func(p r3.Vector, d pointcloud.Data) bool {
		dst.Append(p, d)
		return true
	})
}

// SetPointAgingCallback sets the callback invoked when points age out of the
// accumulated cloud. There is at most one; the last write wins.
func (sm *StreamManager) SetPointAgingCallback(fn AgingCallback) {
	sm.callbackMu.Lock()
	sm.agingCB = fn
	sm.callbackMu.Unlock()
}

// PointAgingCallback returns the currently set point aging callback.
func (sm *StreamManager) PointAgingCallback() AgingCallback {
	sm.callbackMu.RLock()
	defer sm.callbackMu.RUnlock()
	return sm.agingCB
}

// Close stops the merge worker and the age watcher and waits for them. The
// aging callback can never fire after Close returns.
func (sm *StreamManager) Close() error {
	sm.cancelFunc()
	sm.activeBackgroundWorkers.Wait()
	return nil
}

func (sm *StreamManager) enqueueMerge(sc *StampedCloud, tf mgl64.Mat4) error {
	select {
	case <-sm.cancelCtx.Done():
		return errors.Wrap(ErrStreamClosed, sm.sourceID)
	case sm.merges <- mergeRequest{cloud: sc, tf: tf}:
		return nil
	}
}

func (sm *StreamManager) wakeWatcher() {
	select {
	case sm.wake <- struct{}{}:
	default:
	}
}

func (sm *StreamManager) mergeWorker() {
	for {
		select {
		case <-sm.cancelCtx.Done():
			return
		case req := <-sm.merges:
			sm.mergeOne(req)
		}
	}
}

// mergeOne runs transform application, registration and union for a single
// stamped cloud. It is only ever called from the merge worker goroutine, so
// merges cannot interleave.
func (sm *StreamManager) mergeOne(req mergeRequest) {
	if err := req.cloud.ApplyTransform(req.tf); err != nil {
		// exactly-once contract violated upstream; merging the points as
		// they are beats corrupting them with a second transform
		sm.logger.Errorw("refusing to re-apply sensor transform",
			"source", sm.sourceID, "label", req.cloud.Label(), "error", err)
	}

	sm.cloudMu.Lock()
	if sm.accumulated == nil {
		sm.accumulated = req.cloud
		sm.cloudMu.Unlock()
		sm.trackCloud(req.cloud)
		return
	}
	sm.cloudMu.Unlock()

	// Register the new cloud against the accumulated one. The read lock is
	// enough: this worker is the only writer.
	sm.cloudMu.RLock()
	delta, info, err := registration.ICP(req.cloud.PointCloud(), sm.accumulated.PointCloud(), sm.icpCfg)
	sm.cloudMu.RUnlock()
	if err != nil {
		// insufficient overlap is normal at low scan rates; merge the
		// points unrefined rather than dropping data
		sm.logger.Debugw("registration fell back to identity",
			"source", sm.sourceID, "label", req.cloud.Label(),
			"iterations", info.Iterations, "correspondences", info.Correspondences)
	} else {
		req.cloud.refine(delta)
	}

	sm.cloudMu.Lock()
	mergeErr := sm.accumulated.Merge(req.cloud)
	sm.cloudMu.Unlock()
	if mergeErr != nil {
		sm.logger.Errorw("merge into accumulated cloud failed",
			"source", sm.sourceID, "label", req.cloud.Label(), "error", mergeErr)
		return
	}
	sm.trackCloud(req.cloud)
}

// trackCloud inserts into tracked keeping (timestamp, label) order; merge
// completion order follows goroutine scheduling, not capture order.
func (sm *StreamManager) trackCloud(sc *StampedCloud) {
	sm.stateMu.Lock()
	i := sort.Search(len(sm.tracked), func(i int) bool {
		return sc.Less(sm.tracked[i])
	})
	sm.tracked = append(sm.tracked, nil)
	copy(sm.tracked[i+1:], sm.tracked[i:])
	sm.tracked[i] = sc
	sm.stateMu.Unlock()
	sm.wakeWatcher()
}

// ageWatcher is the per-stream eviction scheduler: one goroutine sleeping
// until the nearest deadline instead of one timer per ingested cloud.
func (sm *StreamManager) ageWatcher() {
	for {
		if sm.cancelCtx.Err() != nil {
			return
		}
		sm.evictExpired()

		deadline, ok := sm.nextDeadline()
		if !ok {
			select {
			case <-sm.cancelCtx.Done():
				return
			case <-sm.wake:
			}
			continue
		}
		wait := deadline.Sub(sm.clk.Now())
		if wait <= 0 {
			continue
		}
		timer := sm.clk.Timer(wait)
		select {
		case <-sm.cancelCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-sm.wake:
			timer.Stop()
		}
	}
}

// nextDeadline returns the earliest eviction deadline over pending and
// tracked clouds. Both are in capture order, so only the heads matter.
func (sm *StreamManager) nextDeadline() (time.Time, bool) {
	sm.stateMu.Lock()
	defer sm.stateMu.Unlock()
	var oldest time.Time
	found := false
	if len(sm.pending) > 0 {
		oldest = sm.pending[0].CapturedAt()
		found = true
	}
	if len(sm.tracked) > 0 && (!found || sm.tracked[0].CapturedAt().Before(oldest)) {
		oldest = sm.tracked[0].CapturedAt()
		found = true
	}
	if !found {
		return time.Time{}, false
	}
	return oldest.Add(sm.maxAge), true
}

// evictExpired removes every cloud whose deadline has arrived: its points
// leave the accumulated cloud and the aging callback fires with its label.
// Expired clouds still waiting for a transform are dropped silently; their
// points never reached the accumulated cloud.
func (sm *StreamManager) evictExpired() {
	now := sm.clk.Now()
	expired := func(sc *StampedCloud) bool {
		return !sc.CapturedAt().Add(sm.maxAge).After(now)
	}

	sm.stateMu.Lock()
	for len(sm.pending) > 0 && expired(sm.pending[0]) {
		sm.logger.Debugw("dropping expired pending cloud",
			"source", sm.sourceID, "label", sm.pending[0].Label())
		sm.pending = sm.pending[1:]
	}
	var aged []*StampedCloud
	for len(sm.tracked) > 0 && expired(sm.tracked[0]) {
		aged = append(aged, sm.tracked[0])
		sm.tracked = sm.tracked[1:]
	}
	sm.stateMu.Unlock()

	if len(aged) == 0 {
		return
	}

	sm.cloudMu.Lock()
	for _, sc := range aged {
		removed := sm.accumulated.PointCloud().RemoveLabel(sc.Label())
		sm.logger.Debugw("evicted aged points",
			"source", sm.sourceID, "label", sc.Label(), "points", removed)
	}
	sm.cloudMu.Unlock()

	// notify outside the locks; the callback may call back into readers
	if cb := sm.PointAgingCallback(); cb != nil {
		for _, sc := range aged {
			cb(sc.Label())
		}
	}
}
