package aggregator

import (
	"image/color"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/pcagg/pointcloud"
)

// StampedCloud is a point cloud tagged with its capture time and an ingestion
// label. It is the atomic unit of ingestion, transform application and
// eviction: every point it owns carries the same label, so the whole capture
// can be removed from a merged cloud later.
type StampedCloud struct {
	label       uint32
	capturedAt  time.Time
	cloud       pointcloud.PointCloud
	transformed bool
}

// NewStampedCloud copies raw into owned storage, stamping every point with
// the given label. The raw cloud stays untouched and unshared.
func NewStampedCloud(label uint32, capturedAt time.Time, raw pointcloud.PointCloud) *StampedCloud {
	size := 0
	if raw != nil {
		size = raw.Size()
	}
	owned := pointcloud.NewWithPrealloc(size)
	if raw != nil {
		raw.Iterate(func(p r3.Vector, d pointcloud.Data) bool {
			var nd pointcloud.Data
			if d != nil && d.HasColor() {
				r, g, b := d.RGB255()
				nd = pointcloud.NewColoredData(color.NRGBA{R: r, G: g, B: b, A: 255})
			} else {
				nd = pointcloud.NewBasicData()
			}
			owned.Append(p, nd.SetLabel(label))
			return true
		})
	}
	return &StampedCloud{
		label:      label,
		capturedAt: capturedAt,
		cloud:      owned,
	}
}

// Label returns the ingestion label shared by all points of this cloud.
func (sc *StampedCloud) Label() uint32 {
	return sc.label
}

// CapturedAt returns the capture timestamp.
func (sc *StampedCloud) CapturedAt() time.Time {
	return sc.capturedAt
}

// PointCloud returns the owned points. The reference is to live state, not a
// frozen copy.
func (sc *StampedCloud) PointCloud() pointcloud.PointCloud {
	return sc.cloud
}

// Transformed returns whether the sensor transform has been applied.
func (sc *StampedCloud) Transformed() bool {
	return sc.transformed
}

// ApplyTransform applies the sensor-to-robot transform to every point in
// place. It may succeed at most once; a second call fails with
// ErrAlreadyTransformed so the points can never be double transformed.
func (sc *StampedCloud) ApplyTransform(tf mgl64.Mat4) error {
	if sc.transformed {
		return ErrAlreadyTransformed
	}
	sc.cloud = pointcloud.Transform(tf, sc.cloud)
	sc.transformed = true
	return nil
}

// refine applies an ICP refinement on top of the sensor transform. Unlike
// ApplyTransform it is not exactly-once; it is only called by the merge
// worker between registration and union.
func (sc *StampedCloud) refine(tf mgl64.Mat4) {
	sc.cloud = pointcloud.Transform(tf, sc.cloud)
}

// Merge unions other's points into this cloud by concatenation. Both
// operands must already be in the same frame; the result point count is the
// exact sum of the inputs, no deduplication.
func (sc *StampedCloud) Merge(other *StampedCloud) error {
	if !sc.transformed || !other.Transformed() {
		return errors.New("both point clouds must be transformed before merging")
	}
	other.PointCloud().Iterate(func(p r3.Vector, d pointcloud.Data) bool {
		sc.cloud.Append(p, d)
		return true
	})
	return nil
}

// OlderThan reports whether the cloud's capture time is more than maxAge
// before now.
func (sc *StampedCloud) OlderThan(maxAge time.Duration, now time.Time) bool {
	return now.Sub(sc.capturedAt) > maxAge
}

// Less orders stamped clouds ascending by (timestamp, label); the label
// breaks timestamp ties so the order is strict.
func (sc *StampedCloud) Less(other *StampedCloud) bool {
	if sc.capturedAt.Equal(other.capturedAt) {
		return sc.label < other.label
	}
	return sc.capturedAt.Before(other.capturedAt)
}
