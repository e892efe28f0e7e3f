package pointcloud

import (
	"github.com/golang/geo/r3"
)

// PointAndData is a tiny struct to couple a point's position and its data.
type PointAndData struct {
	P r3.Vector
	D Data
}

// basicPointCloud is the basic implementation of the PointCloud interface,
// backed by a flat slice of points in insertion order. Duplicate positions
// are kept on purpose; removal happens by label.
type basicPointCloud struct {
	points []PointAndData
	meta   MetaData
}

// New returns an empty PointCloud backed by a basicPointCloud.
func New() PointCloud {
	return NewWithPrealloc(0)
}

// NewWithPrealloc returns an empty, preallocated PointCloud backed by a
// basicPointCloud.
func NewWithPrealloc(size int) PointCloud {
	return &basicPointCloud{
		points: make([]PointAndData, 0, size),
		meta:   NewMetaData(),
	}
}

func (cloud *basicPointCloud) Size() int {
	return len(cloud.points)
}

func (cloud *basicPointCloud) MetaData() MetaData {
	return cloud.meta
}

func (cloud *basicPointCloud) Append(p r3.Vector, d Data) {
	cloud.points = append(cloud.points, PointAndData{P: p, D: d})
	cloud.meta.Merge(p, d)
}

func (cloud *basicPointCloud) Iterate(fn func(p r3.Vector, d Data) bool) {
	for _, pd := range cloud.points {
		if !fn(pd.P, pd.D) {
			return
		}
	}
}

// RemoveLabel filters the slice in place and rebuilds the metadata from the
// surviving points so the bounds stay truthful after eviction.
func (cloud *basicPointCloud) RemoveLabel(label uint32) int {
	kept := cloud.points[:0]
	meta := NewMetaData()
	removed := 0
	for _, pd := range cloud.points {
		if pd.D != nil && pd.D.HasLabel() && pd.D.Label() == label {
			removed++
			continue
		}
		kept = append(kept, pd)
		meta.Merge(pd.P, pd.D)
	}
	// clear the tail so removed points do not pin their data
	for i := len(kept); i < len(cloud.points); i++ {
		cloud.points[i] = PointAndData{}
	}
	cloud.points = kept
	cloud.meta = meta
	return removed
}
