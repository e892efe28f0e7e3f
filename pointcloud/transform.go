package pointcloud

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
)

// TransformPoint applies a 4x4 rigid transform to a single position.
func TransformPoint(tf mgl64.Mat4, p r3.Vector) r3.Vector {
	v := tf.Mul4x1(mgl64.Vec4{p.X, p.Y, p.Z, 1})
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}
}

// ApplyTransform copies every point of src into dst with the given rigid
// transform applied to its position. Point data is cloned, not shared.
func ApplyTransform(tf mgl64.Mat4, src, dst PointCloud) {
	src.Iterate(func(p r3.Vector, d Data) bool {
		dst.Append(TransformPoint(tf, p), CloneData(d))
		return true
	})
}

// Transform applies a 4x4 rigid transform to every point of the cloud. The
// cloud is mutated in place when it is slice backed; foreign implementations
// get a transformed copy. The returned cloud holds the result either way.
func Transform(tf mgl64.Mat4, cloud PointCloud) PointCloud {
	if basic, ok := cloud.(*basicPointCloud); ok {
		meta := NewMetaData()
		for i := range basic.points {
			basic.points[i].P = TransformPoint(tf, basic.points[i].P)
			meta.Merge(basic.points[i].P, basic.points[i].D)
		}
		basic.meta = meta
		return basic
	}
	out := NewWithPrealloc(cloud.Size())
	cloud.Iterate(func(p r3.Vector, d Data) bool {
		out.Append(TransformPoint(tf, p), d)
		return true
	})
	return out
}
