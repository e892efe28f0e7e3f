package registration

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/pcagg/pointcloud"
)

// cube corners plus center, spaced widely so nearest neighbors are
// unambiguous under small offsets
func makeCubeCloud(t *testing.T, offset r3.Vector) pointcloud.PointCloud {
	t.Helper()
	pc := pointcloud.New()
	for _, p := range []r3.Vector{
		{X: 0, Y: 0, Z: 0}, {X: 5, Y: 0, Z: 0}, {X: 0, Y: 5, Z: 0}, {X: 0, Y: 0, Z: 5},
		{X: 5, Y: 5, Z: 0}, {X: 0, Y: 5, Z: 5}, {X: 5, Y: 0, Z: 5}, {X: 5, Y: 5, Z: 5},
		{X: 2.5, Y: 2.5, Z: 2.5},
	} {
		pc.Append(p.Add(offset), pointcloud.NewBasicData())
	}
	return pc
}

func TestICPIdentity(t *testing.T) {
	cloud := makeCubeCloud(t, r3.Vector{})
	delta, info, err := ICP(cloud, cloud, Config{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.Converged, test.ShouldBeTrue)
	test.That(t, delta.At(0, 3), test.ShouldAlmostEqual, 0, 1e-6)
	test.That(t, delta.At(1, 3), test.ShouldAlmostEqual, 0, 1e-6)
	test.That(t, delta.At(2, 3), test.ShouldAlmostEqual, 0, 1e-6)
}

func TestICPRecoversTranslation(t *testing.T) {
	source := makeCubeCloud(t, r3.Vector{})
	target := makeCubeCloud(t, r3.Vector{X: 0.4, Y: -0.3, Z: 0.2})

	cfg := Config{MaxCorrespondenceDistance: 2, MaxIterations: 20}
	delta, info, err := ICP(source, target, cfg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.Converged, test.ShouldBeTrue)
	test.That(t, info.Correspondences, test.ShouldEqual, source.Size())

	test.That(t, delta.At(0, 3), test.ShouldAlmostEqual, 0.4, 1e-3)
	test.That(t, delta.At(1, 3), test.ShouldAlmostEqual, -0.3, 1e-3)
	test.That(t, delta.At(2, 3), test.ShouldAlmostEqual, 0.2, 1e-3)

	// the refined source lands on the target
	moved := pointcloud.TransformPoint(delta, r3.Vector{X: 5, Y: 5, Z: 5})
	test.That(t, moved.X, test.ShouldAlmostEqual, 5.4, 1e-3)
	test.That(t, moved.Y, test.ShouldAlmostEqual, 4.7, 1e-3)
	test.That(t, moved.Z, test.ShouldAlmostEqual, 5.2, 1e-3)
}

func TestICPConvergesOnExactAlignment(t *testing.T) {
	// once the offset is recovered the residual error is pure floating-point
	// noise; the convergence check must read that as settled, not diverging
	source := makeCubeCloud(t, r3.Vector{})
	target := makeCubeCloud(t, r3.Vector{X: 0.1})

	delta, info, err := ICP(source, target, Config{MaxIterations: 20, Tolerance: 1e-12})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.Converged, test.ShouldBeTrue)
	test.That(t, info.MeanError, test.ShouldBeLessThan, 1e-9)
	test.That(t, delta.At(0, 3), test.ShouldAlmostEqual, 0.1, 1e-6)
}

func TestICPRecoversSmallRotation(t *testing.T) {
	source := makeCubeCloud(t, r3.Vector{})
	rot := mgl64.HomogRotate3DZ(0.05)
	target := pointcloud.New()
	source.Iterate(func(p r3.Vector, d pointcloud.Data) bool {
		target.Append(pointcloud.TransformPoint(rot, p), pointcloud.NewBasicData())
		return true
	})

	delta, info, err := ICP(source, target, Config{MaxCorrespondenceDistance: 2, MaxIterations: 20})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.Converged, test.ShouldBeTrue)

	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			test.That(t, delta.At(row, col), test.ShouldAlmostEqual, rot.At(row, col), 1e-3)
		}
	}
}

func TestICPNoOverlap(t *testing.T) {
	source := makeCubeCloud(t, r3.Vector{})
	target := pointcloud.New()
	target.Append(pointcloud.NewVector(100, 100, 100), pointcloud.NewBasicData())
	target.Append(pointcloud.NewVector(101, 100, 100), pointcloud.NewBasicData())
	target.Append(pointcloud.NewVector(100, 101, 100), pointcloud.NewBasicData())

	delta, info, err := ICP(source, target, Config{})
	test.That(t, errors.Is(err, ErrNotConverged), test.ShouldBeTrue)
	test.That(t, info.Converged, test.ShouldBeFalse)
	test.That(t, info.Correspondences, test.ShouldEqual, 0)
	test.That(t, delta, test.ShouldResemble, mgl64.Ident4())
}

func TestICPDegenerateInputs(t *testing.T) {
	cloud := makeCubeCloud(t, r3.Vector{})
	_, _, err := ICP(nil, cloud, Config{})
	test.That(t, errors.Is(err, ErrNotConverged), test.ShouldBeTrue)

	tiny := pointcloud.New()
	tiny.Append(pointcloud.NewVector(0, 0, 0), pointcloud.NewBasicData())
	_, _, err = ICP(tiny, cloud, Config{})
	test.That(t, errors.Is(err, ErrNotConverged), test.ShouldBeTrue)
}
