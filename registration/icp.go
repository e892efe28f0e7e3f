// Package registration implements rigid point cloud registration.
//
// The only algorithm offered is point-to-point ICP: iterated nearest-neighbor
// correspondence search over a k-d tree, least-squares rigid transform
// estimation via SVD, bounded by a maximum correspondence distance and a
// maximum iteration count.
package registration

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/kdtree"

	"go.viam.com/pcagg/pointcloud"
)

// ErrNotConverged is returned when ICP runs out of iterations or loses its
// correspondences before the alignment settles. The transform returned next
// to it is the best effort so far; callers decide whether to use it.
var ErrNotConverged = errors.New("icp did not converge")

const (
	// DefaultMaxCorrespondenceDistance bounds the nearest-neighbor search,
	// in the cloud's own units.
	DefaultMaxCorrespondenceDistance = 1.0
	// DefaultMaxIterations bounds the refinement loop.
	DefaultMaxIterations = 10

	defaultTolerance      = 1e-5
	minCorrespondences    = 3
	divergenceGrowthLimit = 1.1
)

// Config holds the ICP parameters. The zero value selects the defaults.
type Config struct {
	// MaxCorrespondenceDistance is the farthest two points may be apart and
	// still be considered the same surface point.
	MaxCorrespondenceDistance float64
	// MaxIterations caps the number of refinement rounds.
	MaxIterations int
	// Tolerance is the mean-error improvement under which the alignment is
	// considered settled.
	Tolerance float64
}

// DefaultConfig returns the parameters used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxCorrespondenceDistance: DefaultMaxCorrespondenceDistance,
		MaxIterations:             DefaultMaxIterations,
		Tolerance:                 defaultTolerance,
	}
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxCorrespondenceDistance <= 0 {
		cfg.MaxCorrespondenceDistance = DefaultMaxCorrespondenceDistance
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = defaultTolerance
	}
	return cfg
}

// Info reports how a registration went.
type Info struct {
	Converged       bool
	Iterations      int
	Correspondences int
	// MeanError is the mean correspondence distance at the last iteration.
	MeanError float64
}

// ICP aligns source onto target and returns the 4x4 rigid refinement that,
// applied to source, best overlays it on target. When the alignment never
// settles the best-effort transform is returned together with
// ErrNotConverged.
func ICP(source, target pointcloud.PointCloud, cfg Config) (mgl64.Mat4, Info, error) {
	cfg = cfg.withDefaults()
	current := mgl64.Ident4()
	info := Info{}

	if source == nil || target == nil ||
		source.Size() < minCorrespondences || target.Size() < minCorrespondences {
		return current, info, ErrNotConverged
	}

	src := make([]r3.Vector, 0, source.Size())
	source.Iterate(func(p r3.Vector, _ pointcloud.Data) bool {
		src = append(src, p)
		return true
	})
	tree := buildTree(target)

	maxSqDist := cfg.MaxCorrespondenceDistance * cfg.MaxCorrespondenceDistance
	prevErr := math.MaxFloat64

	for iter := 0; iter < cfg.MaxIterations; iter++ {
		info.Iterations = iter + 1

		srcCorr := make([]r3.Vector, 0, len(src))
		tgtCorr := make([]r3.Vector, 0, len(src))
		sumDist := 0.0
		for _, p := range src {
			moved := pointcloud.TransformPoint(current, p)
			got, sqDist := tree.Nearest(kdtree.Point{moved.X, moved.Y, moved.Z})
			if got == nil || sqDist > maxSqDist {
				continue
			}
			q := got.(kdtree.Point)
			srcCorr = append(srcCorr, moved)
			tgtCorr = append(tgtCorr, r3.Vector{X: q[0], Y: q[1], Z: q[2]})
			sumDist += math.Sqrt(sqDist)
		}
		info.Correspondences = len(srcCorr)
		if len(srcCorr) < minCorrespondences {
			return current, info, ErrNotConverged
		}
		meanErr := sumDist / float64(len(srcCorr))
		info.MeanError = meanErr

		// once meanErr hits floating-point noise the improvement can be
		// infinitesimally negative; both checks need an absolute floor or
		// an exact alignment reads as divergence
		if math.Abs(prevErr-meanErr) < cfg.Tolerance {
			info.Converged = true
			return current, info, nil
		}
		if meanErr > prevErr*divergenceGrowthLimit+cfg.Tolerance {
			return current, info, ErrNotConverged
		}
		prevErr = meanErr

		delta, err := estimateRigidTransform(srcCorr, tgtCorr)
		if err != nil {
			return current, info, errors.Wrap(ErrNotConverged, err.Error())
		}
		current = delta.Mul4(current)
	}

	return current, info, ErrNotConverged
}

func buildTree(cloud pointcloud.PointCloud) *kdtree.Tree {
	pts := make(kdtree.Points, 0, cloud.Size())
	cloud.Iterate(func(p r3.Vector, _ pointcloud.Data) bool {
		pts = append(pts, kdtree.Point{p.X, p.Y, p.Z})
		return true
	})
	return kdtree.New(pts, false)
}
