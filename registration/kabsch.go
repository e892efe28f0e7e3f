package registration

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// estimateRigidTransform solves for the rotation and translation that best
// map src onto dst in the least-squares sense (Kabsch). src and dst must be
// equal-length correspondence lists with at least three pairs.
func estimateRigidTransform(src, dst []r3.Vector) (mgl64.Mat4, error) {
	ident := mgl64.Ident4()
	if len(src) != len(dst) || len(src) < minCorrespondences {
		return ident, errors.Errorf("need at least %d correspondence pairs, got %d", minCorrespondences, len(src))
	}

	n := float64(len(src))
	var srcC, dstC r3.Vector
	for i := range src {
		srcC = srcC.Add(src[i])
		dstC = dstC.Add(dst[i])
	}
	srcC = srcC.Mul(1 / n)
	dstC = dstC.Mul(1 / n)

	// cross covariance of the centered correspondences
	h := mat.NewDense(3, 3, nil)
	for i := range src {
		p := src[i].Sub(srcC)
		q := dst[i].Sub(dstC)
		h.Set(0, 0, h.At(0, 0)+p.X*q.X)
		h.Set(0, 1, h.At(0, 1)+p.X*q.Y)
		h.Set(0, 2, h.At(0, 2)+p.X*q.Z)
		h.Set(1, 0, h.At(1, 0)+p.Y*q.X)
		h.Set(1, 1, h.At(1, 1)+p.Y*q.Y)
		h.Set(1, 2, h.At(1, 2)+p.Y*q.Z)
		h.Set(2, 0, h.At(2, 0)+p.Z*q.X)
		h.Set(2, 1, h.At(2, 1)+p.Z*q.Y)
		h.Set(2, 2, h.At(2, 2)+p.Z*q.Z)
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return ident, errors.New("svd of cross covariance failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&v, u.T())
	if mat.Det(&r) < 0 {
		// reflection; flip the axis of least significance
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		r.Mul(&v, u.T())
	}

	rotSrcC := r3.Vector{
		X: r.At(0, 0)*srcC.X + r.At(0, 1)*srcC.Y + r.At(0, 2)*srcC.Z,
		Y: r.At(1, 0)*srcC.X + r.At(1, 1)*srcC.Y + r.At(1, 2)*srcC.Z,
		Z: r.At(2, 0)*srcC.X + r.At(2, 1)*srcC.Y + r.At(2, 2)*srcC.Z,
	}
	t := dstC.Sub(rotSrcC)

	out := mgl64.Ident4()
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			out.Set(row, col, r.At(row, col))
		}
	}
	out.Set(0, 3, t.X)
	out.Set(1, 3, t.Y)
	out.Set(2, 3, t.Z)
	return out, nil
}
