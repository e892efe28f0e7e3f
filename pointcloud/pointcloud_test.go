package pointcloud

import (
	"image/color"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestPointCloudBasic(t *testing.T) {
	pc := New()
	test.That(t, pc.Size(), test.ShouldEqual, 0)

	pc.Append(NewVector(0, 0, 0), NewLabeledData(1))
	pc.Append(NewVector(1, 0, 1), NewLabeledData(1))
	pc.Append(NewVector(-1, -2, 1), NewColoredData(color.NRGBA{255, 0, 0, 255}).SetLabel(2))
	test.That(t, pc.Size(), test.ShouldEqual, 3)

	count := 0
	pc.Iterate(func(p r3.Vector, d Data) bool {
		count++
		return true
	})
	test.That(t, count, test.ShouldEqual, 3)

	meta := pc.MetaData()
	test.That(t, meta.HasColor, test.ShouldBeTrue)
	test.That(t, meta.HasLabel, test.ShouldBeTrue)
	test.That(t, meta.MinX, test.ShouldEqual, -1)
	test.That(t, meta.MaxX, test.ShouldEqual, 1)
	test.That(t, meta.MinY, test.ShouldEqual, -2)
	test.That(t, meta.MaxZ, test.ShouldEqual, 1)
}

func TestPointCloudKeepsDuplicatePositions(t *testing.T) {
	// two sensors can legitimately observe the same coordinate; the cloud
	// must hold both points
	pc := New()
	pc.Append(NewVector(1, 2, 3), NewLabeledData(1))
	pc.Append(NewVector(1, 2, 3), NewLabeledData(2))
	test.That(t, pc.Size(), test.ShouldEqual, 2)
}

func TestRemoveLabel(t *testing.T) {
	pc := New()
	pc.Append(NewVector(0, 0, 0), NewLabeledData(7))
	pc.Append(NewVector(1, 0, 0), NewLabeledData(7))
	pc.Append(NewVector(5, 5, 5), NewLabeledData(8))

	removed := pc.RemoveLabel(7)
	test.That(t, removed, test.ShouldEqual, 2)
	test.That(t, pc.Size(), test.ShouldEqual, 1)

	// metadata reflects only the survivors
	meta := pc.MetaData()
	test.That(t, meta.MinX, test.ShouldEqual, 5)
	test.That(t, meta.MaxX, test.ShouldEqual, 5)

	removed = pc.RemoveLabel(7)
	test.That(t, removed, test.ShouldEqual, 0)
	test.That(t, pc.Size(), test.ShouldEqual, 1)
}

func TestCloneData(t *testing.T) {
	orig := NewColoredData(color.NRGBA{10, 20, 30, 255}).SetLabel(4)
	cloned := CloneData(orig)
	test.That(t, cloned, test.ShouldResemble, orig)

	cloned.SetLabel(9)
	test.That(t, orig.Label(), test.ShouldEqual, 4)

	test.That(t, CloneData(nil).HasColor(), test.ShouldBeFalse)
	test.That(t, CloneData(nil).HasLabel(), test.ShouldBeFalse)
}
