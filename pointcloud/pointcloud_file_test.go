package pointcloud

import (
	"bytes"
	"image/color"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func makeLabeledTestCloud(t *testing.T) PointCloud {
	t.Helper()
	pc := New()
	pc.Append(NewVector(1.5, -2.25, 3), NewColoredData(color.NRGBA{255, 0, 0, 255}).SetLabel(1))
	pc.Append(NewVector(0, 0.5, -1), NewColoredData(color.NRGBA{0, 255, 0, 255}).SetLabel(1))
	pc.Append(NewVector(4, 4, 4), NewColoredData(color.NRGBA{0, 0, 255, 255}).SetLabel(2))
	return pc
}

func TestPCDLabeledRoundTrip(t *testing.T) {
	pc := makeLabeledTestCloud(t)

	for _, pcdType := range []PCDType{PCDAscii, PCDBinary, PCDCompressed} {
		var buf bytes.Buffer
		err := ToPCD(pc, &buf, pcdType)
		test.That(t, err, test.ShouldBeNil)

		got, err := ReadPCD(&buf)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got.Size(), test.ShouldEqual, 3)
		test.That(t, got.MetaData().HasColor, test.ShouldBeTrue)
		test.That(t, got.MetaData().HasLabel, test.ShouldBeTrue)

		i := 0
		var firstPos r3.Vector
		var firstData Data
		got.Iterate(func(p r3.Vector, d Data) bool {
			if i == 0 {
				firstPos, firstData = p, d
			}
			i++
			return true
		})
		test.That(t, firstPos.X, test.ShouldAlmostEqual, 1.5)
		test.That(t, firstPos.Y, test.ShouldAlmostEqual, -2.25)
		test.That(t, firstPos.Z, test.ShouldAlmostEqual, 3)
		test.That(t, firstData.Label(), test.ShouldEqual, 1)
		r, g, b := firstData.RGB255()
		test.That(t, []uint8{r, g, b}, test.ShouldResemble, []uint8{255, 0, 0})
	}
}

func TestPCDPositionOnlyRoundTrip(t *testing.T) {
	pc := New()
	pc.Append(NewVector(-1, 0, 2.5), NewBasicData())
	pc.Append(NewVector(3, 1, 0), NewBasicData())

	var buf bytes.Buffer
	err := ToPCD(pc, &buf, PCDBinary)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, buf.String(), test.ShouldContainSubstring, "FIELDS x y z\n")

	got, err := ReadPCD(&buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Size(), test.ShouldEqual, 2)
	test.That(t, got.MetaData().HasColor, test.ShouldBeFalse)
	test.That(t, got.MetaData().HasLabel, test.ShouldBeFalse)
}

func TestPCDLabelOnlyHeader(t *testing.T) {
	pc := New()
	pc.Append(NewVector(1, 1, 1), NewLabeledData(9))

	var buf bytes.Buffer
	err := ToPCD(pc, &buf, PCDAscii)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, buf.String(), test.ShouldContainSubstring, "FIELDS x y z label\n")

	got, err := ReadPCD(&buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Size(), test.ShouldEqual, 1)
	got.Iterate(func(p r3.Vector, d Data) bool {
		test.That(t, d.Label(), test.ShouldEqual, 9)
		return true
	})
}

func TestReadPCDRejectsGarbage(t *testing.T) {
	_, err := ReadPCD(bytes.NewReader([]byte("VERSION .7\nFIELDS intensity\n")))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unsupported pcd fields")
}

func TestReadPCDRejectsNarrowFields(t *testing.T) {
	// declaring 2-byte fields must fail at the header, not crash the
	// fixed-width binary reader
	header := "VERSION .7\n" +
		"FIELDS x y z\n" +
		"SIZE 2 2 2\n" +
		"TYPE F F F\n" +
		"COUNT 1 1 1\n" +
		"WIDTH 1\n" +
		"HEIGHT 1\n" +
		"VIEWPOINT 0 0 0 1 0 0 0\n" +
		"POINTS 1\n" +
		"DATA binary\n"
	_, err := ReadPCD(bytes.NewReader(append([]byte(header), 0, 0, 0, 0, 0, 0)))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unsupported pcd field size")
}
