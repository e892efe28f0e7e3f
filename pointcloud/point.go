package pointcloud

import (
	"image/color"

	"github.com/golang/geo/r3"
)

// NewVector convenience method for creating a vector.
func NewVector(x, y, z float64) r3.Vector {
	return r3.Vector{X: x, Y: y, Z: z}
}

// Data describes data associated with a single point within a PointCloud.
type Data interface {
	// HasColor returns whether or not this point is colored.
	HasColor() bool

	// RGB255 returns, if colored, the RGB components of the color. There
	// is no alpha channel right now and as such the data can be assumed to be
	// premultiplied.
	RGB255() (uint8, uint8, uint8)

	// Color returns the native color of the point.
	Color() color.Color

	// SetColor sets the given color on the point.
	SetColor(c color.NRGBA) Data

	// HasLabel returns whether or not this point carries an ingestion label.
	HasLabel() bool

	// Label returns the ingestion label, if it exists. All points captured in
	// the same ingestion event share one label so they can be removed
	// together later.
	Label() uint32

	// SetLabel sets the given label on the point.
	SetLabel(label uint32) Data
}

type basicData struct {
	hasColor bool
	c        color.NRGBA

	hasLabel bool
	label    uint32
}

// NewBasicData returns a point that is solely positionally based.
func NewBasicData() Data {
	return &basicData{}
}

// NewColoredData returns a point that has both position and color.
func NewColoredData(c color.NRGBA) Data {
	return &basicData{c: c, hasColor: true}
}

// NewLabeledData returns a point that has both position and an ingestion label.
func NewLabeledData(label uint32) Data {
	return &basicData{label: label, hasLabel: true}
}

func (bp *basicData) SetColor(c color.NRGBA) Data {
	bp.c = c
	bp.hasColor = true
	return bp
}

func (bp *basicData) HasColor() bool {
	return bp.hasColor
}

func (bp *basicData) RGB255() (uint8, uint8, uint8) {
	return bp.c.R, bp.c.G, bp.c.B
}

func (bp *basicData) Color() color.Color {
	return &bp.c
}

func (bp *basicData) SetLabel(label uint32) Data {
	bp.hasLabel = true
	bp.label = label
	return bp
}

func (bp *basicData) HasLabel() bool {
	return bp.hasLabel
}

func (bp *basicData) Label() uint32 {
	return bp.label
}

// CloneData returns a copy of d so two clouds never share mutable point data.
// A nil d yields a fresh basic point.
func CloneData(d Data) Data {
	if d == nil {
		return NewBasicData()
	}
	out := &basicData{}
	if d.HasColor() {
		r, g, b := d.RGB255()
		out.SetColor(color.NRGBA{R: r, G: g, B: b, A: 255})
	}
	if d.HasLabel() {
		out.SetLabel(d.Label())
	}
	return out
}
