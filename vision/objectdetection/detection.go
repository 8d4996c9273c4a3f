// Package objectdetection defines the detection result type shared by every detector backend,
// the postprocessors applied to raw detector output, and its JSON form.
package objectdetection

import (
	"fmt"
	"image"
	"math"
)

// Box is an axis aligned box in source image pixels, given by its top-left and bottom-right
// corners.
type Box struct {
	X1, Y1, X2, Y2 float64
}

// Width is X2 - X1.
func (b Box) Width() float64 {
	return b.X2 - b.X1
}

// Height is Y2 - Y1.
func (b Box) Height() float64 {
	return b.Y2 - b.Y1
}

// Area of the box; zero for degenerate boxes.
func (b Box) Area() float64 {
	if b.Width() <= 0 || b.Height() <= 0 {
		return 0
	}
	return b.Width() * b.Height()
}

// XYWH returns the box as [x, y, width, height].
func (b Box) XYWH() [4]float64 {
	return [4]float64{b.X1, b.Y1, b.Width(), b.Height()}
}

// IoU is the intersection over union of two boxes.
func IoU(a, b Box) float64 {
	inter := Box{
		X1: math.Max(a.X1, b.X1),
		Y1: math.Max(a.Y1, b.Y1),
		X2: math.Min(a.X2, b.X2),
		Y2: math.Min(a.Y2, b.Y2),
	}.Area()
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Detection returns a bounding box around the object and a confidence score of the detection.
type Detection interface {
	BoundingBox() *image.Rectangle
	Box() Box
	Score() float64
	Label() string
}

// NewDetection creates a simple 2D detection.
func NewDetection(box Box, score float64, label string) Detection {
	return &detection2D{box, score, label}
}

type detection2D struct {
	box   Box
	score float64
	label string
}

// BoundingBox returns the integer pixel rectangle enclosing the detection.
func (d *detection2D) BoundingBox() *image.Rectangle {
	rect := image.Rect(
		int(math.Floor(d.box.X1)), int(math.Floor(d.box.Y1)),
		int(math.Ceil(d.box.X2)), int(math.Ceil(d.box.Y2)),
	)
	return &rect
}

func (d *detection2D) Box() Box {
	return d.box
}

func (d *detection2D) Score() float64 {
	return d.score
}

func (d *detection2D) Label() string {
	return d.label
}

// String turns the detection into a string.
func (d *detection2D) String() string {
	return fmt.Sprintf("Label: %s, Score: %.2f, Box: (%.1f, %.1f)-(%.1f, %.1f)",
		d.label, d.score, d.box.X1, d.box.Y1, d.box.X2, d.box.Y2)
}
