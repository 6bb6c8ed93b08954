package mesh

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// MeshColors defines the palette for mesh rendering
type MeshColors struct {
	Triangle color.NRGBA
	Edge     color.NRGBA
	Exterior color.NRGBA
	Vertex   color.NRGBA
	Viewer   color.NRGBA
}

// DefaultColors returns the standard mesh palette
func DefaultColors() MeshColors {
	return MeshColors{
		Triangle: color.NRGBA{100, 149, 237, 90}, // Cornflower blue
		Edge:     color.NRGBA{70, 130, 180, 255}, // Steel blue
		Exterior: color.NRGBA{0, 0, 139, 255},    // Dark blue
		Vertex:   color.NRGBA{255, 99, 71, 255},  // Tomato
		Viewer:   color.NRGBA{34, 139, 34, 255},  // Forest green
	}
}

// nrgbaToRGBA converts color.NRGBA to color.RGBA by premultiplying alpha
// This is needed for the canvas library which expects premultiplied RGBA
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	alpha32 := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * alpha32) / 255),
		G: uint8((uint32(c.G) * alpha32) / 255),
		B: uint8((uint32(c.B) * alpha32) / 255),
		A: c.A,
	}
}

// drawText renders text onto an image at the specified position
func drawText(img draw.Image, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// textWidth returns the advance of text in pixels
func textWidth(text string) int {
	return font.MeasureString(basicfont.Face7x13, text).Ceil()
}

// drawLabels writes each vertex label beside its pixel position, plus a
// summary line in the top-left corner. Labels that would fall off the
// image are clamped inside it.
func drawLabels(img draw.Image, labels []string, positions []image.Point, summary string) {
	black := color.RGBA{0, 0, 0, 255}
	bounds := img.Bounds()

	if summary != "" {
		drawText(img, 8, 16, summary, black)
	}

	for i, p := range positions {
		if i >= len(labels) || labels[i] == "" {
			continue
		}
		x := p.X + 8
		y := p.Y - 6
		if w := textWidth(labels[i]); x+w > bounds.Max.X {
			x = bounds.Max.X - w
		}
		x = int(math.Max(float64(bounds.Min.X), float64(x)))
		if y < bounds.Min.Y+13 {
			y = bounds.Min.Y + 13
		}
		drawText(img, x, y, labels[i], black)
	}
}

func summaryLine(vertices, triangles int) string {
	return fmt.Sprintf("pins: %d  triangles: %d", vertices, triangles)
}
