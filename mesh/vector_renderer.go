package mesh

import (
	"errors"
	"image"
	"image/png"
	"io"
	"math"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrNothingToRender is returned when the mesh has no vertices and no viewer
var ErrNothingToRender = errors.New("nothing to render")

// MeshRenderer draws the pin mesh in ground-plane (XY) coordinates as
// vector graphics: triangles, hull edges, pins and an optional viewer marker.
type MeshRenderer struct {
	Mesh        *Triangulator
	Labels      []string // Labels[i] names real vertex i
	Viewer      *Pose    // Optional head pose, drawn with its heading
	Colors      MeshColors
	Scale       float64           // Canvas millimeters per world unit
	Padding     float64           // Padding in world units
	Resolution  canvas.Resolution // Resolution for PNG output
	GridSpacing float64           // Grid spacing in world units; 0 disables
}

// NewMeshRenderer creates a renderer with default settings
func NewMeshRenderer(tri *Triangulator, labels []string) *MeshRenderer {
	return &MeshRenderer{
		Mesh:        tri,
		Labels:      labels,
		Colors:      DefaultColors(),
		Scale:       50.0, // 1 world unit = 5cm of canvas
		Padding:     1.0,
		Resolution:  canvas.DPI(96),
		GridSpacing: 1.0,
	}
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// frame maps world XY to canvas millimeters
type frame struct {
	bound         [4]float64 // minX, minY, maxX, maxY in world units
	scale         float64
	padding       float64
	width, height float64 // canvas millimeters
}

func (f frame) toCanvas(x, y float64) (float64, float64) {
	return (x - f.bound[0] + f.padding) * f.scale, (y - f.bound[1] + f.padding) * f.scale
}

func (r *MeshRenderer) frame() (frame, error) {
	minX, minY := math.MaxFloat64, math.MaxFloat64
	maxX, maxY := -math.MaxFloat64, -math.MaxFloat64
	grow := func(x, y float64) {
		minX, minY = math.Min(minX, x), math.Min(minY, y)
		maxX, maxY = math.Max(maxX, x), math.Max(maxY, y)
	}

	var verts int
	if r.Mesh != nil {
		for _, v := range r.Mesh.Vertices() {
			grow(v.X(), v.Y())
			verts++
		}
	}
	if r.Viewer != nil {
		grow(r.Viewer.Position.X, r.Viewer.Position.Y)
	}
	if verts == 0 && r.Viewer == nil {
		return frame{}, ErrNothingToRender
	}

	scale := r.Scale
	if scale <= 0 {
		scale = 1
	}
	f := frame{
		bound:   [4]float64{minX, minY, maxX, maxY},
		scale:   scale,
		padding: r.Padding,
	}
	f.width = (maxX - minX + 2*r.Padding) * scale
	f.height = (maxY - minY + 2*r.Padding) * scale
	return f, nil
}

// RenderToSVG writes the mesh as an SVG to the provided writer
func (r *MeshRenderer) RenderToSVG(w io.Writer) error {
	f, err := r.frame()
	if err != nil {
		return err
	}

	svgRenderer := svg.New(w, f.width, f.height, nil)
	r.renderToCanvas(svgRenderer, f)

	// Close writes the closing tags
	return svgRenderer.Close()
}

// RenderToPNG writes the mesh as a PNG with pin labels to the provided writer
func (r *MeshRenderer) RenderToPNG(w io.Writer) error {
	f, err := r.frame()
	if err != nil {
		return err
	}

	resolution := r.Resolution
	if resolution <= 0 {
		resolution = canvas.DPI(96)
	}
	rast := rasterizer.New(f.width, f.height, resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, f)

	// Canvas is y-up in millimeters; image pixels are y-down
	dpmm := resolution.DPMM()
	var positions []image.Point
	var triangles int
	if r.Mesh != nil {
		for _, v := range r.Mesh.Vertices() {
			cx, cy := f.toCanvas(v.X(), v.Y())
			positions = append(positions, image.Point{
				X: int(math.Round(cx * dpmm)),
				Y: int(math.Round((f.height - cy) * dpmm)),
			})
		}
		triangles = len(r.Mesh.Triangles())
	}
	drawLabels(rast, r.Labels, positions, summaryLine(len(positions), triangles))

	return png.Encode(w, rast)
}

// renderToCanvas draws the mesh layers (shared logic for SVG and PNG)
func (r *MeshRenderer) renderToCanvas(renderer canvasRenderer, f frame) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(f.width, f.height), bgStyle, canvas.Identity)

	if r.GridSpacing > 0 {
		r.renderGrid(renderer, f)
	}

	if r.Mesh != nil {
		r.renderMesh(renderer, f)
	}

	if r.Viewer != nil {
		r.renderViewer(renderer, f)
	}
}

func (r *MeshRenderer) renderGrid(renderer canvasRenderer, f frame) {
	gridStyle := canvas.DefaultStyle
	gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	gridStyle.Stroke = canvas.Paint{Color: canvas.Gray}
	gridStyle.StrokeWidth = 0.3
	gridStyle.Dashes = []float64{2.0, 2.0}

	minX, minY := f.bound[0]-f.padding, f.bound[1]-f.padding
	maxX, maxY := f.bound[2]+f.padding, f.bound[3]+f.padding

	for x := math.Ceil(minX/r.GridSpacing) * r.GridSpacing; x <= maxX; x += r.GridSpacing {
		gridPath := &canvas.Path{}
		x1, y1 := f.toCanvas(x, minY)
		x2, y2 := f.toCanvas(x, maxY)
		gridPath.MoveTo(x1, y1)
		gridPath.LineTo(x2, y2)
		renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
	}

	for y := math.Ceil(minY/r.GridSpacing) * r.GridSpacing; y <= maxY; y += r.GridSpacing {
		gridPath := &canvas.Path{}
		x1, y1 := f.toCanvas(minX, y)
		x2, y2 := f.toCanvas(maxX, y)
		gridPath.MoveTo(x1, y1)
		gridPath.LineTo(x2, y2)
		renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
	}
}

func (r *MeshRenderer) renderMesh(renderer canvasRenderer, f frame) {
	verts := r.Mesh.Vertices()

	triStyle := canvas.DefaultStyle
	triStyle.Fill = canvas.Paint{Color: nrgbaToRGBA(r.Colors.Triangle)}
	triStyle.Stroke = canvas.Paint{Color: nrgbaToRGBA(r.Colors.Edge)}
	triStyle.StrokeWidth = 0.5

	for _, tri := range r.Mesh.Triangles() {
		cp := &canvas.Path{}
		for i, idx := range tri.Idx {
			cx, cy := f.toCanvas(verts[idx].X(), verts[idx].Y())
			if i == 0 {
				cp.MoveTo(cx, cy)
			} else {
				cp.LineTo(cx, cy)
			}
		}
		cp.Close()
		renderer.RenderPath(cp, triStyle, canvas.Identity)
	}

	hullStyle := canvas.DefaultStyle
	hullStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	hullStyle.Stroke = canvas.Paint{Color: nrgbaToRGBA(r.Colors.Exterior)}
	hullStyle.StrokeWidth = 1.2

	for _, e := range r.Mesh.ExteriorEdges() {
		cp := &canvas.Path{}
		x1, y1 := f.toCanvas(verts[e.A].X(), verts[e.A].Y())
		x2, y2 := f.toCanvas(verts[e.B].X(), verts[e.B].Y())
		cp.MoveTo(x1, y1)
		cp.LineTo(x2, y2)
		renderer.RenderPath(cp, hullStyle, canvas.Identity)
	}

	pinStyle := canvas.DefaultStyle
	pinStyle.Fill = canvas.Paint{Color: nrgbaToRGBA(r.Colors.Vertex)}
	pinStyle.Stroke = canvas.Paint{Color: canvas.Black}
	pinStyle.StrokeWidth = 0.4

	for _, v := range verts {
		cx, cy := f.toCanvas(v.X(), v.Y())
		renderer.RenderPath(canvas.Circle(2.0).Translate(cx, cy), pinStyle, canvas.Identity)
	}
}

func (r *MeshRenderer) renderViewer(renderer canvasRenderer, f frame) {
	viewerColor := nrgbaToRGBA(r.Colors.Viewer)
	cx, cy := f.toCanvas(r.Viewer.Position.X, r.Viewer.Position.Y)

	outerStyle := canvas.DefaultStyle
	outerStyle.Fill = canvas.Paint{Color: viewerColor}
	outerStyle.Stroke = canvas.Paint{Color: canvas.Black}
	outerStyle.StrokeWidth = 0.5
	renderer.RenderPath(canvas.Circle(3.0).Translate(cx, cy), outerStyle, canvas.Identity)

	// Heading: the rotated forward axis projected onto the ground plane
	forward := TransformPosition(Pose{Rotation: r.Viewer.Rotation}, r3.Vec{X: 1})
	heading := math.Hypot(forward.X, forward.Y)
	if heading < 1e-9 {
		return
	}
	dirLen := 8.0
	dx := dirLen * forward.X / heading
	dy := dirLen * forward.Y / heading

	dirStyle := canvas.DefaultStyle
	dirStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	dirStyle.Stroke = canvas.Paint{Color: viewerColor}
	dirStyle.StrokeWidth = 1.0

	dirPath := &canvas.Path{}
	dirPath.MoveTo(cx, cy)
	dirPath.LineTo(cx+dx, cy+dy)
	renderer.RenderPath(dirPath, dirStyle, canvas.Identity)
}
