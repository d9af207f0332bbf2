// Package chart renders the weight history plot.
package chart

import (
	"fmt"
	"image/color"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/CK6170/Spoolscale-go/internal/fsutil"
	"github.com/CK6170/Spoolscale-go/scale"
)

// Renderer writes the raw history as points and the smoothed trend as a line.
// The image format follows the file extension (png, svg, pdf, jpg).
type Renderer struct {
	Path   string
	Width  vg.Length
	Height vg.Length
}

var _ scale.Renderer = (*Renderer)(nil)

func NewRenderer(path string) *Renderer {
	return &Renderer{Path: path, Width: 8 * vg.Inch, Height: 4 * vg.Inch}
}

func xys(x, y []float64) plotter.XYs {
	pts := make(plotter.XYs, min(len(x), len(y)))
	for i := range pts {
		pts[i].X, pts[i].Y = x[i], y[i]
	}
	return pts
}

// Title summarises the latest value, and the remaining length when the
// filament density and diameter are known.
func Title(d scale.PlotData) string {
	if len(d.Raw) == 0 {
		return "No data"
	}
	last := d.Raw[len(d.Raw)-1]
	if len(d.Smoothed) == len(d.Raw) {
		last = d.Smoothed[len(d.Smoothed)-1]
	}
	title := fmt.Sprintf("%s g", humanize.CommafWithDigits(last, 1))
	if m, ok := scale.FilamentLength(last, d.Density, d.Diameter); ok {
		title += fmt.Sprintf(" (%s m remaining)", humanize.CommafWithDigits(m, 1))
	}
	return title
}

func (r *Renderer) Render(d scale.PlotData) error {
	if len(d.Raw) == 0 {
		return nil
	}
	p := plot.New()
	p.Title.Text = Title(d)
	p.X.Label.Text = "Minutes"
	p.Y.Label.Text = "Weight (g)"
	p.Add(plotter.NewGrid())

	raw, err := plotter.NewScatter(xys(d.Times, d.Raw))
	if err != nil {
		return fmt.Errorf("raw series: %w", err)
	}
	raw.GlyphStyle.Radius = vg.Points(1.5)
	raw.GlyphStyle.Color = color.RGBA{R: 120, G: 120, B: 120, A: 255}
	p.Add(raw)
	p.Legend.Add("samples", raw)

	if len(d.Smoothed) > 0 {
		line, err := plotter.NewLine(xys(d.Times, d.Smoothed))
		if err != nil {
			return fmt.Errorf("smoothed series: %w", err)
		}
		line.LineStyle.Width = vg.Points(1.5)
		line.LineStyle.Color = color.RGBA{R: 200, G: 40, B: 40, A: 255}
		p.Add(line)
		p.Legend.Add("trend", line)
	}
	p.Legend.Top = true

	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(r.Path)), ".")
	if format == "" {
		format = "png"
	}
	w, h := r.Width, r.Height
	if w == 0 || h == 0 {
		w, h = 8*vg.Inch, 4*vg.Inch
	}
	wt, err := p.WriterTo(w, h, format)
	if err != nil {
		return fmt.Errorf("plot %s: %w", r.Path, err)
	}
	return fsutil.WriteAtomic(r.Path, wt, 0o644)
}
