// Package qa renders quality-assessment plots of sensitivity functions.
package qa

import (
	"fmt"
	"image/color"
	"io"
	"math"

	"github.com/RMahshie/fluxcal/pkg/models"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// Plot size.
var (
	Width  = 10 * vg.Inch
	Height = 6 * vg.Inch
)

var (
	dataColor   = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	maskedColor = color.RGBA{R: 255, G: 78, B: 96, A: 255}
	modelColor  = color.RGBA{A: 255}
)

// SensFunc draws the zeropoint data, rejected samples and fitted model of
// every order.
func SensFunc(tbl *models.SensitivityTable) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s sensitivity function", tbl.Algorithm)
	if tbl.StdCal != "" {
		p.Title.Text += ": " + tbl.StdCal
	}
	p.X.Label.Text = "Wavelength (Ang)"
	p.Y.Label.Text = "Zeropoint (AB mag)"
	p.Add(plotter.NewGrid())

	var kept, masked plotter.XYs
	for i := range tbl.Orders {
		o := &tbl.Orders[i]
		for j, w := range o.Wave {
			zp := o.ZeroPointData[j]
			if math.IsNaN(zp) || math.IsInf(zp, 0) {
				continue
			}
			if o.Mask[j] {
				masked = append(masked, plotter.XY{X: w, Y: zp})
			} else {
				kept = append(kept, plotter.XY{X: w, Y: zp})
			}
		}
		if o.FullyMasked || o.Len() == 0 {
			continue
		}
		model := make(plotter.XYs, o.Len())
		for j, w := range o.Wave {
			model[j] = plotter.XY{X: w, Y: o.ZeroPoint[j]}
		}
		line, err := plotter.NewLine(model)
		if err != nil {
			return nil, fmt.Errorf("order %d model: %w", i, err)
		}
		line.Color = modelColor
		line.Width = vg.Points(1.5)
		p.Add(line)
		if i == 0 {
			p.Legend.Add("model", line)
		}
	}

	if len(kept) > 0 {
		s, err := plotter.NewScatter(kept)
		if err != nil {
			return nil, fmt.Errorf("zeropoint data: %w", err)
		}
		s.GlyphStyle.Color = dataColor
		s.GlyphStyle.Radius = vg.Points(1)
		s.GlyphStyle.Shape = draw.CircleGlyph{}
		p.Add(s)
		p.Legend.Add("data", s)
	}
	if len(masked) > 0 {
		s, err := plotter.NewScatter(masked)
		if err != nil {
			return nil, fmt.Errorf("masked data: %w", err)
		}
		s.GlyphStyle.Color = maskedColor
		s.GlyphStyle.Radius = vg.Points(2)
		s.GlyphStyle.Shape = draw.CrossGlyph{}
		p.Add(s)
		p.Legend.Add("masked", s)
	}
	p.Legend.Top = true
	return p, nil
}

// WritePNG renders the QA plot of tbl as PNG.
func WritePNG(w io.Writer, tbl *models.SensitivityTable) error {
	p, err := SensFunc(tbl)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(Width, Height, "png")
	if err != nil {
		return fmt.Errorf("render qa plot: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write qa plot: %w", err)
	}
	return nil
}

// SavePNG writes the QA plot of tbl to path.
func SavePNG(path string, tbl *models.SensitivityTable) error {
	p, err := SensFunc(tbl)
	if err != nil {
		return err
	}
	if err := p.Save(Width, Height, path); err != nil {
		return fmt.Errorf("save qa plot: %w", err)
	}
	return nil
}
