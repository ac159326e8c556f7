// Package aggregate renders the spatial distribution of logged detections.
package aggregate

import (
	"bytes"
	"fmt"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/dj-oyu/cyolo-monitor/internal/annotate"
	"github.com/dj-oyu/cyolo-monitor/pkg/types"
)

const (
	plotWidth  = 8 * vg.Inch
	plotHeight = 5 * vg.Inch
)

// Group is the set of positions observed for one class.
type Group struct {
	ClassName string
	ClassID   int
	Points    plotter.XYs
}

// GroupByClass splits a snapshot by ClassName, sorted by name. Each point is
// the box origin in frame coordinates.
func GroupByClass(snapshot []types.Detection) []Group {
	idx := make(map[string]int)
	var groups []Group
	for _, d := range snapshot {
		i, ok := idx[d.ClassName]
		if !ok {
			i = len(groups)
			idx[d.ClassName] = i
			groups = append(groups, Group{ClassName: d.ClassName, ClassID: d.ClassID})
		}
		groups[i].Points = append(groups[i].Points, plotter.XY{X: float64(d.X), Y: float64(d.Y)})
	}
	sort.Slice(groups, func(a, b int) bool { return groups[a].ClassName < groups[b].ClassName })
	return groups
}

// Render draws one scatter series per class as a PNG. The Y axis grows
// downward like image coordinates. ok is false when there is nothing to plot.
func Render(snapshot []types.Detection) (png []byte, ok bool, err error) {
	groups := GroupByClass(snapshot)
	if len(groups) == 0 {
		return nil, false, nil
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Detections by class (%d)", len(snapshot))
	p.X.Label.Text = "X"
	p.Y.Label.Text = "Y"
	p.Y.Scale = plot.InvertedScale{Normalizer: p.Y.Scale}
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	for _, g := range groups {
		s, err := plotter.NewScatter(g.Points)
		if err != nil {
			return nil, false, fmt.Errorf("scatter %s: %w", g.ClassName, err)
		}
		s.GlyphStyle.Color = annotate.ClassColor(g.ClassID)
		s.GlyphStyle.Shape = draw.CircleGlyph{}
		s.GlyphStyle.Radius = vg.Points(3)
		p.Add(s)
		p.Legend.Add(g.ClassName, s)
	}

	wt, err := p.WriterTo(plotWidth, plotHeight, "png")
	if err != nil {
		return nil, false, err
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, false, err
	}
	return buf.Bytes(), true, nil
}
