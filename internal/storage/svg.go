package storage

import (
	"fmt"
	"os"
	"strings"
)

// Series names accepted by ExportSVG.
var Series = map[string]func(StepRecord) float64{
	"active_cells":  func(r StepRecord) float64 { return float64(r.ActiveCells) },
	"max_occupancy": func(r StepRecord) float64 { return float64(r.MaxOccupancy) },
	"rebuild_us":    func(r StepRecord) float64 { return float64(r.RebuildUS) },
}

// ExportSVG renders one per-step series of run runID as an SVG line chart.
func (s *Store) ExportSVG(runID, series, path string) error {
	value, ok := Series[series]
	if !ok {
		return fmt.Errorf("unknown series %q", series)
	}
	steps, err := s.LoadSteps(runID)
	if err != nil {
		return err
	}
	points := make([]Point, len(steps))
	for i, r := range steps {
		points[i] = Point{X: r.Time, Y: value(r)}
	}
	svg := LineSVG(points, 800, 300, "#00ccff")
	if svg == "" {
		return fmt.Errorf("run %s has fewer than two steps", runID)
	}
	if path == "-" {
		_, err := fmt.Fprintln(os.Stdout, svg)
		return err
	}
	return os.WriteFile(path, []byte(svg), 0644)
}

type Point struct{ X, Y float64 }

// LineSVG draws points as a polyline scaled to width by height with 10%
// padding on each axis. It returns "" for fewer than two points.
func LineSVG(points []Point, width, height int, stroke string) string {
	if len(points) < 2 {
		return ""
	}

	minX, maxX := points[0].X, points[0].X
	minY, maxY := points[0].Y, points[0].Y
	for _, p := range points {
		minX, maxX = min(minX, p.X), max(maxX, p.X)
		minY, maxY = min(minY, p.Y), max(maxY, p.Y)
	}

	rangeX := maxX - minX
	rangeY := maxY - minY
	if rangeX == 0 {
		rangeX = 1
	}
	if rangeY == 0 {
		rangeY = 1
	}
	minX -= rangeX * 0.1
	minY -= rangeY * 0.1
	rangeX *= 1.2
	rangeY *= 1.2

	var sb strings.Builder
	fmt.Fprintf(&sb, `<?xml version="1.0" encoding="UTF-8"?>
<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">
<rect width="100%%" height="100%%" fill="#0a0a0a"/>
<path fill="none" stroke="%s" stroke-width="1.5" d="M`,
		width, height, width, height, stroke)

	for i, p := range points {
		x := (p.X - minX) / rangeX * float64(width)
		y := float64(height) - (p.Y-minY)/rangeY*float64(height)
		if i == 0 {
			fmt.Fprintf(&sb, "%.1f,%.1f", x, y)
		} else {
			fmt.Fprintf(&sb, " L%.1f,%.1f", x, y)
		}
	}

	sb.WriteString(`"/>
</svg>`)
	return sb.String()
}
