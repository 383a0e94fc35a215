package ingest

import (
	"fmt"

	"github.com/xalapa-transit/ingest/models"
)

const (
	DefaultSpacingDivisor = 30
	DefaultMinStops       = 5
	DefaultMaxStops       = 40
)

// Options controlling stop generation
type StopOptions struct {
	// Explicit target count; 0 derives one from the polyline density.
	TargetCount int

	// One generated stop per this many polyline points.
	SpacingDivisor int

	MinStops int
	MaxStops int

	// Stop point features from a separate stops shapefile. When present,
	// this set is authoritative and used as-is after terminal tagging.
	External []StopFeature
}

func (o *StopOptions) applyDefaults() {
	if o.SpacingDivisor <= 0 {
		o.SpacingDivisor = DefaultSpacingDivisor
	}
	if o.MinStops <= 0 {
		o.MinStops = DefaultMinStops
	}
	if o.MaxStops <= 0 {
		o.MaxStops = DefaultMaxStops
	}
}

// Derive the ordered stop set for a route polyline: terminals at the first
// and last points, intermediate stops at uniform index steps between them.
// Pure: the same inputs always produce the same stops.
func GenerateStops(routeID int64, polyline *models.RoutePolyline, opts StopOptions) (models.StopArray, error) {
	opts.applyDefaults()

	if polyline == nil || len(polyline.Points) < 2 {
		return nil, fmt.Errorf("%w: route %d", ErrInsufficientGeometry, routeID)
	}

	// An externally supplied stop set is the route's authoritative one.
	if len(opts.External) > 0 {
		return stopsFromFeatures(routeID, opts.External), nil
	}

	points := polyline.Points

	targetCount := opts.TargetCount
	if targetCount <= 0 {
		targetCount = clamp(len(points)/opts.SpacingDivisor, opts.MinStops, opts.MaxStops)
	}
	if targetCount > len(points) {
		targetCount = len(points)
	}
	if targetCount < 2 {
		targetCount = 2
	}

	stops := make(models.StopArray, 0, targetCount)

	stops = append(stops, &models.Stop{
		RouteID:      routeID,
		Name:         fmt.Sprintf("Terminal Inicio %d", routeID),
		Location:     polyline.First(),
		IsTerminal:   true,
		TerminalType: models.TerminalFirst,
	})

	interval := len(points) / (targetCount - 1)
	if interval < 1 {
		interval = 1
	}
	for i := 1; i < targetCount-1; i++ {
		index := i * interval
		if index >= len(points)-1 {
			break
		}
		stops = append(stops, &models.Stop{
			RouteID:      routeID,
			Name:         fmt.Sprintf("Parada %d-%d", routeID, i),
			Location:     points[index],
			TerminalType: models.TerminalNone,
		})
	}

	stops = append(stops, &models.Stop{
		RouteID:      routeID,
		Name:         fmt.Sprintf("Terminal Fin %d", routeID),
		Location:     polyline.Last(),
		IsTerminal:   true,
		TerminalType: models.TerminalLast,
	})

	return stops, nil
}

// Build the stop set from external stop features: first feature tagged as
// the first terminal, last as the last, the rest untagged.
func stopsFromFeatures(routeID int64, features []StopFeature) models.StopArray {
	stops := make(models.StopArray, len(features))
	for i, feature := range features {
		name := feature.Name
		if name == "" {
			name = fmt.Sprintf("Parada %d-%d", routeID, i)
		}

		stop := &models.Stop{
			RouteID:      routeID,
			Name:         name,
			Location:     feature.Location,
			TerminalType: models.TerminalNone,
		}
		if i == 0 {
			stop.IsTerminal = true
			stop.TerminalType = models.TerminalFirst
		} else if i == len(features)-1 && len(features) >= 2 {
			stop.IsTerminal = true
			stop.TerminalType = models.TerminalLast
		}
		stops[i] = stop
	}
	return stops
}

func clamp(value, low, high int) int {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}
