package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/xalapa-transit/ingest/models"
)

// Pipeline state of a single route import
type State string

const (
	StatePending         State = "pending"
	StateExtracting      State = "extracting"
	StateNormalizing     State = "normalizing"
	StateSnapping        State = "snapping"
	StateGeneratingStops State = "generating-stops"
	StateClassifying     State = "classifying"
	StatePersisting      State = "persisting"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

// Options for one orchestrator run
type ImportOptions struct {
	// Re-import routes that already have stops.
	Force bool

	// Snap geometry to the road network after normalising.
	Snap bool

	Stops StopOptions
}

// Outcome of one route's trip through the pipeline
type RouteResult struct {
	RouteID int64
	State   State
	Stops   int
	Skipped bool

	// Error that moved the route to StateFailed, nil otherwise.
	Err error

	// Stop inserts that failed individually; the route still completed.
	PartialErrors int
}

// Aggregate outcome of an orchestrator run over many routes
type JobSummary struct {
	Processed int
	Succeeded int
	Skipped   int
	Failed    int
	Results   []RouteResult
}

func (s *JobSummary) record(result RouteResult) {
	s.Processed++
	switch {
	case result.Skipped:
		s.Skipped++
	case result.State == StateDone:
		s.Succeeded++
	default:
		s.Failed++
	}
	s.Results = append(s.Results, result)
}

// Sequences extraction, normalisation, snapping, stop generation,
// classification, and persistence per route. Routes run strictly one at a
// time; the external converter and the matching API must never be hit
// concurrently.
type Pipeline struct {
	cfg       Config
	store     Store
	extractor *Extractor
	snapper   *Snapper
}

func NewPipeline(cfg Config, store Store, snapper *Snapper) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		store:     store,
		extractor: NewExtractor(cfg.Sources.ConverterPath),
		snapper:   snapper,
	}
}

// Import every discovered archive whose route id passes the filter, in
// fixed-size lots with inter-route and inter-lot delays. Per-route failures
// are logged and counted; the batch always runs to completion.
func (p *Pipeline) ImportArchives(archives []RouteArchive, filter func(int64) bool, opts ImportOptions) JobSummary {
	summary := JobSummary{}

	var selected []RouteArchive
	for _, archive := range archives {
		if filter == nil || filter(archive.RouteID) {
			selected = append(selected, archive)
		}
	}

	lotSize := p.cfg.Pacing.LotSize
	if lotSize <= 0 {
		lotSize = len(selected)
	}

	totalLots := (len(selected) + lotSize - 1) / max(lotSize, 1)
	log.Infof("Importing %d routes in %d lots of up to %d", len(selected), totalLots, lotSize)

	for start := 0; start < len(selected); start += lotSize {
		end := min(start+lotSize, len(selected))
		lot := selected[start:end]
		lotNumber := start/lotSize + 1

		log.Infof("Processing lot %d/%d (%d routes)", lotNumber, totalLots, len(lot))

		for i, archive := range lot {
			result := p.ImportArchive(archive, opts)
			summary.record(result)

			if i < len(lot)-1 && p.cfg.RouteDelay() > 0 {
				time.Sleep(p.cfg.RouteDelay())
			}
		}

		if end < len(selected) && p.cfg.LotDelay() > 0 {
			log.Infof("Lot %d complete, waiting %s before the next lot", lotNumber, p.cfg.LotDelay())
			time.Sleep(p.cfg.LotDelay())
		}
	}

	log.Infof("Import finished: %d succeeded, %d skipped, %d failed of %d",
		summary.Succeeded, summary.Skipped, summary.Failed, summary.Processed)
	return summary
}

// Run a single route archive through the full pipeline state machine.
func (p *Pipeline) ImportArchive(archive RouteArchive, opts ImportOptions) RouteResult {
	result := RouteResult{RouteID: archive.RouteID, State: StatePending}

	// Idempotency: a route that already has stops was imported before.
	if !opts.Force {
		count, err := p.store.CountStopsForRoute(archive.RouteID)
		if err == nil && count > 0 {
			if _, err := p.store.GetRoute(archive.RouteID); err == nil {
				log.Infof("Route %d already imported with %d stops, skipping", archive.RouteID, count)
				result.State = StateDone
				result.Skipped = true
				result.Stops = count
				return result
			}
		}
	}

	result.State = StateExtracting
	raw, err := p.extractor.ExtractArchive(archive.Path)
	if err != nil {
		return p.fail(result, err)
	}

	result.State = StateNormalizing
	polyline, err := Normalize(raw)
	if err != nil {
		return p.fail(result, err)
	}
	polyline.SourceFormat = models.ShapefileSource

	// A sibling stops archive supplies the authoritative stop set.
	var external []StopFeature
	if archive.StopsPath != "" {
		stopsRaw, err := p.extractor.ExtractArchive(archive.StopsPath)
		if err != nil {
			log.Warnf("Route %d: stops archive unusable, generating stops instead: %v", archive.RouteID, err)
		} else {
			external = ParseStopFeatures(stopsRaw)
		}
	}

	if opts.Snap {
		result.State = StateSnapping
		stopLocations := make([]models.Coordinate, len(external))
		for i, feature := range external {
			stopLocations[i] = feature.Location
		}

		snapped, err := p.snapper.Snap(IntegrateStops(polyline, stopLocations), SnapOptions{
			BatchSize:      p.cfg.Matching.BatchSize,
			Overlap:        p.cfg.Matching.Overlap,
			RadiusMeters:   p.cfg.Matching.RadiusMeters,
			AdaptiveRadius: p.cfg.Matching.AdaptiveRadius,
			ChunkDelay:     p.cfg.ChunkDelay(),
		})
		if err != nil {
			return p.fail(result, err)
		}
		polyline = snapped
	}

	result.State = StateGeneratingStops
	stopOpts := opts.Stops
	stopOpts.External = external
	stops, err := GenerateStops(archive.RouteID, polyline, stopOpts)
	if err != nil {
		return p.fail(result, err)
	}

	result.State = StateClassifying
	classification := Classify(archive.RouteID, archive.Name, len(polyline.Points))

	route := &models.Route{
		ID:              archive.RouteID,
		Name:            archive.Name,
		ShortName:       fmt.Sprintf("R%d", archive.RouteID),
		Color:           classification.Color,
		Zone:            classification.Zone,
		Frequency:       classification.Frequency,
		ScheduleStart:   "05:30 AM",
		ScheduleEnd:     "10:30 PM",
		ApproximateTime: classification.ApproximateTime,
		Geometry:        polyline,
	}

	result.State = StatePersisting
	persisted, partial, err := p.persist(route, stops)
	if err != nil {
		return p.fail(result, err)
	}

	result.State = StateDone
	result.Stops = persisted
	result.PartialErrors = partial
	log.Infof("Route %d imported: %d points, %d stops, zone %s",
		route.ID, len(polyline.Points), persisted, route.Zone)
	return result
}

// Import every line placemark of a KML document whose route id passes the
// filter. Placemark descriptions travel into classification, so colour notes
// in the KML take effect.
func (p *Pipeline) ImportKML(kmlPath string, filter func(int64) bool, opts ImportOptions) JobSummary {
	summary := JobSummary{}

	file, err := os.Open(kmlPath)
	if err != nil {
		log.Errorf("Failed to open KML document %s: %v", kmlPath, err)
		return summary
	}
	placemarks, err := ParseKMLPlacemarks(file)
	file.Close()
	if err != nil {
		log.Errorf("Failed to parse KML document %s: %v", kmlPath, err)
		return summary
	}

	log.Infof("Importing %d placemarks from %s", len(placemarks), kmlPath)

	for _, placemark := range placemarks {
		routeID := ExtractRouteIDFromName(placemark.Name)
		if routeID == 0 {
			log.Warnf("Skipping placemark with no route id in name: %q", placemark.Name)
			continue
		}
		if filter != nil && !filter(routeID) {
			continue
		}

		summary.record(p.importPlacemark(routeID, placemark, opts))

		if p.cfg.RouteDelay() > 0 {
			time.Sleep(p.cfg.RouteDelay())
		}
	}

	log.Infof("KML import finished: %d succeeded, %d skipped, %d failed of %d",
		summary.Succeeded, summary.Skipped, summary.Failed, summary.Processed)
	return summary
}

func (p *Pipeline) importPlacemark(routeID int64, placemark KMLPlacemark, opts ImportOptions) RouteResult {
	result := RouteResult{RouteID: routeID, State: StatePending}

	if !opts.Force {
		count, err := p.store.CountStopsForRoute(routeID)
		if err == nil && count > 0 {
			if _, err := p.store.GetRoute(routeID); err == nil {
				log.Infof("Route %d already imported with %d stops, skipping", routeID, count)
				result.State = StateDone
				result.Skipped = true
				result.Stops = count
				return result
			}
		}
	}

	result.State = StateNormalizing
	polyline, err := ParseKMLCoordinates(placemark.Coordinates)
	if err != nil {
		return p.fail(result, err)
	}
	if err := polyline.Validate(); err != nil {
		return p.fail(result, fmt.Errorf("%w: %v", ErrInsufficientPoints, err))
	}

	if opts.Snap {
		result.State = StateSnapping
		snapped, err := p.snapper.Snap(polyline, SnapOptions{
			BatchSize:      p.cfg.Matching.BatchSize,
			Overlap:        p.cfg.Matching.Overlap,
			RadiusMeters:   p.cfg.Matching.RadiusMeters,
			AdaptiveRadius: p.cfg.Matching.AdaptiveRadius,
			ChunkDelay:     p.cfg.ChunkDelay(),
		})
		if err != nil {
			return p.fail(result, err)
		}
		polyline = snapped
	}

	result.State = StateGeneratingStops
	stops, err := GenerateStops(routeID, polyline, opts.Stops)
	if err != nil {
		return p.fail(result, err)
	}

	result.State = StateClassifying
	classification := Classify(routeID, placemark.Name+" "+placemark.Description, len(polyline.Points))

	route := &models.Route{
		ID:              routeID,
		Name:            strings.TrimSpace(placemark.Name),
		ShortName:       fmt.Sprintf("R%d", routeID),
		Color:           classification.Color,
		Zone:            classification.Zone,
		Frequency:       classification.Frequency,
		ScheduleStart:   "05:30 AM",
		ScheduleEnd:     "10:30 PM",
		ApproximateTime: classification.ApproximateTime,
		Geometry:        polyline,
	}

	result.State = StatePersisting
	persisted, partial, err := p.persist(route, stops)
	if err != nil {
		return p.fail(result, err)
	}

	result.State = StateDone
	result.Stops = persisted
	result.PartialErrors = partial
	log.Infof("Route %d imported from KML: %d points, %d stops, zone %s",
		routeID, len(polyline.Points), persisted, route.Zone)
	return result
}

// Persist a route and its stop set. Stops are replaced as a unit: delete all
// existing stops for the route, then insert the new set. A single bad stop
// insert is logged and skipped, never aborting its siblings.
func (p *Pipeline) persist(route *models.Route, stops models.StopArray) (int, int, error) {
	existing, err := p.store.GetRoute(route.ID)
	if err == nil && existing != nil {
		err = p.store.UpdateRoute(route.ID, func(r *models.Route) {
			*r = *route
		})
	} else {
		err = p.store.CreateRoute(route)
	}
	if err != nil {
		return 0, 0, err
	}

	if err := p.store.DeleteStopsForRoute(route.ID); err != nil {
		return 0, 0, err
	}

	persisted, partial := 0, 0
	for _, stop := range stops {
		if err := p.store.CreateStop(stop); err != nil {
			log.Errorf("Route %d: failed to insert stop %q: %v", route.ID, stop.Name, err)
			partial++
			continue
		}
		persisted++
	}

	// stopsCount is a derived cache; keep it consistent with what landed.
	err = p.store.UpdateRoute(route.ID, func(r *models.Route) {
		r.StopsCount = persisted
	})
	if err != nil {
		return persisted, partial, err
	}

	return persisted, partial, nil
}

// Re-snap the geometry of an already-imported route and regenerate its
// stops; point density changes, so the old stop set no longer lines up.
func (p *Pipeline) ReSnapRoute(routeID int64, opts ImportOptions) RouteResult {
	result := RouteResult{RouteID: routeID, State: StatePending}

	route, err := p.store.GetRoute(routeID)
	if err != nil {
		return p.fail(result, err)
	}
	if route.Geometry == nil || len(route.Geometry.Points) < 2 {
		return p.fail(result, fmt.Errorf("%w: route %d has no geometry", ErrInsufficientGeometry, routeID))
	}

	log.Infof("Re-snapping route %d: %s (%s)", routeID, route.Name, route.ShortName)

	stops, err := p.store.StopsForRoute(routeID)
	if err != nil {
		return p.fail(result, err)
	}
	stopLocations := make([]models.Coordinate, len(stops))
	for i, stop := range stops {
		stopLocations[i] = stop.Location
	}

	p.backupGeometry(routeID, "original", route.Geometry)

	result.State = StateSnapping
	snapped, err := p.snapper.Snap(IntegrateStops(route.Geometry, stopLocations), SnapOptions{
		BatchSize:      p.cfg.Matching.BatchSize,
		Overlap:        p.cfg.Matching.Overlap,
		RadiusMeters:   p.cfg.Matching.RadiusMeters,
		AdaptiveRadius: p.cfg.Matching.AdaptiveRadius,
		ChunkDelay:     p.cfg.ChunkDelay(),
	})
	if err != nil {
		return p.fail(result, err)
	}

	p.backupGeometry(routeID, "snapped", snapped)

	result.State = StateGeneratingStops
	stopOpts := opts.Stops
	regenerated, err := GenerateStops(routeID, snapped, stopOpts)
	if err != nil {
		return p.fail(result, err)
	}

	route.Geometry = snapped

	result.State = StatePersisting
	persisted, partial, err := p.persist(route, regenerated)
	if err != nil {
		return p.fail(result, err)
	}

	result.State = StateDone
	result.Stops = persisted
	result.PartialErrors = partial
	log.Infof("Route %d re-snapped: %d points, %d stops", routeID, len(snapped.Points), persisted)
	return result
}

// Regenerate the stop set of an already-imported route from its current
// geometry, without touching the geometry itself.
func (p *Pipeline) RegenerateStops(routeID int64, opts StopOptions) RouteResult {
	result := RouteResult{RouteID: routeID, State: StatePending}

	route, err := p.store.GetRoute(routeID)
	if err != nil {
		return p.fail(result, err)
	}

	result.State = StateGeneratingStops
	stops, err := GenerateStops(routeID, route.Geometry, opts)
	if err != nil {
		return p.fail(result, err)
	}

	result.State = StatePersisting
	persisted, partial, err := p.persist(route, stops)
	if err != nil {
		return p.fail(result, err)
	}

	result.State = StateDone
	result.Stops = persisted
	result.PartialErrors = partial
	return result
}

// Re-snap a set of routes sequentially with inter-route delays.
func (p *Pipeline) ReSnapRoutes(routeIDs []int64, opts ImportOptions) JobSummary {
	summary := JobSummary{}

	for i, routeID := range routeIDs {
		summary.record(p.ReSnapRoute(routeID, opts))

		if i < len(routeIDs)-1 && p.cfg.RouteDelay() > 0 {
			time.Sleep(p.cfg.RouteDelay())
		}
	}

	log.Infof("Re-snap finished: %d succeeded, %d failed of %d",
		summary.Succeeded, summary.Failed, summary.Processed)
	return summary
}

func (p *Pipeline) fail(result RouteResult, err error) RouteResult {
	log.Errorf("Route %d failed while %s: %v", result.RouteID, result.State, err)
	result.State = StateFailed
	result.Err = err
	return result
}

// Write a geometry backup file before replacing a route's polyline. Backup
// failures are logged, never fatal.
func (p *Pipeline) backupGeometry(routeID int64, label string, polyline *models.RoutePolyline) {
	if p.cfg.Sources.BackupDir == "" {
		return
	}
	if err := os.MkdirAll(p.cfg.Sources.BackupDir, 0755); err != nil {
		log.Warnf("Could not create backup directory: %v", err)
		return
	}

	data, err := json.Marshal(polyline.ToFeature(map[string]any{"id": routeID}))
	if err != nil {
		log.Warnf("Could not encode backup for route %d: %v", routeID, err)
		return
	}

	path := filepath.Join(p.cfg.Sources.BackupDir, fmt.Sprintf("route_%d_%s.json", routeID, label))
	if err := os.WriteFile(path, data, 0644); err != nil {
		log.Warnf("Could not write backup for route %d: %v", routeID, err)
	}
}
