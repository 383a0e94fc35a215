package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-set/v3"
	"github.com/xalapa-transit/ingest"
	"github.com/xalapa-transit/ingest/internal"
	"github.com/xalapa-transit/ingest/models"
)

const usage = `Usage: rutas-ingest <command> [flags]

Commands:
  import      Import route archives through the full pipeline
  import-kml  Import line placemarks from a KML document
  snap        Re-snap imported routes to the road network
  stops       Regenerate stops for imported routes
  export      Export routes and stops to the web app's SQLite database
  inspect     Print one route and its stops

Common flags:
  -config <path>        YAML configuration file
  -start <id> -end <id> Process route ids start..end inclusive
  -specific <id,...>    Process only the listed route ids
  -batch <n>            Lot size for batched processing
  -force                Re-import routes that already have stops
  -no-snap              Skip the road-snapping pass on import
  -kml <path>           KML document for import-kml
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	command := os.Args[1]
	flags := flag.NewFlagSet(command, flag.ExitOnError)
	configPath := flags.String("config", "", "YAML configuration file")
	rangeStart := flags.Int64("start", 0, "first route id of the range")
	rangeEnd := flags.Int64("end", 0, "last route id of the range")
	specific := flags.String("specific", "", "comma-separated route ids")
	batch := flags.Int("batch", 0, "lot size")
	force := flags.Bool("force", false, "re-import routes that already have stops")
	noSnap := flags.Bool("no-snap", false, "skip the road-snapping pass on import")
	kmlPath := flags.String("kml", "", "KML document for import-kml")
	flags.Parse(os.Args[2:])

	cfg, err := ingest.LoadConfig(*configPath)
	if err != nil {
		log.Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	if *batch > 0 {
		cfg.Pacing.LotSize = *batch
	}

	filter, ids := buildFilter(*rangeStart, *rangeEnd, *specific, flags.Args())

	db := openRouteDB(cfg.DBPath)
	snapper := ingest.NewSnapper(cfg.Matching.BaseURL, cfg.Matching.AccessToken)
	defer snapper.Close()
	pipeline := ingest.NewPipeline(cfg, db, snapper)

	opts := ingest.ImportOptions{
		Force: *force,
		Snap:  !*noSnap,
		Stops: ingest.StopOptions{
			SpacingDivisor: cfg.Pacing.SpacingDivisor,
			MinStops:       cfg.Pacing.MinStops,
			MaxStops:       cfg.Pacing.MaxStops,
		},
	}

	var exitCode int
	mutating := true
	switch command {
	case "import":
		exitCode = runImport(cfg, pipeline, filter, opts)
	case "import-kml":
		if *kmlPath != "" {
			cfg.Sources.KMLPath = *kmlPath
		}
		exitCode = runImportKML(cfg, pipeline, filter, opts)
	case "snap":
		exitCode = runSnap(pipeline, db, filter, ids, opts)
	case "stops":
		exitCode = runStops(pipeline, db, filter, ids, opts)
	case "export":
		mutating = false
		exitCode = runExport(cfg, db)
	case "inspect":
		mutating = false
		exitCode = runInspect(db, ids)
	default:
		fmt.Fprint(os.Stderr, usage)
		mutating = false
		exitCode = 1
	}

	if mutating && exitCode == 0 {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
			log.Errorf("Failed to create database directory: %v", err)
			os.Exit(1)
		}
		if err := db.Save(cfg.DBPath); err != nil {
			log.Errorf("Failed to save route database: %v", err)
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}

// Build a route-id filter from -start/-end, -specific, and positional
// arguments (<routeId> or <startId> <endId>).
func buildFilter(start, end int64, specific string, positional []string) (func(int64) bool, []int64) {
	ids := set.New[int64](0)

	if specific != "" {
		for _, token := range strings.Split(specific, ",") {
			token = strings.TrimSpace(token)
			if token == "" {
				continue
			}
			id, err := strconv.ParseInt(token, 10, 64)
			if err != nil {
				log.Errorf("Invalid route id %q", token)
				os.Exit(1)
			}
			ids.Insert(id)
		}
	}

	switch len(positional) {
	case 0:
	case 1:
		id, err := strconv.ParseInt(positional[0], 10, 64)
		if err != nil {
			log.Errorf("Invalid route id %q", positional[0])
			os.Exit(1)
		}
		ids.Insert(id)
	default:
		var err1, err2 error
		start, err1 = strconv.ParseInt(positional[0], 10, 64)
		end, err2 = strconv.ParseInt(positional[1], 10, 64)
		if err1 != nil || err2 != nil {
			log.Errorf("Invalid route id range %q %q", positional[0], positional[1])
			os.Exit(1)
		}
	}

	hasRange := start > 0 && end >= start
	hasIDs := ids.Size() > 0

	filter := func(id int64) bool {
		if hasIDs {
			return ids.Contains(id)
		}
		if hasRange {
			return id >= start && id <= end
		}
		return true
	}

	sorted := ids.Slice()
	if !hasIDs && hasRange {
		for id := start; id <= end; id++ {
			sorted = append(sorted, id)
		}
	}

	return filter, sorted
}

func openRouteDB(path string) *ingest.RouteDB {
	if _, err := os.Stat(path); err == nil {
		db, err := ingest.LoadRouteDB(path)
		if err != nil {
			log.Errorf("Failed to load route database %s: %v", path, err)
			os.Exit(1)
		}
		return db
	}
	return ingest.NewRouteDB()
}

func runImport(cfg ingest.Config, pipeline *ingest.Pipeline, filter func(int64) bool, opts ingest.ImportOptions) int {
	if cfg.Sources.ShapefilesDir == "" {
		log.Error("No shapefiles directory configured")
		return 1
	}

	archives, err := ingest.FindRouteArchives(cfg.Sources.ShapefilesDir)
	if err != nil {
		log.Errorf("Failed to scan %s: %v", cfg.Sources.ShapefilesDir, err)
		return 1
	}
	if len(archives) == 0 {
		log.Errorf("No route archives found under %s", cfg.Sources.ShapefilesDir)
		return 1
	}

	summary := pipeline.ImportArchives(archives, filter, opts)
	printSummary(summary)

	// Per-route failures do not fail the batch; only a run where nothing
	// succeeded does.
	if summary.Processed > 0 && summary.Succeeded == 0 && summary.Skipped == 0 {
		return 1
	}
	return 0
}

func runImportKML(cfg ingest.Config, pipeline *ingest.Pipeline, filter func(int64) bool, opts ingest.ImportOptions) int {
	if cfg.Sources.KMLPath == "" {
		log.Error("No KML document configured; pass -kml or set sources.kmlPath")
		return 1
	}

	summary := pipeline.ImportKML(cfg.Sources.KMLPath, filter, opts)
	printSummary(summary)

	if summary.Processed > 0 && summary.Succeeded == 0 && summary.Skipped == 0 {
		return 1
	}
	return 0
}

func runSnap(pipeline *ingest.Pipeline, db *ingest.RouteDB, filter func(int64) bool, ids []int64, opts ingest.ImportOptions) int {
	targets := resolveTargets(db, filter, ids)
	if len(targets) == 0 {
		log.Error("No imported routes match the given ids")
		return 1
	}

	summary := pipeline.ReSnapRoutes(targets, opts)
	printSummary(summary)

	if summary.Processed > 0 && summary.Succeeded == 0 {
		return 1
	}
	return 0
}

func runStops(pipeline *ingest.Pipeline, db *ingest.RouteDB, filter func(int64) bool, ids []int64, opts ingest.ImportOptions) int {
	targets := resolveTargets(db, filter, ids)
	if len(targets) == 0 {
		log.Error("No imported routes match the given ids")
		return 1
	}

	summary := ingest.JobSummary{}
	for _, routeID := range targets {
		result := pipeline.RegenerateStops(routeID, opts.Stops)
		summary.Processed++
		if result.State == ingest.StateDone {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
		summary.Results = append(summary.Results, result)
	}
	printSummary(summary)

	if summary.Processed > 0 && summary.Succeeded == 0 {
		return 1
	}
	return 0
}

func runExport(cfg ingest.Config, db *ingest.RouteDB) int {
	routes, err := db.AllRoutes()
	if err != nil {
		log.Errorf("Failed to read routes: %v", err)
		return 1
	}

	if err := os.MkdirAll(filepath.Dir(cfg.SQLPath), 0755); err != nil {
		log.Errorf("Failed to create export directory: %v", err)
		return 1
	}

	sqlDB, err := internal.OpenDB(cfg.SQLPath)
	if err != nil {
		log.Errorf("Failed to open %s: %v", cfg.SQLPath, err)
		return 1
	}
	defer sqlDB.Close()

	if err := internal.EnsureSchema(sqlDB); err != nil {
		log.Errorf("Failed to ensure schema: %v", err)
		return 1
	}

	allStops := make(map[int64]models.StopArray, len(routes))
	for id := range routes {
		stops, err := db.StopsForRoute(id)
		if err != nil {
			log.Errorf("Failed to read stops for route %d: %v", id, err)
			return 1
		}
		allStops[id] = stops
	}

	if err := internal.PopulateDB(sqlDB, routes, allStops); err != nil {
		log.Errorf("Export failed: %v", err)
		return 1
	}

	log.Infof("Exported %d routes to %s", len(routes), cfg.SQLPath)
	return 0
}

func runInspect(db *ingest.RouteDB, ids []int64) int {
	if len(ids) != 1 {
		log.Error("inspect requires exactly one route id")
		return 1
	}

	route, err := db.GetRoute(ids[0])
	if err != nil {
		log.Errorf("Route %d not found", ids[0])
		return 1
	}

	fmt.Printf("Route %d: %s (%s)\n", route.ID, route.Name, route.ShortName)
	fmt.Printf("  zone=%s color=%s frequency=%s time=%s\n",
		route.Zone, route.Color, route.Frequency, route.ApproximateTime)
	fmt.Printf("  schedule=%s-%s popular=%v points=%d stopsCount=%d\n",
		route.ScheduleStart, route.ScheduleEnd, route.Popular,
		len(route.Geometry.Points), route.StopsCount)

	stops, err := db.StopsForRoute(route.ID)
	if err != nil {
		log.Errorf("Failed to read stops: %v", err)
		return 1
	}
	for _, stop := range stops {
		marker := "  "
		if stop.IsTerminal {
			marker = "* "
		}
		fmt.Printf("  %s%s (%f, %f) %s\n", marker, stop.Name,
			stop.Location.Longitude, stop.Location.Latitude, stop.TerminalType)
	}

	return 0
}

func resolveTargets(db *ingest.RouteDB, filter func(int64) bool, ids []int64) []int64 {
	if len(ids) > 0 {
		return ids
	}

	routes, err := db.AllRoutes()
	if err != nil {
		return nil
	}
	var targets []int64
	for id := range routes {
		if filter == nil || filter(id) {
			targets = append(targets, id)
		}
	}
	return targets
}

func printSummary(summary ingest.JobSummary) {
	for _, result := range summary.Results {
		switch {
		case result.Skipped:
			fmt.Printf("route %d: skipped (already imported, %d stops)\n", result.RouteID, result.Stops)
		case result.State == ingest.StateDone && result.PartialErrors > 0:
			fmt.Printf("route %d: ok with %d failed stop inserts (%d stops)\n",
				result.RouteID, result.PartialErrors, result.Stops)
		case result.State == ingest.StateDone:
			fmt.Printf("route %d: ok (%d stops)\n", result.RouteID, result.Stops)
		default:
			fmt.Printf("route %d: failed while %s: %v\n", result.RouteID, result.State, result.Err)
		}
	}
	fmt.Printf("total %d: %d ok, %d skipped, %d failed\n",
		summary.Processed, summary.Succeeded, summary.Skipped, summary.Failed)
}
