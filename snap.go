package ingest

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-set/v3"
	"github.com/xalapa-transit/ingest/models"
	"resty.dev/v3"
)

const (
	// Mapbox caps map-matching requests at 100 coordinates; stay under it.
	DefaultBatchSize = 95

	// Points shared between consecutive chunks to keep joints continuous.
	DefaultOverlap = 5

	// Perpendicular-distance tolerance for simplification, in degrees.
	// Roughly 10 m at this latitude.
	DefaultTolerance = 0.0001

	// Per-point search radius sent to the matching API, in metres.
	DefaultRadius = 25
)

// Options controlling a snap pass
type SnapOptions struct {
	BatchSize      int
	Overlap        int
	Tolerance      float64
	RadiusMeters   int
	AdaptiveRadius bool
	ChunkDelay     time.Duration
}

func (o *SnapOptions) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Overlap < 0 || o.Overlap >= o.BatchSize {
		o.Overlap = DefaultOverlap
	}
	if o.Tolerance <= 0 {
		o.Tolerance = DefaultTolerance
	}
	if o.RadiusMeters <= 0 {
		o.RadiusMeters = DefaultRadius
	}
	if o.ChunkDelay < 0 {
		o.ChunkDelay = 0
	}
}

// Adjusts raw route polylines onto the road network via an external
// map-matching service. Requests are issued strictly sequentially; the
// service is a rate-limited shared resource.
type Snapper struct {
	baseURL     string
	accessToken string
	client      *resty.Client
}

// Create a new Snapper against the given matching endpoint. baseURL is the
// service root, e.g. "https://api.mapbox.com/matching/v5/mapbox/driving".
func NewSnapper(baseURL, accessToken string) *Snapper {
	return &Snapper{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		accessToken: accessToken,
		client:      resty.New().SetTimeout(30 * time.Second),
	}
}

// Close releases the underlying HTTP client.
func (s *Snapper) Close() error {
	return s.client.Close()
}

// Response shape of the matching API
type matchResponse struct {
	Code      string `json:"code"`
	Matchings []struct {
		Geometry models.LineString `json:"geometry"`
	} `json:"matchings"`
}

// Snap a polyline to the road network: simplify, partition into overlapping
// chunks, match each chunk, and stitch the results back together.
//
// Chunk failures degrade to that chunk's original coordinates and are not
// fatal; only total unavailability (every chunk failed) returns
// ErrMatchingUnavailable, alongside the unmodified input as a best-effort
// result.
func (s *Snapper) Snap(polyline *models.RoutePolyline, opts SnapOptions) (*models.RoutePolyline, error) {
	opts.applyDefaults()

	if len(polyline.Points) < 2 {
		return polyline, nil
	}

	simplified := Simplify(polyline.Points, opts.Tolerance)
	log.Infof("Simplified polyline from %d to %d points", len(polyline.Points), len(simplified))

	chunks := chunkWithOverlap(simplified, opts.BatchSize, opts.Overlap)
	log.Infof("Matching %d points in %d chunks", len(simplified), len(chunks))

	stitched := make(models.CoordinateArray, 0, len(simplified))
	failures := 0

	for i, chunk := range chunks {
		matched, err := s.matchChunk(chunk, opts)
		if err != nil {
			log.Warnf("Chunk %d/%d failed, keeping original coordinates: %v", i+1, len(chunks), err)
			matched = chunk
			failures++
		}

		// Drop the overlapping lead points of every chunk after the first to
		// avoid duplicate zig-zag joints.
		if i > 0 && len(matched) > opts.Overlap {
			matched = matched[opts.Overlap:]
		}
		stitched = append(stitched, matched...)

		if i < len(chunks)-1 && opts.ChunkDelay > 0 {
			time.Sleep(opts.ChunkDelay)
		}
	}

	if failures == len(chunks) {
		return polyline, fmt.Errorf("%w: all %d chunks failed", ErrMatchingUnavailable, len(chunks))
	}

	return &models.RoutePolyline{
		Points:       stitched,
		SourceFormat: polyline.SourceFormat,
	}, nil
}

// Issue one matching request for a chunk of coordinates.
func (s *Snapper) matchChunk(chunk models.CoordinateArray, opts SnapOptions) (models.CoordinateArray, error) {
	coordinates := make([]string, len(chunk))
	for i, point := range chunk {
		coordinates[i] = fmt.Sprintf("%f,%f", point.Longitude, point.Latitude)
	}

	var radiuses []string
	if opts.AdaptiveRadius {
		radiuses = make([]string, len(chunk))
		for i, radius := range adaptiveRadiuses(chunk) {
			radiuses[i] = fmt.Sprintf("%d", radius)
		}
	} else {
		radiuses = make([]string, len(chunk))
		for i := range radiuses {
			radiuses[i] = fmt.Sprintf("%d", opts.RadiusMeters)
		}
	}

	var result matchResponse
	resp, err := s.client.R().
		SetQueryParam("access_token", s.accessToken).
		SetQueryParam("geometries", "geojson").
		SetQueryParam("overview", "full").
		SetQueryParam("radiuses", strings.Join(radiuses, ";")).
		SetResult(&result).
		Get(s.baseURL + "/" + strings.Join(coordinates, ";"))

	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("matching API responded %s", resp.Status())
	}
	if result.Code != "Ok" || len(result.Matchings) == 0 {
		return nil, fmt.Errorf("matching API returned code %q with %d matchings", result.Code, len(result.Matchings))
	}

	// Multiple matchings appear when the trace has gaps; concatenate them in
	// order to keep one continuous line.
	matched := make(models.CoordinateArray, 0, len(chunk))
	for _, matching := range result.Matchings {
		for _, pair := range matching.Geometry.Coordinates {
			matched = append(matched, models.NewCoordinate(pair[0], pair[1]))
		}
	}

	return matched, nil
}

// Partition points into chunks of at most batchSize, each sharing overlap
// points with its predecessor.
func chunkWithOverlap(points models.CoordinateArray, batchSize, overlap int) []models.CoordinateArray {
	if len(points) <= batchSize {
		return []models.CoordinateArray{points}
	}

	var chunks []models.CoordinateArray
	step := batchSize - overlap
	for start := 0; start < len(points); start += step {
		end := min(start+batchSize, len(points))
		chunks = append(chunks, points[start:end])
		if end == len(points) {
			break
		}
	}
	return chunks
}

// --- Simplification ---

// Reduce a point sequence with the Douglas-Peucker algorithm, keeping every
// point whose perpendicular distance from the surrounding trend line exceeds
// the tolerance (in degree units).
func Simplify(points models.CoordinateArray, tolerance float64) models.CoordinateArray {
	if len(points) <= 2 {
		return points
	}

	keep := make([]bool, len(points))
	keep[0] = true
	keep[len(points)-1] = true
	douglasPeucker(points, 0, len(points)-1, tolerance, keep)

	simplified := make(models.CoordinateArray, 0, len(points))
	for i, point := range points {
		if keep[i] {
			simplified = append(simplified, point)
		}
	}
	return simplified
}

func douglasPeucker(points models.CoordinateArray, start, end int, tolerance float64, keep []bool) {
	if end <= start+1 {
		return
	}

	maxDistance := 0.0
	maxIndex := start
	for i := start + 1; i < end; i++ {
		distance := perpendicularDistance(points[i], points[start], points[end])
		if distance > maxDistance {
			maxDistance = distance
			maxIndex = i
		}
	}

	if maxDistance > tolerance {
		keep[maxIndex] = true
		douglasPeucker(points, start, maxIndex, tolerance, keep)
		douglasPeucker(points, maxIndex, end, tolerance, keep)
	}
}

// Perpendicular distance from a point to the line through lineStart and
// lineEnd, in degree space.
func perpendicularDistance(point, lineStart, lineEnd models.Coordinate) float64 {
	x, y := point.Longitude, point.Latitude
	x1, y1 := lineStart.Longitude, lineStart.Latitude
	x2, y2 := lineEnd.Longitude, lineEnd.Latitude

	if x1 == x2 && y1 == y2 {
		return math.Hypot(x-x1, y-y1)
	}

	numerator := math.Abs((y2-y1)*x - (x2-x1)*y + x2*y1 - y2*x1)
	denominator := math.Hypot(y2-y1, x2-x1)
	return numerator / denominator
}

// Per-point search radii derived from the turn angle at each point: tight
// radii on sharp curves, wide radii on straights.
func adaptiveRadiuses(points models.CoordinateArray) []int {
	radiuses := make([]int, len(points))
	if len(points) <= 2 {
		for i := range radiuses {
			radiuses[i] = DefaultRadius
		}
		return radiuses
	}

	radiuses[0] = DefaultRadius
	radiuses[len(points)-1] = DefaultRadius

	for i := 1; i < len(points)-1; i++ {
		prev, curr, next := points[i-1], points[i], points[i+1]

		v1x, v1y := curr.Longitude-prev.Longitude, curr.Latitude-prev.Latitude
		v2x, v2y := next.Longitude-curr.Longitude, next.Latitude-curr.Latitude
		m1, m2 := math.Hypot(v1x, v1y), math.Hypot(v2x, v2y)
		if m1 == 0 || m2 == 0 {
			radiuses[i] = DefaultRadius
			continue
		}

		dot := (v1x*v2x + v1y*v2y) / (m1 * m2)
		angle := math.Acos(math.Min(math.Max(dot, -1), 1)) * 180 / math.Pi

		switch {
		case angle > 45:
			radiuses[i] = 5
		case angle > 20:
			radiuses[i] = 15
		case angle > 10:
			radiuses[i] = 25
		default:
			radiuses[i] = 35
		}
	}

	return radiuses
}

// --- Stop integration ---

const (
	// Stops farther than this from the polyline are not woven in, in metres.
	stopInsertThresholdM = 50

	// Stops within this distance of an existing vertex reuse it, in metres.
	stopReuseThresholdM = 5
)

// Weave known stop locations into a route polyline before snapping, so the
// matched line passes through them. Stops beyond the insertion threshold or
// duplicating an already-processed location are skipped. Returns a new
// polyline.
func IntegrateStops(polyline *models.RoutePolyline, stops []models.Coordinate) *models.RoutePolyline {
	if len(stops) == 0 {
		return polyline
	}

	points := make(models.CoordinateArray, len(polyline.Points))
	copy(points, polyline.Points)

	processed := set.New[string](len(stops))

	for _, stop := range stops {
		key := fmt.Sprintf("%.5f,%.5f", stop.Longitude, stop.Latitude)
		if processed.Contains(key) {
			continue
		}

		insertIndex := closestSegmentIndex(points, stop)
		if insertIndex < 0 {
			continue
		}

		points = append(points, models.Coordinate{})
		copy(points[insertIndex+1:], points[insertIndex:])
		points[insertIndex] = stop

		processed.Insert(key)
	}

	return &models.RoutePolyline{
		Points:       points,
		SourceFormat: polyline.SourceFormat,
	}
}

// Find the index at which a stop should be inserted into the polyline, or -1
// when no segment is within the insertion threshold.
func closestSegmentIndex(points models.CoordinateArray, stop models.Coordinate) int {
	minDistance := math.Inf(1)
	insertIndex := -1

	for i := 0; i < len(points)-1; i++ {
		start, end := points[i], points[i+1]

		// Reuse a vertex the stop already sits on.
		if stop.DistanceTo(start)*1000 < stopReuseThresholdM ||
			stop.DistanceTo(end)*1000 < stopReuseThresholdM {
			return -1
		}

		distance := distanceToSegmentM(stop, start, end)
		if distance < minDistance {
			minDistance = distance
			insertIndex = i + 1
		}
	}

	if minDistance > stopInsertThresholdM {
		return -1
	}
	return insertIndex
}

// Distance in metres from a point to a segment, using a scaled-planar
// projection and a haversine distance to the projected point.
func distanceToSegmentM(point, segStart, segEnd models.Coordinate) float64 {
	scale := math.Cos(point.Latitude * math.Pi / 180)
	x, y := point.Longitude*scale, point.Latitude
	x1, y1 := segStart.Longitude*scale, segStart.Latitude
	x2, y2 := segEnd.Longitude*scale, segEnd.Latitude

	dx, dy := x2-x1, y2-y1
	lengthSq := dx*dx + dy*dy
	if lengthSq < 1e-10 {
		return point.DistanceTo(segStart) * 1000
	}

	t := ((x-x1)*dx + (y-y1)*dy) / lengthSq
	t = math.Max(0, math.Min(1, t))

	projected := models.NewCoordinate((x1+t*dx)/scale, y1+t*dy)
	return point.DistanceTo(projected) * 1000
}
