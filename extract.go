package ingest

import (
	"archive/zip"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/xalapa-transit/ingest/models"
)

// Locates route source artifacts on disk and converts them into raw
// GeoJSON-like values for the normalizer.
type Extractor struct {
	// Command invoked to convert a shapefile to GeoJSON, e.g. "ogr2ogr".
	ConverterPath string

	// Parent directory for scratch extraction directories. Empty means the
	// system temp directory.
	ScratchRoot string
}

func NewExtractor(converterPath string) *Extractor {
	if converterPath == "" {
		converterPath = "ogr2ogr"
	}
	return &Extractor{ConverterPath: converterPath}
}

// Unpack a shapefile ZIP archive, convert its first .shp member to GeoJSON
// with the external converter, and return the decoded document. The scratch
// directory is removed on every return path.
func (e *Extractor) ExtractArchive(archivePath string) (any, error) {
	scratchDir, err := os.MkdirTemp(e.ScratchRoot, "route-extract-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(scratchDir)

	if err := unzipArchive(archivePath, scratchDir); err != nil {
		return nil, err
	}

	shpPath, err := findMember(scratchDir, ".shp")
	if err != nil {
		return nil, err
	}

	// Convert to GeoJSON via the external tool. Success means exit 0 and the
	// output file exists.
	geoJSONPath := filepath.Join(scratchDir, "route.geojson")
	cmd := exec.Command(e.ConverterPath, "-f", "GeoJSON", geoJSONPath, shpPath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConversionFailed, strings.TrimSpace(string(output)), err)
	}

	data, err := os.ReadFile(geoJSONPath)
	if err != nil {
		return nil, fmt.Errorf("%w: converter produced no output file", ErrConversionFailed)
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: invalid converter output: %v", ErrConversionFailed, err)
	}

	log.Debugf("Extracted %s via %s", archivePath, e.ConverterPath)
	return raw, nil
}

// Read a raw .geojson file and return the decoded document.
func (e *Extractor) ExtractGeoJSONFile(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedFormat, err)
	}
	return raw, nil
}

func unzipArchive(archivePath, destDir string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer reader.Close()

	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			continue
		}

		// Flatten the archive; companion files (.dbf/.shx) must land next to
		// the .shp for the converter to pick them up.
		destPath := filepath.Join(destDir, filepath.Base(file.Name))

		src, err := file.Open()
		if err != nil {
			return err
		}

		dest, err := os.Create(destPath)
		if err != nil {
			src.Close()
			return err
		}

		_, err = io.Copy(dest, src)
		src.Close()
		dest.Close()
		if err != nil {
			return err
		}
	}

	return nil
}

func findMember(dir, extension string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	for _, entry := range entries {
		if !entry.IsDir() && strings.EqualFold(filepath.Ext(entry.Name()), extension) {
			return filepath.Join(dir, entry.Name()), nil
		}
	}

	return "", fmt.Errorf("%w: no %s file in archive", ErrMissingArchiveMember, extension)
}

// --- KML ---

// A single KML placemark with its line geometry text
type KMLPlacemark struct {
	Name        string `xml:"name"`
	Description string `xml:"description"`
	Coordinates string `xml:"LineString>coordinates"`
}

// Parse a KML document and collect every placemark that carries a LineString,
// regardless of folder nesting.
func ParseKMLPlacemarks(r io.Reader) ([]KMLPlacemark, error) {
	decoder := xml.NewDecoder(r)

	var placemarks []KMLPlacemark
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		start, ok := token.(xml.StartElement)
		if !ok || start.Name.Local != "Placemark" {
			continue
		}

		var placemark KMLPlacemark
		if err := decoder.DecodeElement(&placemark, &start); err != nil {
			return nil, err
		}
		if strings.TrimSpace(placemark.Coordinates) != "" {
			placemarks = append(placemarks, placemark)
		}
	}

	return placemarks, nil
}

// Parse a KML <coordinates> block into a polyline. Tokens are
// whitespace-separated "lon,lat[,alt]" triples; the altitude is discarded.
func ParseKMLCoordinates(block string) (*models.RoutePolyline, error) {
	tokens := strings.Fields(block)

	pairs := make([][2]float64, 0, len(tokens))
	for _, token := range tokens {
		parts := strings.Split(token, ",")
		if len(parts) < 2 {
			log.Warnf("Skipping malformed KML coordinate %q", token)
			continue
		}
		lon, lonErr := strconv.ParseFloat(parts[0], 64)
		lat, latErr := strconv.ParseFloat(parts[1], 64)
		if lonErr != nil || latErr != nil {
			log.Warnf("Skipping non-numeric KML coordinate %q", token)
			continue
		}
		pairs = append(pairs, [2]float64{lon, lat})
	}

	if len(pairs) == 0 {
		return nil, ErrEmptyGeometry
	}

	return models.NewRoutePolyline(pairs, models.KMLSource), nil
}

// Extract the polyline of the first placemark whose name matches the given
// route id ("Ruta <id>") from a KML document.
func (e *Extractor) ExtractKMLRoute(path string, routeID int64) (*models.RoutePolyline, KMLPlacemark, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, KMLPlacemark{}, err
	}
	defer file.Close()

	placemarks, err := ParseKMLPlacemarks(file)
	if err != nil {
		return nil, KMLPlacemark{}, err
	}

	for _, placemark := range placemarks {
		if ExtractRouteIDFromName(placemark.Name) != routeID {
			continue
		}
		polyline, err := ParseKMLCoordinates(placemark.Coordinates)
		if err != nil {
			return nil, placemark, err
		}
		return polyline, placemark, nil
	}

	return nil, KMLPlacemark{}, fmt.Errorf("%w: no placemark for route %d", ErrMissingArchiveMember, routeID)
}

// --- Source discovery ---

// A route source artifact found on disk
type RouteArchive struct {
	RouteID   int64
	Name      string
	Path      string
	StopsPath string // optional sibling stops archive, empty if absent
}

var routeNamePattern = regexp.MustCompile(`(?i)ruta\s+(\d+)`)
var routeFolderPattern = regexp.MustCompile(`^(\d+)_(circuito|ruta)`)

// Extract a numeric route id out of a descriptive name like "Ruta 34".
func ExtractRouteIDFromName(name string) int64 {
	match := routeNamePattern.FindStringSubmatch(name)
	if match == nil {
		return 0
	}
	id, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Derive a route id and display name from an archive path laid out as
// <id>_circuito[_alterno]/[ida|vuelta/]route.zip.
func ParseRouteArchivePath(archivePath string) (int64, string) {
	var routeID int64
	for _, part := range strings.Split(filepath.ToSlash(archivePath), "/") {
		match := routeFolderPattern.FindStringSubmatch(part)
		if match != nil {
			routeID, _ = strconv.ParseInt(match[1], 10, 64)
			break
		}
	}

	name := fmt.Sprintf("Ruta %d", routeID)
	if strings.Contains(archivePath, "/ida/") {
		name += " (Ida)"
	} else if strings.Contains(archivePath, "/vuelta/") {
		name += " (Vuelta)"
	}

	return routeID, name
}

// Walk a source tree and collect every route.zip archive, pairing each with
// a sibling stops.zip when one exists.
func FindRouteArchives(rootDir string) ([]RouteArchive, error) {
	var archives []RouteArchive

	err := filepath.WalkDir(rootDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || entry.Name() != "route.zip" {
			return nil
		}

		routeID, name := ParseRouteArchivePath(path)
		if routeID == 0 {
			log.Warnf("Skipping archive with no route id in path: %s", path)
			return nil
		}

		archive := RouteArchive{
			RouteID: routeID,
			Name:    name,
			Path:    path,
		}

		stopsPath := filepath.Join(filepath.Dir(path), "stops.zip")
		if _, err := os.Stat(stopsPath); err == nil {
			archive.StopsPath = stopsPath
		}

		archives = append(archives, archive)
		return nil
	})

	if err != nil {
		return nil, err
	}
	return archives, nil
}

// --- External stop features ---

// A stop point supplied by a separate stops shapefile
type StopFeature struct {
	Name     string
	Location models.Coordinate
}

// Read Point features out of a converted stops document. Features without a
// usable point geometry are skipped, not fatal.
func ParseStopFeatures(raw any) []StopFeature {
	document, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	features, ok := document["features"].([]any)
	if !ok {
		return nil
	}

	var stops []StopFeature
	for _, entry := range features {
		feature, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		geometry, ok := feature["geometry"].(map[string]any)
		if !ok {
			continue
		}
		pair, ok := geometry["coordinates"].([]any)
		if !ok || len(pair) < 2 {
			continue
		}
		lon, lonOk := asFloat(pair[0])
		lat, latOk := asFloat(pair[1])
		if !lonOk || !latOk {
			continue
		}

		stop := StopFeature{Location: models.NewCoordinate(lon, lat)}
		if properties, ok := feature["properties"].(map[string]any); ok {
			if name, ok := properties["nombre"].(string); ok {
				stop.Name = name
			} else if name, ok := properties["name"].(string); ok {
				stop.Name = name
			}
		}
		stops = append(stops, stop)
	}

	return stops
}
