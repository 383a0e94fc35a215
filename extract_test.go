package ingest

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xalapa-transit/ingest/models"
)

func writeZip(t *testing.T, path string, members map[string]string) {
	t.Helper()

	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create archive %s: %v", path, err)
	}
	defer file.Close()

	writer := zip.NewWriter(file)
	for name, content := range members {
		member, err := writer.Create(name)
		if err != nil {
			t.Fatalf("Failed to create member %s: %v", name, err)
		}
		if _, err := member.Write([]byte(content)); err != nil {
			t.Fatalf("Failed to write member %s: %v", name, err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Failed to close archive: %v", err)
	}
}

// Tests that an archive without a .shp member is rejected and its scratch
// directory removed
func TestExtractArchiveMissingShapefile(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "route.zip")
	writeZip(t, archivePath, map[string]string{
		"readme.txt": "no shapefile here",
		"route.dbf":  "attributes only",
	})

	scratchRoot := t.TempDir()
	extractor := NewExtractor("ogr2ogr")
	extractor.ScratchRoot = scratchRoot

	_, err := extractor.ExtractArchive(archivePath)
	if !errors.Is(err, ErrMissingArchiveMember) {
		t.Fatalf("Expected ErrMissingArchiveMember, got %v", err)
	}

	entries, err := os.ReadDir(scratchRoot)
	if err != nil {
		t.Fatalf("Failed to read scratch root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("Expected scratch directory to be cleaned up, found %d entries", len(entries))
	}
}

// Tests that a failing converter surfaces as a conversion error
func TestExtractArchiveConverterFailure(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "route.zip")
	writeZip(t, archivePath, map[string]string{
		"route.shp": "not a real shapefile",
	})

	extractor := NewExtractor("false")
	extractor.ScratchRoot = t.TempDir()

	_, err := extractor.ExtractArchive(archivePath)
	if !errors.Is(err, ErrConversionFailed) {
		t.Fatalf("Expected ErrConversionFailed, got %v", err)
	}

	t.Logf("Expected error from failing converter: %v", err)
}

const sampleKML = `<?xml version="1.0" encoding="UTF-8"?>
<kml xmlns="http://www.opengis.net/kml/2.2">
  <Document>
    <Folder>
      <name>Rutas</name>
      <Placemark>
        <name>Ruta 12</name>
        <description>Camacho - Centro, autobus amarillo</description>
        <LineString>
          <coordinates>
            -96.9102,19.5438,0 -96.9155,19.5401,0 -96.9200,19.5389,0
          </coordinates>
        </LineString>
      </Placemark>
      <Placemark>
        <name>Oficina</name>
        <Point><coordinates>-96.92,19.53,0</coordinates></Point>
      </Placemark>
      <Placemark>
        <name>Ruta 34</name>
        <LineString>
          <coordinates>-96.95,19.50,0 -96.96,19.51,0</coordinates>
        </LineString>
      </Placemark>
    </Folder>
  </Document>
</kml>`

// Tests collecting line placemarks out of a nested KML document
func TestParseKMLPlacemarks(t *testing.T) {
	placemarks, err := ParseKMLPlacemarks(strings.NewReader(sampleKML))
	if err != nil {
		t.Fatalf("Failed to parse KML: %v", err)
	}

	// The Point-only placemark must be skipped.
	if len(placemarks) != 2 {
		t.Fatalf("Expected 2 line placemarks, got %d", len(placemarks))
	}
	if placemarks[0].Name != "Ruta 12" {
		t.Fatalf("Expected placemark name %q, got %q", "Ruta 12", placemarks[0].Name)
	}
}

// Tests extracting one route's polyline from a KML file by id
func TestExtractKMLRoute(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rutas.kml")
	if err := os.WriteFile(path, []byte(sampleKML), 0644); err != nil {
		t.Fatalf("Failed to write KML file: %v", err)
	}

	extractor := NewExtractor("")
	polyline, placemark, err := extractor.ExtractKMLRoute(path, 12)
	if err != nil {
		t.Fatalf("Failed to extract KML route: %v", err)
	}

	if len(polyline.Points) != 3 {
		t.Fatalf("Expected 3 points, got %d", len(polyline.Points))
	}
	if polyline.SourceFormat != models.KMLSource {
		t.Fatalf("Expected KML source format, got %q", polyline.SourceFormat)
	}
	first := polyline.First()
	if first.Longitude != -96.9102 || first.Latitude != 19.5438 {
		t.Fatalf("Altitude handling broke axis order: got %v", first)
	}
	if !strings.Contains(placemark.Description, "amarillo") {
		t.Fatalf("Expected the placemark description to travel along, got %q", placemark.Description)
	}

	if _, _, err := extractor.ExtractKMLRoute(path, 99); err == nil {
		t.Fatal("Expected an error for an absent route id")
	}
}

// Tests KML coordinate parsing edge cases
func TestParseKMLCoordinates(t *testing.T) {
	polyline, err := ParseKMLCoordinates("-96.91,19.54 garbage -96.92,notanumber -96.93,19.52,1400")
	if err != nil {
		t.Fatalf("Failed to parse coordinates: %v", err)
	}
	if len(polyline.Points) != 2 {
		t.Fatalf("Expected malformed tokens to be skipped, got %d points", len(polyline.Points))
	}

	if _, err := ParseKMLCoordinates("   "); !errors.Is(err, ErrEmptyGeometry) {
		t.Fatalf("Expected ErrEmptyGeometry, got %v", err)
	}
}

// Tests route id extraction from descriptive names and archive paths
func TestRouteIDParsing(t *testing.T) {
	if id := ExtractRouteIDFromName("Ruta 34 Centro"); id != 34 {
		t.Fatalf("Expected id 34, got %d", id)
	}
	if id := ExtractRouteIDFromName("ruta   7"); id != 7 {
		t.Fatalf("Expected id 7, got %d", id)
	}
	if id := ExtractRouteIDFromName("Oficina Central"); id != 0 {
		t.Fatalf("Expected no id, got %d", id)
	}

	id, name := ParseRouteArchivePath("shapefiles/34_circuito/ida/route.zip")
	if id != 34 || name != "Ruta 34 (Ida)" {
		t.Fatalf("Expected (34, Ruta 34 (Ida)), got (%d, %q)", id, name)
	}

	id, name = ParseRouteArchivePath("shapefiles/7_ruta_alterno/route.zip")
	if id != 7 || name != "Ruta 7" {
		t.Fatalf("Expected (7, Ruta 7), got (%d, %q)", id, name)
	}
}

// Tests archive discovery with sibling stops archives
func TestFindRouteArchives(t *testing.T) {
	root := t.TempDir()

	ida := filepath.Join(root, "34_circuito", "ida")
	if err := os.MkdirAll(ida, 0755); err != nil {
		t.Fatalf("Failed to create tree: %v", err)
	}
	writeZip(t, filepath.Join(ida, "route.zip"), map[string]string{"route.shp": ""})
	writeZip(t, filepath.Join(ida, "stops.zip"), map[string]string{"stops.shp": ""})

	other := filepath.Join(root, "7_circuito")
	if err := os.MkdirAll(other, 0755); err != nil {
		t.Fatalf("Failed to create tree: %v", err)
	}
	writeZip(t, filepath.Join(other, "route.zip"), map[string]string{"route.shp": ""})

	// A directory with no id must be skipped.
	unnamed := filepath.Join(root, "misc")
	if err := os.MkdirAll(unnamed, 0755); err != nil {
		t.Fatalf("Failed to create tree: %v", err)
	}
	writeZip(t, filepath.Join(unnamed, "route.zip"), map[string]string{"route.shp": ""})

	archives, err := FindRouteArchives(root)
	if err != nil {
		t.Fatalf("Failed to discover archives: %v", err)
	}
	if len(archives) != 2 {
		t.Fatalf("Expected 2 archives, got %d", len(archives))
	}

	byID := map[int64]RouteArchive{}
	for _, archive := range archives {
		byID[archive.RouteID] = archive
	}
	if byID[34].StopsPath == "" {
		t.Fatal("Expected route 34 to carry its sibling stops archive")
	}
	if byID[7].StopsPath != "" {
		t.Fatal("Expected route 7 to have no stops archive")
	}
}

// Tests reading stop point features out of a converted stops document
func TestParseStopFeatures(t *testing.T) {
	raw := map[string]any{
		"type": "FeatureCollection",
		"features": []any{
			map[string]any{
				"geometry":   map[string]any{"type": "Point", "coordinates": []any{-96.91, 19.54}},
				"properties": map[string]any{"nombre": "Terminal Centro"},
			},
			map[string]any{
				"geometry":   map[string]any{"type": "Point", "coordinates": []any{-96.92, 19.55}},
				"properties": map[string]any{"name": "Parada Norte"},
			},
			map[string]any{
				"geometry": map[string]any{"type": "Point", "coordinates": []any{"bad"}},
			},
		},
	}

	stops := ParseStopFeatures(raw)
	if len(stops) != 2 {
		t.Fatalf("Expected 2 usable stops, got %d", len(stops))
	}
	if stops[0].Name != "Terminal Centro" || stops[1].Name != "Parada Norte" {
		t.Fatalf("Stop names not resolved: %+v", stops)
	}
	if stops[0].Location.Longitude != -96.91 {
		t.Fatalf("Stop location wrong: %v", stops[0].Location)
	}
}
