package ingest

import (
	"errors"
	"testing"

	"github.com/xalapa-transit/ingest/models"
)

const sampleCoordinates = `[[-96.9102, 19.5438], [-96.9155, 19.5401], [-96.9200, 19.5389]]`

// Tests that every accepted input shape normalises to the same point sequence
func TestNormalizeShapeEquivalence(t *testing.T) {
	documents := map[string]string{
		"feature":           `{"type": "Feature", "geometry": {"type": "LineString", "coordinates": ` + sampleCoordinates + `}}`,
		"featureCollection": `{"type": "FeatureCollection", "features": [{"type": "Feature", "geometry": {"type": "LineString", "coordinates": ` + sampleCoordinates + `}}]}`,
		"nestedGeometry":    `{"geometry": {"coordinates": ` + sampleCoordinates + `}}`,
		"coordinatesKey":    `{"coordinates": ` + sampleCoordinates + `}`,
		"bareArray":         sampleCoordinates,
	}

	var reference *models.RoutePolyline
	for shape, document := range documents {
		polyline, err := NormalizeJSON([]byte(document))
		if err != nil {
			t.Fatalf("Failed to normalise %s input: %v", shape, err)
		}
		if len(polyline.Points) != 3 {
			t.Fatalf("Expected 3 points from %s input, got %d", shape, len(polyline.Points))
		}

		if reference == nil {
			reference = polyline
			continue
		}
		for i, point := range polyline.Points {
			if point != reference.Points[i] {
				t.Fatalf("Point %d from %s input differs: %v vs %v", i, shape, point, reference.Points[i])
			}
		}
	}
}

// Tests that the source format of the winning shape is recorded
func TestNormalizeSourceFormat(t *testing.T) {
	polyline, err := NormalizeJSON([]byte(`{"type": "Feature", "geometry": {"coordinates": ` + sampleCoordinates + `}}`))
	if err != nil {
		t.Fatalf("Failed to normalise: %v", err)
	}
	if polyline.SourceFormat != models.FeatureSource {
		t.Fatalf("Expected source format %q, got %q", models.FeatureSource, polyline.SourceFormat)
	}
}

// Tests that coordinates keep GeoJSON [lon, lat] order
func TestNormalizeAxisOrder(t *testing.T) {
	polyline, err := NormalizeJSON([]byte(sampleCoordinates))
	if err != nil {
		t.Fatalf("Failed to normalise: %v", err)
	}

	first := polyline.First()
	if first.Longitude != -96.9102 || first.Latitude != 19.5438 {
		t.Fatalf("Axis order lost: got lon=%f lat=%f", first.Longitude, first.Latitude)
	}
}

// Tests that altitude values beyond the pair are discarded
func TestNormalizeDiscardsAltitude(t *testing.T) {
	polyline, err := NormalizeJSON([]byte(`[[-96.91, 19.54, 1400.0], [-96.92, 19.53, 1410.0]]`))
	if err != nil {
		t.Fatalf("Failed to normalise: %v", err)
	}
	if len(polyline.Points) != 2 {
		t.Fatalf("Expected 2 points, got %d", len(polyline.Points))
	}
}

// Tests rejection of inputs with fewer than two points
func TestNormalizeInsufficientPoints(t *testing.T) {
	_, err := NormalizeJSON([]byte(`[[-96.91, 19.54]]`))
	if !errors.Is(err, ErrInsufficientPoints) {
		t.Fatalf("Expected ErrInsufficientPoints, got %v", err)
	}

	t.Logf("Expected error for single-point input: %v", err)
}

// Tests rejection of unrecognised inputs
func TestNormalizeUnrecognizedFormat(t *testing.T) {
	for _, document := range []string{
		`{"unrelated": true}`,
		`[[-96.91, "nineteen"], [-96.92, 19.53]]`,
		`42`,
		`{"type": "FeatureCollection", "features": []}`,
	} {
		_, err := NormalizeJSON([]byte(document))
		if !errors.Is(err, ErrUnrecognizedFormat) {
			t.Fatalf("Expected ErrUnrecognizedFormat for %s, got %v", document, err)
		}
	}
}

// Tests that a feature collection resolves to its first feature
func TestNormalizeFeatureCollectionFirstFeature(t *testing.T) {
	document := `{"type": "FeatureCollection", "features": [
		{"type": "Feature", "geometry": {"coordinates": [[-96.1, 19.1], [-96.2, 19.2]]}},
		{"type": "Feature", "geometry": {"coordinates": [[-95.0, 18.0], [-95.1, 18.1]]}}
	]}`

	polyline, err := NormalizeJSON([]byte(document))
	if err != nil {
		t.Fatalf("Failed to normalise: %v", err)
	}
	if polyline.First().Longitude != -96.1 {
		t.Fatalf("Expected first feature's geometry, got first point %v", polyline.First())
	}
	if polyline.SourceFormat != models.FeatureCollectionSource {
		t.Fatalf("Expected source format %q, got %q", models.FeatureCollectionSource, polyline.SourceFormat)
	}
}
