package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/xalapa-transit/ingest/models"
)

// Reduces arbitrarily-shaped GeoJSON-like input to a canonical RoutePolyline.
//
// Accepted shapes, in priority order:
//  1. {"type": "Feature", "geometry": {"coordinates": [...]}}
//  2. {"type": "FeatureCollection", "features": [...]} (first feature is used)
//  3. {"geometry": {"coordinates": [...]}}
//  4. {"coordinates": [...]}
//  5. a bare array of [lon, lat] pairs
//
// Coordinates are assumed to already be GeoJSON-ordered [lon, lat]; any
// display-layer axis swap is the renderer's concern, never the pipeline's.
func Normalize(raw any) (*models.RoutePolyline, error) {
	pairs, source, err := resolveCoordinates(raw)
	if err != nil {
		return nil, err
	}

	if len(pairs) < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrInsufficientPoints, len(pairs))
	}

	polyline := models.NewRoutePolyline(pairs, source)
	if err := polyline.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedFormat, err)
	}

	return polyline, nil
}

// Parse and normalise a raw GeoJSON document.
func NormalizeJSON(data []byte) (*models.RoutePolyline, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedFormat, err)
	}
	return Normalize(raw)
}

func resolveCoordinates(raw any) ([][2]float64, models.SourceFormat, error) {
	switch value := raw.(type) {
	case map[string]any:
		kind, _ := value["type"].(string)

		if kind == "Feature" {
			geometry, ok := value["geometry"].(map[string]any)
			if !ok {
				return nil, "", fmt.Errorf("%w: feature without geometry", ErrUnrecognizedFormat)
			}
			pairs, err := parsePairs(geometry["coordinates"])
			if err != nil {
				return nil, "", err
			}
			return pairs, models.FeatureSource, nil
		}

		if kind == "FeatureCollection" {
			features, ok := value["features"].([]any)
			if !ok || len(features) == 0 {
				return nil, "", fmt.Errorf("%w: feature collection without features", ErrUnrecognizedFormat)
			}
			pairs, _, err := resolveCoordinates(features[0])
			if err != nil {
				return nil, "", err
			}
			return pairs, models.FeatureCollectionSource, nil
		}

		if geometry, ok := value["geometry"].(map[string]any); ok {
			pairs, err := parsePairs(geometry["coordinates"])
			if err != nil {
				return nil, "", err
			}
			return pairs, models.NestedGeometrySource, nil
		}

		if coordinates, ok := value["coordinates"]; ok {
			pairs, err := parsePairs(coordinates)
			if err != nil {
				return nil, "", err
			}
			return pairs, models.CoordinatesSource, nil
		}

		return nil, "", fmt.Errorf("%w: no recognised keys", ErrUnrecognizedFormat)

	case []any:
		pairs, err := parsePairs(value)
		if err != nil {
			return nil, "", err
		}
		return pairs, models.BareArraySource, nil

	case [][2]float64:
		return value, models.BareArraySource, nil

	default:
		return nil, "", fmt.Errorf("%w: %T", ErrUnrecognizedFormat, raw)
	}
}

// Parse a decoded JSON coordinate array into [lon, lat] pairs. Tokens that
// are not numeric pairs fail the whole array; trailing values beyond the
// second (e.g. altitude) are discarded.
func parsePairs(raw any) ([][2]float64, error) {
	array, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: coordinates is not an array", ErrUnrecognizedFormat)
	}

	pairs := make([][2]float64, 0, len(array))
	for i, entry := range array {
		pair, ok := entry.([]any)
		if !ok || len(pair) < 2 {
			return nil, fmt.Errorf("%w: entry %d is not a coordinate pair", ErrUnrecognizedFormat, i)
		}
		lon, lonOk := asFloat(pair[0])
		lat, latOk := asFloat(pair[1])
		if !lonOk || !latOk {
			return nil, fmt.Errorf("%w: entry %d is not numeric", ErrUnrecognizedFormat, i)
		}
		pairs = append(pairs, [2]float64{lon, lat})
	}

	return pairs, nil
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}
