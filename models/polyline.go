package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Tag recording which raw GeoJSON shape a polyline was normalised from
type SourceFormat string

const (
	FeatureSource           SourceFormat = "feature"
	FeatureCollectionSource SourceFormat = "feature-collection"
	NestedGeometrySource    SourceFormat = "nested-geometry"
	CoordinatesSource       SourceFormat = "coordinates"
	BareArraySource         SourceFormat = "bare-array"
	ShapefileSource         SourceFormat = "shapefile"
	KMLSource               SourceFormat = "kml"
)

// Canonical representation of a route's path. Points are ordered in travel
// direction as found in the source. Transformations return a new polyline
// rather than mutating in place.
type RoutePolyline struct {
	Points       CoordinateArray
	SourceFormat SourceFormat
}

// Create a new RoutePolyline from GeoJSON-ordered [lon, lat] pairs.
func NewRoutePolyline(pairs [][2]float64, source SourceFormat) *RoutePolyline {
	points := make(CoordinateArray, len(pairs))
	for i, pair := range pairs {
		points[i] = NewCoordinate(pair[0], pair[1])
	}
	return &RoutePolyline{
		Points:       points,
		SourceFormat: source,
	}
}

// Check that the polyline has at least two points and that every point is
// within valid longitude/latitude bounds.
func (p *RoutePolyline) Validate() error {
	if len(p.Points) < 2 {
		return errors.New("polyline requires at least 2 points")
	}
	for i, point := range p.Points {
		if !point.IsValid() {
			return fmt.Errorf("point %d out of bounds: %s", i, point)
		}
	}
	return nil
}

// Return the first point of the polyline.
func (p *RoutePolyline) First() Coordinate {
	return p.Points[0]
}

// Return the last point of the polyline.
func (p *RoutePolyline) Last() Coordinate {
	return p.Points[len(p.Points)-1]
}

// Calculate the total length of the polyline in kilometres.
func (p *RoutePolyline) LengthKM() float64 {
	total := 0.0
	for i := 1; i < len(p.Points); i++ {
		total += p.Points[i-1].DistanceTo(p.Points[i])
	}
	return total
}

// GeoJSON geometry of type LineString
type LineString struct {
	Type        string       `json:"type"`
	Coordinates [][2]float64 `json:"coordinates"`
}

// GeoJSON Feature wrapping a LineString geometry
type Feature struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	Geometry   LineString     `json:"geometry"`
}

// Encode the polyline as a GeoJSON Feature with a LineString geometry.
func (p *RoutePolyline) ToFeature(properties map[string]any) Feature {
	return Feature{
		Type:       "Feature",
		Properties: properties,
		Geometry: LineString{
			Type:        "LineString",
			Coordinates: p.Points.Pairs(),
		},
	}
}

// Encode the polyline as a GeoJSON Feature JSON document.
func (p *RoutePolyline) MarshalGeoJSON(properties map[string]any) ([]byte, error) {
	return json.Marshal(p.ToFeature(properties))
}
