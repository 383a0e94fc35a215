package ingest

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/xalapa-transit/ingest/models"
)

func sampleRoute(id int64) *models.Route {
	return &models.Route{
		ID:              id,
		Name:            "Ruta 34 Centro",
		ShortName:       "R34",
		Color:           "#3B82F6",
		Zone:            models.SurZone,
		Frequency:       "15-20 min",
		ScheduleStart:   "05:30 AM",
		ScheduleEnd:     "10:30 PM",
		ApproximateTime: "30-45 min",
		Geometry:        linearPolyline(12),
	}
}

// Tests creating and fetching routes
func TestRouteDBRoutes(t *testing.T) {
	db := NewRouteDB()

	if err := db.CreateRoute(sampleRoute(34)); err != nil {
		t.Fatalf("Failed to create route: %v", err)
	}

	route, err := db.GetRoute(34)
	if err != nil {
		t.Fatalf("Failed to get route: %v", err)
	}
	if route.Name != "Ruta 34 Centro" || route.Zone != models.SurZone {
		t.Fatalf("Route fields lost: %+v", route)
	}
	if len(route.Geometry.Points) != 12 {
		t.Fatalf("Expected 12 geometry points, got %d", len(route.Geometry.Points))
	}

	if _, err := db.GetRoute(99); !errors.Is(err, ErrRouteNotFound) {
		t.Fatalf("Expected ErrRouteNotFound, got %v", err)
	}

	if err := db.UpdateRoute(34, func(r *models.Route) { r.Popular = true; r.StopsCount = 8 }); err != nil {
		t.Fatalf("Failed to update route: %v", err)
	}
	route, err = db.GetRoute(34)
	if err != nil {
		t.Fatalf("Failed to re-get route: %v", err)
	}
	if !route.Popular || route.StopsCount != 8 {
		t.Fatalf("Update lost: %+v", route)
	}

	routes, err := db.AllRoutes()
	if err != nil {
		t.Fatalf("Failed to list routes: %v", err)
	}
	if len(routes) != 1 || routes[34] == nil {
		t.Fatalf("Expected one listed route, got %d", len(routes))
	}
}

// Tests the stop lifecycle including delete-then-insert replacement
func TestRouteDBStops(t *testing.T) {
	db := NewRouteDB()
	if err := db.CreateRoute(sampleRoute(34)); err != nil {
		t.Fatalf("Failed to create route: %v", err)
	}

	stops, err := GenerateStops(34, linearPolyline(240), StopOptions{})
	if err != nil {
		t.Fatalf("Failed to generate stops: %v", err)
	}
	for _, stop := range stops {
		if err := db.CreateStop(stop); err != nil {
			t.Fatalf("Failed to create stop: %v", err)
		}
	}

	count, err := db.CountStopsForRoute(34)
	if err != nil {
		t.Fatalf("Failed to count stops: %v", err)
	}
	if count != len(stops) {
		t.Fatalf("Expected %d stops, got %d", len(stops), count)
	}

	loaded, err := db.StopsForRoute(34)
	if err != nil {
		t.Fatalf("Failed to load stops: %v", err)
	}
	if len(loaded) != len(stops) {
		t.Fatalf("Expected %d stops, got %d", len(stops), len(loaded))
	}
	// Insertion order is the route order.
	if loaded[0].TerminalType != models.TerminalFirst {
		t.Fatalf("Expected the first terminal first, got %+v", loaded[0])
	}
	if err := loaded.ValidateTerminals(); err != nil {
		t.Fatalf("Loaded stops failed the terminal invariant: %v", err)
	}

	if err := db.DeleteStopsForRoute(34); err != nil {
		t.Fatalf("Failed to delete stops: %v", err)
	}
	count, _ = db.CountStopsForRoute(34)
	if count != 0 {
		t.Fatalf("Expected no stops after delete, got %d", count)
	}

	// Re-insert after delete: ids keep advancing, order is preserved.
	for _, stop := range stops {
		stop.ID = 0
		if err := db.CreateStop(stop); err != nil {
			t.Fatalf("Failed to re-create stop: %v", err)
		}
	}
	count, _ = db.CountStopsForRoute(34)
	if count != len(stops) {
		t.Fatalf("Expected %d stops after re-insert, got %d", len(stops), count)
	}
}

// Tests saving the database to a zip file and loading it back
func TestRouteDBSaveLoad(t *testing.T) {
	db := NewRouteDB()
	if err := db.CreateRoute(sampleRoute(34)); err != nil {
		t.Fatalf("Failed to create route: %v", err)
	}
	stops, err := GenerateStops(34, linearPolyline(240), StopOptions{})
	if err != nil {
		t.Fatalf("Failed to generate stops: %v", err)
	}
	for _, stop := range stops {
		if err := db.CreateStop(stop); err != nil {
			t.Fatalf("Failed to create stop: %v", err)
		}
	}

	path := filepath.Join(t.TempDir(), "routes.db")
	if err := db.Save(path); err != nil {
		t.Fatalf("Failed to save database: %v", err)
	}

	restored, err := LoadRouteDB(path)
	if err != nil {
		t.Fatalf("Failed to load database: %v", err)
	}

	route, err := restored.GetRoute(34)
	if err != nil {
		t.Fatalf("Failed to get restored route: %v", err)
	}
	if route.Name != "Ruta 34 Centro" || len(route.Geometry.Points) != 12 {
		t.Fatalf("Restored route lost fields: %+v", route)
	}

	loaded, err := restored.StopsForRoute(34)
	if err != nil {
		t.Fatalf("Failed to load restored stops: %v", err)
	}
	if len(loaded) != len(stops) {
		t.Fatalf("Expected %d restored stops, got %d", len(stops), len(loaded))
	}

	// New stops in the restored database must not collide with old ids.
	extra := &models.Stop{RouteID: 34, Name: "Parada extra", Location: models.NewCoordinate(-96.9, 19.5)}
	if err := restored.CreateStop(extra); err != nil {
		t.Fatalf("Failed to create stop in restored database: %v", err)
	}
	for _, stop := range loaded {
		if stop.ID == extra.ID {
			t.Fatalf("Restored database reissued stop id %d", extra.ID)
		}
	}
}
