package ingest

import "github.com/xalapa-transit/ingest/models"

// Storage contract consumed by the pipeline. The web app's CRUD layer is a
// separate collaborator; these are the only operations the ingestion side
// needs.
type Store interface {
	CreateRoute(route *models.Route) error
	UpdateRoute(id int64, mutate func(*models.Route)) error
	GetRoute(id int64) (*models.Route, error)
	AllRoutes() (models.RouteMap, error)

	CreateStop(stop *models.Stop) error
	DeleteStopsForRoute(routeID int64) error
	CountStopsForRoute(routeID int64) (int, error)
	StopsForRoute(routeID int64) (models.StopArray, error)
}
