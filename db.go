package ingest

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/kelindar/column"
	"github.com/xalapa-transit/ingest/models"
)

const routeIndexKey = "routes"

// Columnar route/stop store with zip-snapshot persistence. Implements Store.
type RouteDB struct {
	routes *column.Collection
	stops  *column.Collection

	// Index collections
	stopsByRouteIndex *column.Collection
	routeIndex        *column.Collection

	nextStopID int64
}

// Create an empty route database with its schema initialised.
func NewRouteDB() *RouteDB {
	db := &RouteDB{nextStopID: 1}
	db.initialize()
	return db
}

// Initialize the route database schema
func (db *RouteDB) initialize() {
	// Initialize routes
	db.routes = column.NewCollection()
	db.routes.CreateColumn("id", column.ForKey())
	db.routes.CreateColumn("name", column.ForString())
	db.routes.CreateColumn("short_name", column.ForString())
	db.routes.CreateColumn("color", column.ForString())
	db.routes.CreateColumn("zone", column.ForString())
	db.routes.CreateColumn("frequency", column.ForString())
	db.routes.CreateColumn("schedule_start", column.ForString())
	db.routes.CreateColumn("schedule_end", column.ForString())
	db.routes.CreateColumn("approximate_time", column.ForString())
	db.routes.CreateColumn("stops_count", column.ForInt())
	db.routes.CreateColumn("popular", column.ForBool())
	db.routes.CreateColumn("source_format", column.ForString())
	db.routes.CreateColumn("geometry", column.ForRecord(func() *models.CoordinateArray {
		return new(models.CoordinateArray)
	}))

	// Initialize stops
	db.stops = column.NewCollection()
	db.stops.CreateColumn("id", column.ForKey())
	db.stops.CreateColumn("route_id", column.ForInt64())
	db.stops.CreateColumn("name", column.ForString())
	db.stops.CreateColumn("longitude", column.ForFloat64())
	db.stops.CreateColumn("latitude", column.ForFloat64())
	db.stops.CreateColumn("is_terminal", column.ForBool())
	db.stops.CreateColumn("terminal_type", column.ForString())

	// Initialize stopsByRouteIndex
	db.stopsByRouteIndex = column.NewCollection()
	db.stopsByRouteIndex.CreateColumn("route_id", column.ForKey())
	db.stopsByRouteIndex.CreateColumn("ids", column.ForRecord(func() *models.IDArray {
		return new(models.IDArray)
	}))

	// Initialize routeIndex
	db.routeIndex = column.NewCollection()
	db.routeIndex.CreateColumn("key", column.ForKey())
	db.routeIndex.CreateColumn("ids", column.ForRecord(func() *models.IDArray {
		return new(models.IDArray)
	}))
}

func routeKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// --- Routes ---

// Persist a new route record.
func (db *RouteDB) CreateRoute(route *models.Route) error {
	err := db.routes.InsertKey(routeKey(route.ID), route.Save)
	if err != nil {
		return err
	}
	return db.appendIndexID(db.routeIndex, routeIndexKey, route.ID)
}

// Apply a mutation to an existing route and persist it wholesale.
func (db *RouteDB) UpdateRoute(id int64, mutate func(*models.Route)) error {
	route, err := db.GetRoute(id)
	if err != nil {
		return err
	}
	mutate(route)
	route.ID = id

	return db.routes.QueryKey(routeKey(id), route.Save)
}

// Returns the route with the given ID
func (db *RouteDB) GetRoute(id int64) (*models.Route, error) {
	route := &models.Route{}

	err := db.routes.QueryKey(routeKey(id), func(row column.Row) error {
		return route.Load(id, row)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %d", ErrRouteNotFound, id)
	}
	return route, nil
}

// Returns all routes in the database
func (db *RouteDB) AllRoutes() (models.RouteMap, error) {
	ids, err := db.indexIDs(db.routeIndex, routeIndexKey)
	if err != nil {
		return models.RouteMap{}, nil // empty database
	}

	routes := make(models.RouteMap, len(ids))
	for _, id := range ids {
		route, err := db.GetRoute(id)
		if err != nil {
			return nil, err
		}
		routes[id] = route
	}
	return routes, nil
}

// --- Stops ---

// Persist a new stop, assigning it an id.
func (db *RouteDB) CreateStop(stop *models.Stop) error {
	if stop.ID == 0 {
		stop.ID = db.nextStopID
		db.nextStopID++
	} else if stop.ID >= db.nextStopID {
		db.nextStopID = stop.ID + 1
	}

	err := db.stops.InsertKey(routeKey(stop.ID), stop.Save)
	if err != nil {
		return err
	}
	return db.appendIndexID(db.stopsByRouteIndex, routeKey(stop.RouteID), stop.ID)
}

// Delete every stop owned by a route. Used for the delete-then-insert
// replacement discipline when a route's geometry is reprocessed.
func (db *RouteDB) DeleteStopsForRoute(routeID int64) error {
	ids, err := db.indexIDs(db.stopsByRouteIndex, routeKey(routeID))
	if err != nil {
		return nil // no stops recorded for this route
	}

	for _, id := range ids {
		if err := db.stops.DeleteKey(routeKey(id)); err != nil {
			return err
		}
	}

	return db.stopsByRouteIndex.QueryKey(routeKey(routeID), func(row column.Row) error {
		row.SetRecord("ids", models.IDArray{})
		return nil
	})
}

// Returns the number of stops for the given route
func (db *RouteDB) CountStopsForRoute(routeID int64) (int, error) {
	ids, err := db.indexIDs(db.stopsByRouteIndex, routeKey(routeID))
	if err != nil {
		return 0, nil
	}
	return len(ids), nil
}

// Returns all stops for the given route, in insertion order
func (db *RouteDB) StopsForRoute(routeID int64) (models.StopArray, error) {
	ids, err := db.indexIDs(db.stopsByRouteIndex, routeKey(routeID))
	if err != nil {
		return models.StopArray{}, nil
	}

	stops := make(models.StopArray, 0, len(ids))
	for _, id := range ids {
		stop := &models.Stop{}
		err := db.stops.QueryKey(routeKey(id), func(row column.Row) error {
			return stop.Load(id, row)
		})
		if err != nil {
			return nil, err
		}
		stops = append(stops, stop)
	}
	return stops, nil
}

// --- Index helpers ---

func (db *RouteDB) appendIndexID(index *column.Collection, key string, id int64) error {
	err := index.QueryKey(key, func(row column.Row) error {
		record, ok := row.Record("ids")
		if !ok {
			return errors.New("missing ids record")
		}
		ids, ok := record.(*models.IDArray)
		if !ok {
			return errors.New("invalid ids format")
		}

		updated := make(models.IDArray, len(*ids), len(*ids)+1)
		copy(updated, *ids)
		updated.Append(id)
		row.SetRecord("ids", updated)
		return nil
	})
	if err == nil {
		return nil
	}

	// First entry for this key
	return index.InsertKey(key, func(row column.Row) error {
		row.SetRecord("ids", models.IDArray{id})
		return nil
	})
}

func (db *RouteDB) indexIDs(index *column.Collection, key string) (models.IDArray, error) {
	var ids models.IDArray
	err := index.QueryKey(key, func(row column.Row) error {
		record, ok := row.Record("ids")
		if !ok {
			return errors.New("missing ids record")
		}
		stored, ok := record.(*models.IDArray)
		if !ok {
			return errors.New("invalid ids format")
		}
		ids = make(models.IDArray, len(*stored))
		copy(ids, *stored)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// --- Persistence ---

// Save the route database to a zip file.
func (db *RouteDB) Save(filePath string) error {
	zipFile, err := os.Create(filePath)
	if err != nil {
		return err
	}
	defer zipFile.Close()

	zipWriter := zip.NewWriter(zipFile)
	defer zipWriter.Close()

	collections := map[string]*column.Collection{
		"routes":               db.routes,
		"stops":                db.stops,
		"stops_by_route_index": db.stopsByRouteIndex,
		"route_index":          db.routeIndex,
	}

	// Write each collection to a separate file in the zip archive
	for name, collection := range collections {
		file, err := zipWriter.Create(name)
		if err != nil {
			return err
		}
		if err := collection.Snapshot(file); err != nil {
			return err
		}
	}

	// Write the metadata file
	metadataFile, err := zipWriter.Create("metadata.json")
	if err != nil {
		return err
	}
	metadata := map[string]any{
		"next_stop_id": db.nextStopID,
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	_, err = metadataFile.Write(metadataJSON)
	return err
}

// Load a route database from a zip file.
func LoadRouteDB(filePath string) (*RouteDB, error) {
	db := NewRouteDB()

	zipFile, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer zipFile.Close()

	fileStat, err := zipFile.Stat()
	if err != nil {
		return nil, err
	}

	zipReader, err := zip.NewReader(zipFile, fileStat.Size())
	if err != nil {
		return nil, err
	}

	for _, file := range zipReader.File {
		f, err := file.Open()
		if err != nil {
			return nil, err
		}

		switch file.Name {
		case "routes":
			err = db.routes.Restore(f)
		case "stops":
			err = db.stops.Restore(f)
		case "stops_by_route_index":
			err = db.stopsByRouteIndex.Restore(f)
		case "route_index":
			err = db.routeIndex.Restore(f)
		default:
			f.Close()
			continue
		}

		f.Close()
		if err != nil {
			return nil, err
		}
	}

	// Load the metadata file
	metadataFile, err := zipReader.Open("metadata.json")
	if err != nil {
		return nil, err
	}
	defer metadataFile.Close()

	metadata := make(map[string]any)
	if err := json.NewDecoder(metadataFile).Decode(&metadata); err != nil {
		return nil, err
	}

	nextStopIDF, ok := metadata["next_stop_id"].(float64)
	if !ok {
		return nil, errors.New("invalid metadata next_stop_id")
	}
	db.nextStopID = int64(nextStopIDF)

	return db, nil
}
