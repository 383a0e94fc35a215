package internal

import (
	"database/sql"

	"github.com/xalapa-transit/ingest/models"

	_ "modernc.org/sqlite"
)

// Open the web app's SQLite database.
func OpenDB(path string) (*sql.DB, error) {
	return sql.Open("sqlite", path)
}

func executePragmas(db *sql.DB) {
	// Speed up bulk inserts by reducing disk syncs. The export is always
	// rebuildable from the route database, so durability matters less here.
	db.Exec("PRAGMA synchronous = OFF;")

	// Use memory for the rollback journal. Faster, but journal is lost on crash.
	_, err := db.Exec("PRAGMA journal_mode = MEMORY;")
	if err != nil {
		db.Exec("PRAGMA journal_mode = WAL;")
	}

	// Store temporary tables/indices in memory.
	db.Exec("PRAGMA temp_store = MEMORY;")
}

// Create the tables the web app's CRUD layer reads, if they do not exist.
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bus_routes (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			short_name TEXT NOT NULL,
			color TEXT NOT NULL,
			zone TEXT NOT NULL,
			frequency TEXT,
			schedule_start TEXT,
			schedule_end TEXT,
			approximate_time TEXT,
			stops_count INTEGER NOT NULL DEFAULT 0,
			popular INTEGER NOT NULL DEFAULT 0,
			geo_json TEXT
		);

		CREATE TABLE IF NOT EXISTS bus_stops (
			id INTEGER PRIMARY KEY,
			route_id INTEGER NOT NULL REFERENCES bus_routes(id),
			name TEXT NOT NULL,
			latitude TEXT NOT NULL,
			longitude TEXT NOT NULL,
			is_terminal INTEGER NOT NULL DEFAULT 0,
			terminal_type TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_bus_stops_route ON bus_stops(route_id);
	`)
	return err
}

// PopulateDB exports routes and their stops into the web app's SQLite
// database inside a single transaction.
func PopulateDB(db *sql.DB, routes models.RouteMap, stopsByRoute map[int64]models.StopArray) error {
	// Execute PRAGMAs to optimize performance
	executePragmas(db)

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Save routes
	routeStmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO bus_routes
			(id, name, short_name, color, zone, frequency, schedule_start,
			 schedule_end, approximate_time, stops_count, popular, geo_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`)
	if err != nil {
		return err
	}
	defer routeStmt.Close()

	// Save stops - prepare statement outside the loop
	stopStmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO bus_stops
			(id, route_id, name, latitude, longitude, is_terminal, terminal_type)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`)
	if err != nil {
		return err
	}
	defer stopStmt.Close()

	for _, route := range routes {
		record, err := route.Encode()
		if err != nil {
			return err
		}
		if _, err := routeStmt.Exec(record...); err != nil {
			return err
		}

		// Replace the route's stop set wholesale
		if _, err := tx.Exec("DELETE FROM bus_stops WHERE route_id = ?;", route.ID); err != nil {
			return err
		}
		for _, stop := range stopsByRoute[route.ID] {
			if _, err := stopStmt.Exec(stop.Encode()...); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}
