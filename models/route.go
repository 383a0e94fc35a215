package models

import (
	"encoding/json"
	"errors"

	"github.com/kelindar/column"
)

// Represents a bus route persisted to storage
type Route struct {
	ID              int64
	Name            string
	ShortName       string
	Color           string
	Zone            Zone
	Frequency       string
	ScheduleStart   string
	ScheduleEnd     string
	ApproximateTime string
	StopsCount      int
	Popular         bool
	Geometry        *RoutePolyline
}
type RouteMap map[int64]*Route

// Saves the route to the database
func (r Route) Save(row column.Row) error {
	row.SetString("name", r.Name)
	row.SetString("short_name", r.ShortName)
	row.SetString("color", r.Color)
	row.SetString("zone", string(r.Zone))
	row.SetString("frequency", r.Frequency)
	row.SetString("schedule_start", r.ScheduleStart)
	row.SetString("schedule_end", r.ScheduleEnd)
	row.SetString("approximate_time", r.ApproximateTime)
	row.SetInt("stops_count", r.StopsCount)
	row.SetBool("popular", r.Popular)

	if r.Geometry != nil {
		row.SetRecord("geometry", r.Geometry.Points)
		row.SetString("source_format", string(r.Geometry.SourceFormat))
	} else {
		row.SetRecord("geometry", CoordinateArray{})
		row.SetString("source_format", "")
	}

	return nil
}

// Loads the route from the database
func (r *Route) Load(id int64, row column.Row) error {
	name, nameOk := row.String("name")
	shortName, shortNameOk := row.String("short_name")
	color, colorOk := row.String("color")
	zone, zoneOk := row.String("zone")
	frequency, frequencyOk := row.String("frequency")
	scheduleStart, scheduleStartOk := row.String("schedule_start")
	scheduleEnd, scheduleEndOk := row.String("schedule_end")
	approximateTime, approximateTimeOk := row.String("approximate_time")
	stopsCount, stopsCountOk := row.Int("stops_count")
	popular := row.Bool("popular")
	geometryAny, geometryOk := row.Record("geometry")
	sourceFormat, sourceFormatOk := row.String("source_format")

	if !nameOk || !shortNameOk || !colorOk || !zoneOk || !frequencyOk ||
		!scheduleStartOk || !scheduleEndOk || !approximateTimeOk ||
		!stopsCountOk || !geometryOk || !sourceFormatOk {
		return errors.New("missing required fields")
	}

	points, ok := geometryAny.(*CoordinateArray)
	if !ok {
		return errors.New("invalid geometry format")
	}

	r.ID = id
	r.Name = name
	r.ShortName = shortName
	r.Color = color
	r.Zone = Zone(zone)
	r.Frequency = frequency
	r.ScheduleStart = scheduleStart
	r.ScheduleEnd = scheduleEnd
	r.ApproximateTime = approximateTime
	r.StopsCount = stopsCount
	r.Popular = popular
	r.Geometry = &RoutePolyline{
		Points:       *points,
		SourceFormat: SourceFormat(sourceFormat),
	}

	return nil
}

// Encode the Route struct into a record for SQL export. The geometry is
// serialised as a GeoJSON Feature document, which is what the map UI reads.
func (r *Route) Encode() ([]any, error) {
	var geoJSON []byte
	var err error
	if r.Geometry != nil {
		geoJSON, err = r.Geometry.MarshalGeoJSON(map[string]any{
			"id":        r.ID,
			"name":      r.Name,
			"shortName": r.ShortName,
			"color":     r.Color,
		})
		if err != nil {
			return nil, err
		}
	} else {
		geoJSON, _ = json.Marshal(nil)
	}

	return []any{
		r.ID,
		r.Name,
		r.ShortName,
		r.Color,
		string(r.Zone),
		r.Frequency,
		r.ScheduleStart,
		r.ScheduleEnd,
		r.ApproximateTime,
		r.StopsCount,
		r.Popular,
		string(geoJSON),
	}, nil
}
