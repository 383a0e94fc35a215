package models

import (
	"errors"
	"fmt"

	"github.com/kelindar/column"
)

// Represents a stop along a bus route. Stops are exclusively owned by their
// route and are regenerated as a batch whenever the route's geometry changes.
type Stop struct {
	ID           int64
	RouteID      int64
	Name         string
	Location     Coordinate
	IsTerminal   bool
	TerminalType TerminalType
}
type StopArray []*Stop

// Saves the stop to the database
func (s Stop) Save(row column.Row) error {
	row.SetInt64("route_id", s.RouteID)
	row.SetString("name", s.Name)
	row.SetFloat64("longitude", s.Location.Longitude)
	row.SetFloat64("latitude", s.Location.Latitude)
	row.SetBool("is_terminal", s.IsTerminal)
	row.SetString("terminal_type", string(s.TerminalType))

	return nil
}

// Loads the stop from the database
func (s *Stop) Load(id int64, row column.Row) error {
	routeID, routeIDOk := row.Int64("route_id")
	name, nameOk := row.String("name")
	longitude, longitudeOk := row.Float64("longitude")
	latitude, latitudeOk := row.Float64("latitude")
	isTerminal := row.Bool("is_terminal")
	terminalType, terminalTypeOk := row.String("terminal_type")

	if !routeIDOk || !nameOk || !longitudeOk || !latitudeOk || !terminalTypeOk {
		return errors.New("missing required fields")
	}

	s.ID = id
	s.RouteID = routeID
	s.Name = name
	s.Location = NewCoordinate(longitude, latitude)
	s.IsTerminal = isTerminal
	s.TerminalType = TerminalType(terminalType)

	return nil
}

// Encode the Stop struct into a record for SQL export. Latitude and
// longitude are exported as decimal-degree strings, matching the web app's
// schema.
func (s *Stop) Encode() []any {
	return []any{
		s.ID,
		s.RouteID,
		s.Name,
		fmt.Sprintf("%f", s.Location.Latitude),
		fmt.Sprintf("%f", s.Location.Longitude),
		s.IsTerminal,
		string(s.TerminalType),
	}
}

// Check that a stop set carries exactly one first terminal and, for sets of
// two or more, exactly one last terminal.
func (sa StopArray) ValidateTerminals() error {
	if len(sa) == 0 {
		return nil
	}

	firsts, lasts := 0, 0
	for _, stop := range sa {
		switch stop.TerminalType {
		case TerminalFirst:
			firsts++
		case TerminalLast:
			lasts++
		}
	}

	if firsts != 1 {
		return fmt.Errorf("expected exactly 1 first terminal, found %d", firsts)
	}
	if len(sa) >= 2 && lasts != 1 {
		return fmt.Errorf("expected exactly 1 last terminal, found %d", lasts)
	}
	if len(sa) == 1 && lasts != 0 {
		return errors.New("single-stop set must not carry a last terminal")
	}
	return nil
}
