package models

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/umahmood/haversine"
)

// Service-area zone used for route colouring and grouping
type Zone string

const (
	NorteZone  Zone = "norte"
	SurZone    Zone = "sur"
	EsteZone   Zone = "este"
	OesteZone  Zone = "oeste"
	CentroZone Zone = "centro"
)

// Check if the zone is one of the five recognised service-area zones.
func (z Zone) IsValid() bool {
	switch z {
	case NorteZone, SurZone, EsteZone, OesteZone, CentroZone:
		return true
	}
	return false
}

// Position of a stop within its route
type TerminalType string

const (
	TerminalNone  TerminalType = ""
	TerminalFirst TerminalType = "first"
	TerminalLast  TerminalType = "last"
)

// --- IDArray ---

type IDArray []int64

func (ia *IDArray) Append(id int64) {
	*ia = append(*ia, id)
}

func (ia IDArray) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(ia))); err != nil {
		return nil, err
	}
	for _, id := range ia {
		if err := binary.Write(buf, binary.LittleEndian, id); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (ia *IDArray) UnmarshalBinary(data []byte) error {
	reader := bytes.NewReader(data)

	var count uint32
	if err := binary.Read(reader, binary.LittleEndian, &count); err != nil {
		return err
	}

	ids := make(IDArray, count)
	for i := uint32(0); i < count; i++ {
		if err := binary.Read(reader, binary.LittleEndian, &ids[i]); err != nil {
			return err
		}
	}
	*ia = ids
	return nil
}

// --- Coordinate ---

// Represents a geographical coordinate. Longitude and latitude are named
// fields rather than a positional pair so that axis order is never ambiguous.
type Coordinate struct {
	Longitude float64
	Latitude  float64
}

// Create a new Coordinate instance from a GeoJSON-ordered [lon, lat] pair.
func NewCoordinate(lon, lat float64) Coordinate {
	return Coordinate{
		Longitude: lon,
		Latitude:  lat,
	}
}

// Return a string representation of the coordinate in the format "lon,lat".
func (c Coordinate) String() string {
	return fmt.Sprintf("%f,%f", c.Longitude, c.Latitude)
}

// Check if the coordinate is valid (longitude between -180 and 180, latitude between -90 and 90).
func (c Coordinate) IsValid() bool {
	return c.Longitude >= -180 && c.Longitude <= 180 && c.Latitude >= -90 && c.Latitude <= 90
}

// Return the coordinate as a GeoJSON-ordered [lon, lat] pair.
func (c Coordinate) Pair() [2]float64 {
	return [2]float64{c.Longitude, c.Latitude}
}

// Calculate the distance to another coordinate in kilometres using the Haversine formula.
func (c Coordinate) DistanceTo(other Coordinate) float64 {
	_, km := haversine.Distance(
		haversine.Coord{Lat: c.Latitude, Lon: c.Longitude},
		haversine.Coord{Lat: other.Latitude, Lon: other.Longitude},
	)
	return km
}

type CoordinateArray []Coordinate

func (ca CoordinateArray) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	count := uint32(len(ca))

	if err := binary.Write(buf, binary.LittleEndian, count); err != nil {
		return nil, err
	}

	for _, coord := range ca {
		if err := binary.Write(buf, binary.LittleEndian, coord.Longitude); err != nil {
			return nil, err
		}
		if err := binary.Write(buf, binary.LittleEndian, coord.Latitude); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func (ca *CoordinateArray) UnmarshalBinary(data []byte) error {
	reader := bytes.NewReader(data)

	var count uint32
	if err := binary.Read(reader, binary.LittleEndian, &count); err != nil {
		return err
	}

	*ca = make(CoordinateArray, count)
	for i := uint32(0); i < count; i++ {
		if err := binary.Read(reader, binary.LittleEndian, &(*ca)[i].Longitude); err != nil {
			return err
		}
		if err := binary.Read(reader, binary.LittleEndian, &(*ca)[i].Latitude); err != nil {
			return err
		}
	}

	if reader.Len() > 0 {
		return errors.New("extra data after unmarshalling")
	}

	return nil
}

// Return the coordinates as GeoJSON-ordered [lon, lat] pairs.
func (ca CoordinateArray) Pairs() [][2]float64 {
	pairs := make([][2]float64, len(ca))
	for i, coord := range ca {
		pairs[i] = coord.Pair()
	}
	return pairs
}
