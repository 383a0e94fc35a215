package ingest

import (
	"strings"

	"github.com/xalapa-transit/ingest/models"
)

// Presentation metadata derived for a route
type Classification struct {
	Zone            models.Zone
	Color           string
	ApproximateTime string
	Frequency       string
}

// Fixed zone colour table used across the map UI
var zoneColors = map[models.Zone]string{
	models.NorteZone:  "#EF4444",
	models.SurZone:    "#3B82F6",
	models.EsteZone:   "#22C55E",
	models.OesteZone:  "#A855F7",
	models.CentroZone: "#F97316",
}

// Named colours occasionally carried in KML placemark descriptions,
// checked in order so ties resolve deterministically
var namedColors = []struct {
	name string
	hex  string
}{
	{"amarillo", "#FFCC00"},
	{"azul", "#0066CC"},
	{"rojo", "#CC0000"},
	{"verde", "#00CC33"},
	{"naranja", "#FF6600"},
	{"morado", "#9900CC"},
	{"blanco", "#FFFFFF"},
	{"negro", "#333333"},
	{"gris", "#999999"},
	{"cafe", "#663300"},
}

// Prioritised keyword rules, evaluated top to bottom against descriptive
// text before falling back to the id-range table.
var zoneKeywordRules = []struct {
	keywords []string
	zone     models.Zone
}{
	{[]string{"camacho", "lomas verdes", "animas"}, models.NorteZone},
	{[]string{"sumidero", "coapexpan"}, models.OesteZone},
	{[]string{"zona uv", "universidad"}, models.EsteZone},
	{[]string{"centro"}, models.CentroZone},
	{[]string{"trancas", "xalapa 2000"}, models.SurZone},
}

// Canonical id-range table. The source scripts disagreed on the exact
// boundaries; this is the single table the pipeline standardises on.
var zoneIDRanges = []struct {
	low, high int64
	zone      models.Zone
}{
	{1, 25, models.NorteZone},
	{26, 50, models.SurZone},
	{51, 75, models.EsteZone},
	{76, 100, models.OesteZone},
}

// Candidate frequency strings used when the source carries no signal
var frequencyCandidates = []string{
	"10-15 min",
	"15-20 min",
	"20-30 min",
	"10 min",
	"15 min",
}

// Derive zone, colour, approximate duration, and frequency for a route.
// Pure: the frequency fallback is keyed off the route id rather than
// sampled randomly, so repeated imports agree.
func Classify(routeID int64, descriptiveText string, pointCount int) Classification {
	zone := classifyZone(routeID, descriptiveText)

	classification := Classification{
		Zone:            zone,
		Color:           zoneColors[zone],
		ApproximateTime: approximateTime(pointCount),
		Frequency:       frequencyCandidates[int(routeID)%len(frequencyCandidates)],
	}

	// A named colour in the description wins over the zone colour.
	text := strings.ToLower(descriptiveText)
	for _, colour := range namedColors {
		if strings.Contains(text, colour.name) {
			classification.Color = colour.hex
			break
		}
	}

	return classification
}

func classifyZone(routeID int64, descriptiveText string) models.Zone {
	if descriptiveText != "" {
		text := strings.ToLower(descriptiveText)
		for _, rule := range zoneKeywordRules {
			for _, keyword := range rule.keywords {
				if strings.Contains(text, keyword) {
					return rule.zone
				}
			}
		}
	}

	for _, entry := range zoneIDRanges {
		if routeID >= entry.low && routeID <= entry.high {
			return entry.zone
		}
	}
	return models.CentroZone
}

// Monotonic step function from polyline density to a bucketed duration
// string: denser routes take longer.
func approximateTime(pointCount int) string {
	switch {
	case pointCount <= 0:
		return "30-45 min"
	case pointCount < 100:
		return "20-30 min"
	case pointCount < 300:
		return "30-45 min"
	case pointCount < 600:
		return "45-60 min"
	default:
		return "60-90 min"
	}
}
