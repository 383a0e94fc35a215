package ingest

import "errors"

// Error kinds surfaced by the pipeline. Callers classify with errors.Is;
// per-route errors are logged and counted but never abort a batch.
var (
	// Normalizer
	ErrUnrecognizedFormat = errors.New("unrecognized geometry format")
	ErrInsufficientPoints = errors.New("insufficient coordinate points")

	// Extractor
	ErrMissingArchiveMember = errors.New("missing archive member")
	ErrConversionFailed     = errors.New("shapefile conversion failed")
	ErrEmptyGeometry        = errors.New("empty geometry")

	// Road snapper
	ErrMatchingUnavailable = errors.New("map matching unavailable")

	// Stop generator
	ErrInsufficientGeometry = errors.New("insufficient geometry for terminals")

	// Store
	ErrRouteNotFound = errors.New("route not found")
)
