package model

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/oklog/ulid/v2"
)

// jobIDSeparator joins the identity components of a job id. Components may
// not contain it, so a job id always splits back into exactly three parts.
const jobIDSeparator = "-"

// identComponent matches a single job identity component.
var identComponent = regexp.MustCompile(`^\w+$`)

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// JobID derives the deterministic id of a logical computation from the
// simulation type, simulation id and model (compute model or analysis
// report).
func JobID(simulationType, simulationID, model string) (string, error) {
	for _, c := range []struct{ name, value string }{
		{"simulationType", simulationType},
		{"simulationId", simulationID},
		{"model", model},
	} {
		if !identComponent.MatchString(c.value) {
			return "", fmt.Errorf("%w: %s %q is not a valid identifier", ErrInvalidRequest, c.name, c.value)
		}
	}
	return strings.Join([]string{simulationType, simulationID, model}, jobIDSeparator), nil
}

// ParseJobID splits a job id into its simulation type, simulation id and
// model components.
func ParseJobID(id string) (simulationType, simulationID, model string, err error) {
	parts := strings.Split(id, jobIDSeparator)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("%w: job id %q must have 3 components", ErrInvalidRequest, id)
	}
	for _, p := range parts {
		if !identComponent.MatchString(p) {
			return "", "", "", fmt.Errorf("%w: job id %q has an invalid component", ErrInvalidRequest, id)
		}
	}
	return parts[0], parts[1], parts[2], nil
}
