// Package util provides small, stateless helpers shared across the
// application. Functions here depend on no other internal package.
package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewDeploymentID returns a short opaque identifier: the first 8 hex
// characters of a UUID v4. Short enough for URLs and container names,
// random enough that collisions are negligible on a single node.
func NewDeploymentID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
