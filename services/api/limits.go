package api

import (
	"fmt"
	"strconv"
	"strings"
)

const maxLimit = 100

// Default result counts per search kind.
const (
	defaultArtworksByImage = 2
	defaultArtworksByURL   = 1
	defaultAuthors         = 2
	defaultByVector        = 2
	defaultSimilar         = 2
	defaultSimilarAuthors  = 5
)

// clampLimit bounds n to [1, maxLimit]; nil selects def.
func clampLimit(n *int, def int) int {
	if n == nil {
		return def
	}
	switch {
	case *n < 1:
		return 1
	case *n > maxLimit:
		return maxLimit
	default:
		return *n
	}
}

// parseLimit reads a limit from a query or form value. Empty selects def.
func parseLimit(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return clampLimit(&n, def), nil
}
