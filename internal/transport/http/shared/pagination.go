package shared

import (
	"net/http"
	"strconv"
)

// Pagination is a limit/offset window over a listing.
type Pagination struct {
	Limit  int
	Offset int
}

// ParsePagination reads limit and offset from the query string. Malformed or
// out-of-range values fall back to the defaults; limit never exceeds maxLimit.
func ParsePagination(r *http.Request, defaultLimit, maxLimit int) Pagination {
	query := r.URL.Query()
	page := Pagination{
		Limit:  intAtLeast(query.Get("limit"), 1, defaultLimit),
		Offset: intAtLeast(query.Get("offset"), 0, 0),
	}
	if maxLimit > 0 && page.Limit > maxLimit {
		page.Limit = maxLimit
	}
	return page
}

func intAtLeast(raw string, minimum, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < minimum {
		return fallback
	}
	return v
}
