package api

import (
	"net/http"
	"strconv"
	"time"
)

// timeLayouts are tried in order by parseTimeParam. The slash layouts are
// the formats existing clients send.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006/01/02 15:04",
	"2006/01/02",
}

// parseTimeParam parses a date query param. An empty string yields nil.
func parseTimeParam(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	var err error
	for _, layout := range timeLayouts {
		var t time.Time
		if t, err = time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, err
}

// parseLimit reads the limit query param. Zero means "use the default".
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 0, true
	}
	l, err := strconv.Atoi(limitStr)
	if err != nil || l < 1 {
		writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
		return 0, false
	}
	return l, true
}

// paged writes a list response with its optional next cursor.
func paged(w http.ResponseWriter, key string, items any, nextCursor string) {
	resp := map[string]interface{}{
		key: items,
	}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}
