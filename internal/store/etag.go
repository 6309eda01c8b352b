package store

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatETag renders a weak validator from a version number, e.g. W/"3".
func FormatETag(version int) string {
	return fmt.Sprintf(`W/"%d"`, version)
}

// ParseETag extracts the version number from a validator like W/"3" or "3".
func ParseETag(etag string) (int, error) {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)
	v, err := strconv.Atoi(etag)
	if err != nil {
		return 0, fmt.Errorf("ETag must contain a numeric version: %s", etag)
	}
	return v, nil
}

// MatchesETag reports whether a conditional-read validator names the
// current version. Malformed validators never match.
func MatchesETag(etag string, version int) bool {
	v, err := ParseETag(etag)
	if err != nil {
		return false
	}
	return v == version
}
