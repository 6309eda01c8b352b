package server

import (
	"bytes"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fhir-candle/candle/internal/store"
)

// ConditionalRead implements HTTP 304 semantics for single-resource GET
// responses. The downstream handler runs normally; its buffered 200
// response is replaced with 304 Not Modified when If-None-Match names
// the current version or If-Modified-Since is at or after the
// resource's Last-Modified.
//
// Bundles (search, history) and non-200 responses pass through
// untouched.
func ConditionalRead() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Method != http.MethodGet {
				return next(c)
			}
			ifNoneMatch := c.Request().Header.Get("If-None-Match")
			ifModifiedSince := c.Request().Header.Get("If-Modified-Since")
			if ifNoneMatch == "" && ifModifiedSince == "" {
				return next(c)
			}

			orig := c.Response().Writer
			rec := &bufferedResponse{ResponseWriter: orig, body: &bytes.Buffer{}, status: http.StatusOK}
			c.Response().Writer = rec

			if err := next(c); err != nil {
				c.Response().Writer = orig
				return err
			}

			if rec.status != http.StatusOK || isBundle(rec.body.Bytes()) {
				return rec.flush(orig)
			}

			if ifNoneMatch != "" {
				if etag := rec.Header().Get("ETag"); etag != "" && etagsMatch(ifNoneMatch, etag) {
					return notModified(orig)
				}
			}
			if ifModifiedSince != "" {
				if lm := rec.Header().Get("Last-Modified"); lm != "" && !modifiedSince(lm, ifModifiedSince) {
					return notModified(orig)
				}
			}
			return rec.flush(orig)
		}
	}
}

// bufferedResponse captures status and body so the middleware can
// inspect headers before anything reaches the wire.
type bufferedResponse struct {
	http.ResponseWriter
	body      *bytes.Buffer
	status    int
	wroteHead bool
}

func (r *bufferedResponse) WriteHeader(code int) {
	r.status = code
	r.wroteHead = true
}

func (r *bufferedResponse) Write(b []byte) (int, error) {
	if !r.wroteHead {
		r.wroteHead = true
	}
	return r.body.Write(b)
}

func (r *bufferedResponse) flush(w http.ResponseWriter) error {
	w.WriteHeader(r.status)
	_, err := w.Write(r.body.Bytes())
	return err
}

func notModified(w http.ResponseWriter) error {
	w.Header().Del("Content-Type")
	w.WriteHeader(http.StatusNotModified)
	return nil
}

// etagsMatch applies weak comparison: W/"3" and "3" name the same
// version. A wildcard matches anything.
func etagsMatch(ifNoneMatch, responseETag string) bool {
	if ifNoneMatch == "*" {
		return true
	}
	client, err1 := store.ParseETag(ifNoneMatch)
	server, err2 := store.ParseETag(responseETag)
	return err1 == nil && err2 == nil && client == server
}

// modifiedSince reports whether Last-Modified is after the client's
// timestamp. Unparseable values count as modified so the full response
// goes out.
func modifiedSince(lastModified, ifModifiedSince string) bool {
	lm, ok := parseHTTPTime(lastModified)
	if !ok {
		return true
	}
	ims, ok := parseHTTPTime(ifModifiedSince)
	if !ok {
		return true
	}
	return lm.After(ims)
}

func parseHTTPTime(v string) (time.Time, bool) {
	for _, layout := range []string{http.TimeFormat, time.RFC3339} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// isBundle checks the head of the body for a Bundle so collection
// responses skip conditional handling.
func isBundle(body []byte) bool {
	limit := 256
	if len(body) < limit {
		limit = len(body)
	}
	head := body[:limit]
	return bytes.Contains(head, []byte(`"resourceType":"Bundle"`)) ||
		bytes.Contains(head, []byte(`"resourceType": "Bundle"`)) ||
		bytes.Contains(head, []byte(`<Bundle`))
}
