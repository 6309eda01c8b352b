package server

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// handleBundle ingests a bundle POSTed to the tenant root. Transaction
// bundles process deletes, then creates, then updates, with local
// urn:uuid references resolved; there is no rollback, so the response
// reports each entry's individual outcome.
func (s *Server) handleBundle(c echo.Context) error {
	ten, ok := s.tenant(c)
	if !ok {
		return nil
	}
	body, err := readBody(c)
	if err != nil {
		return s.writeError(c, err)
	}

	results, err := ten.LoadBundle(body)
	if err != nil {
		return s.writeError(c, err)
	}
	s.metrics.SetResident(ten.Config.Name, ten.Store.Count())

	kind, _ := body["type"].(string)
	respType := "batch-response"
	if kind == "transaction" {
		respType = "transaction-response"
	}

	base := baseURL(c, ten.Config.Name)
	entries := make([]interface{}, 0, len(results))
	for _, r := range results {
		response := map[string]interface{}{
			"status": statusLine(r.Status),
		}
		if r.Location != "" {
			response["location"] = r.Location
		}
		if r.ETag != "" {
			response["etag"] = r.ETag
		}
		if r.Err != nil {
			response["outcome"] = Outcome("error", "processing", r.Err.Error())
		}
		entry := map[string]interface{}{"response": response}
		if r.Resource != nil && !r.Resource.Deleted {
			entry["resource"] = r.Resource.Content
			entry["fullUrl"] = base + "/" + r.Resource.Ref()
		}
		entries = append(entries, entry)
	}

	return s.respondTree(c, http.StatusOK, map[string]interface{}{
		"resourceType": "Bundle",
		"id":           uuid.NewString(),
		"type":         respType,
		"entry":        entries,
	})
}

// statusLine renders an HTTP status in the "201 Created" form bundle
// responses carry.
func statusLine(code int) string {
	return strconv.Itoa(code) + " " + http.StatusText(code)
}
