package server

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/fhir-candle/candle/internal/search"
	"github.com/fhir-candle/candle/internal/tenant"
)

// handleSearch serves GET [type] and POST [type]/_search.
func (s *Server) handleSearch(c echo.Context) error {
	ten, ok := s.tenant(c)
	if !ok {
		return nil
	}
	resourceType := c.Param("type")

	values, err := searchValues(c)
	if err != nil {
		return s.outcome(c, http.StatusBadRequest, "invalid", "malformed search body: "+err.Error())
	}
	q := ten.Registry.ParseQuery(resourceType, values, search.Defaults{
		PageSize:    ten.Config.PageSize,
		MaxPageSize: ten.Config.MaxPageSize,
	})
	s.confineToPatient(c, ten, q)

	result, err := ten.Engine.Execute(c.Request().Context(), q)
	if err != nil {
		return err
	}
	selfPath := c.Request().URL.Path
	return s.respondTree(c, http.StatusOK, s.searchBundle(c, ten.Config.Name, selfPath, q, result))
}

// handleInstanceChild dispatches the fourth path segment: subscription
// operations on Subscription instances, compartment searches otherwise.
func (s *Server) handleInstanceChild(c echo.Context) error {
	child := c.Param("child")
	if c.Param("type") == "Subscription" {
		switch child {
		case "$status":
			return s.handleSubscriptionStatus(c)
		case "$events":
			return s.handleSubscriptionEvents(c)
		}
	}
	return s.handleCompartmentSearch(c)
}

// handleCompartmentSearch serves [compartment]/[id]/[type], a type
// search confined to one compartment subject.
func (s *Server) handleCompartmentSearch(c echo.Context) error {
	ten, ok := s.tenant(c)
	if !ok {
		return nil
	}
	compartmentType := c.Param("type")
	subject := c.Param("id")
	resourceType := c.Param("child")

	if _, known := ten.Engine.CompartmentFor(compartmentType); !known {
		return s.outcome(c, http.StatusNotFound, "not-found", "unknown compartment or operation: "+compartmentType)
	}

	q := ten.Registry.ParseQuery(resourceType, c.QueryParams(), search.Defaults{
		PageSize:    ten.Config.PageSize,
		MaxPageSize: ten.Config.MaxPageSize,
	})
	q.Compartment = &search.CompartmentScope{Name: compartmentType, Subject: subject}

	if pid, restricted := patientContext(c); restricted && (compartmentType != "Patient" || subject != pid) {
		return s.outcome(c, http.StatusForbidden, "forbidden", "token is confined to another patient compartment")
	}

	result, err := ten.Engine.Execute(c.Request().Context(), q)
	if err != nil {
		return err
	}
	return s.respondTree(c, http.StatusOK, s.searchBundle(c, ten.Config.Name, c.Request().URL.Path, q, result))
}

// searchValues merges query parameters with form parameters for POST
// _search.
func searchValues(c echo.Context) (url.Values, error) {
	values := url.Values{}
	for k, vs := range c.QueryParams() {
		values[k] = vs
	}
	if c.Request().Method == http.MethodPost {
		form, err := c.FormParams()
		if err != nil {
			return nil, err
		}
		for k, vs := range form {
			values[k] = append(values[k], vs...)
		}
	}
	return values, nil
}

// confineToPatient narrows a patient-scoped request to its compartment.
// Types the Patient compartment does not cover stay unconfined.
func (s *Server) confineToPatient(c echo.Context, ten *tenant.Tenant, q *search.Query) {
	pid, ok := patientContext(c)
	if !ok {
		return
	}
	def, found := ten.Engine.CompartmentFor("Patient")
	if !found {
		return
	}
	if q.Type == "Patient" {
		q.Compartment = &search.CompartmentScope{Name: "Patient", Subject: pid}
		return
	}
	if _, member := def.Resources[q.Type]; member {
		q.Compartment = &search.CompartmentScope{Name: "Patient", Subject: pid}
	}
}

// searchBundle renders an executed search as a searchset bundle with
// self and next links derived from the applied query string.
func (s *Server) searchBundle(c echo.Context, tenantName, selfPath string, q *search.Query, result *search.Result) map[string]interface{} {
	base := baseURL(c, tenantName)
	self := c.Scheme() + "://" + c.Request().Host + selfPath
	if applied := result.Applied; applied != "" {
		self += "?" + applied
	}
	links := []interface{}{
		map[string]interface{}{"relation": "self", "url": self},
	}

	entries := make([]interface{}, 0, len(result.Entries))
	matches := 0
	for _, e := range result.Entries {
		if e.Mode == "match" {
			matches++
		}
		entries = append(entries, map[string]interface{}{
			"fullUrl":  base + "/" + e.Resource.Ref(),
			"resource": e.Resource.Content,
			"search":   map[string]interface{}{"mode": e.Mode},
		})
	}

	if next, ok := nextLink(c, selfPath, q, result, matches); ok {
		links = append(links, map[string]interface{}{"relation": "next", "url": next})
	}

	return map[string]interface{}{
		"resourceType": "Bundle",
		"id":           uuid.NewString(),
		"type":         "searchset",
		"total":        result.Total,
		"link":         links,
		"entry":        entries,
	}
}

// nextLink builds the follow-on page URL when matches remain past this
// page.
func nextLink(c echo.Context, selfPath string, q *search.Query, result *search.Result, pageLen int) (string, bool) {
	if q.Offset+pageLen >= result.Total || pageLen == 0 {
		return "", false
	}
	values, err := url.ParseQuery(result.Applied)
	if err != nil {
		return "", false
	}
	values.Set("_offset", strconv.Itoa(q.Offset+pageLen))
	if values.Get("_count") == "" {
		values.Set("_count", strconv.Itoa(q.Count))
	}
	return c.Scheme() + "://" + c.Request().Host + selfPath + "?" + values.Encode(), true
}
