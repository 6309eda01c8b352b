package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/fhir-candle/candle/internal/store"
	"github.com/fhir-candle/candle/internal/tenant"
)

func (s *Server) handleCreate(c echo.Context) error {
	ten, ok := s.tenant(c)
	if !ok {
		return nil
	}
	resourceType := c.Param("type")
	if !ten.Supports(resourceType) {
		return s.outcome(c, http.StatusBadRequest, "not-supported", "resource type not supported: "+resourceType)
	}

	body, err := readBody(c)
	if err != nil {
		return s.writeError(c, err)
	}
	if body["resourceType"] != resourceType {
		return s.outcome(c, http.StatusBadRequest, "invalid",
			fmt.Sprintf("body resourceType %v does not match the request path", body["resourceType"]))
	}

	res, err := ten.Store.Create(body)
	if err != nil {
		return s.writeError(c, err)
	}
	s.metrics.SetResident(ten.Config.Name, ten.Store.Count())
	c.Response().Header().Set("Location", instanceURL(c, ten.Config.Name, res))
	return s.respondResource(c, http.StatusCreated, res)
}

func (s *Server) handleRead(c echo.Context) error {
	ten, ok := s.tenant(c)
	if !ok {
		return nil
	}
	res, err := ten.Store.Read(c.Param("type"), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	if !s.compartmentAllows(c, ten, res) {
		return s.outcome(c, http.StatusForbidden, "forbidden", "resource is outside the authorized patient compartment")
	}
	return s.respondResource(c, http.StatusOK, res)
}

func (s *Server) handleVRead(c echo.Context) error {
	ten, ok := s.tenant(c)
	if !ok {
		return nil
	}
	version, err := strconv.Atoi(c.Param("vid"))
	if err != nil || version < 1 {
		return s.outcome(c, http.StatusNotFound, "not-found", "invalid version id: "+c.Param("vid"))
	}
	res, err := ten.Store.ReadVersion(c.Param("type"), c.Param("id"), version)
	if err != nil {
		return s.writeError(c, err)
	}
	if res.Deleted {
		return s.outcome(c, http.StatusGone, "deleted",
			fmt.Sprintf("%s/%s version %d is a deletion", res.Type, res.ID, version))
	}
	if !s.compartmentAllows(c, ten, res) {
		return s.outcome(c, http.StatusForbidden, "forbidden", "resource is outside the authorized patient compartment")
	}
	return s.respondResource(c, http.StatusOK, res)
}

func (s *Server) handleUpdate(c echo.Context) error {
	ten, ok := s.tenant(c)
	if !ok {
		return nil
	}
	resourceType, id := c.Param("type"), c.Param("id")
	if !ten.Supports(resourceType) {
		return s.outcome(c, http.StatusBadRequest, "not-supported", "resource type not supported: "+resourceType)
	}

	expect := 0
	if header := c.Request().Header.Get("If-Match"); header != "" {
		v, err := store.ParseETag(header)
		if err != nil {
			return s.outcome(c, http.StatusPreconditionFailed, "processing", "malformed If-Match: "+header)
		}
		expect = v
	}

	body, err := readBody(c)
	if err != nil {
		return s.writeError(c, err)
	}
	if body["resourceType"] != resourceType {
		return s.outcome(c, http.StatusBadRequest, "invalid",
			fmt.Sprintf("body resourceType %v does not match the request path", body["resourceType"]))
	}
	if bodyID, ok := body["id"].(string); ok && bodyID != id {
		return s.outcome(c, http.StatusBadRequest, "invalid",
			fmt.Sprintf("body id %q does not match the request path", bodyID))
	}

	res, created, err := ten.Store.Update(resourceType, id, body, expect)
	if err != nil {
		return s.writeError(c, err)
	}
	s.metrics.SetResident(ten.Config.Name, ten.Store.Count())
	if created {
		c.Response().Header().Set("Location", instanceURL(c, ten.Config.Name, res))
		return s.respondResource(c, http.StatusCreated, res)
	}
	return s.respondResource(c, http.StatusOK, res)
}

// handleDelete is idempotent: deleting what is absent or already
// deleted still reports 204.
func (s *Server) handleDelete(c echo.Context) error {
	ten, ok := s.tenant(c)
	if !ok {
		return nil
	}
	_, err := ten.Store.Delete(c.Param("type"), c.Param("id"))
	if err != nil && !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrGone) {
		return s.writeError(c, err)
	}
	s.metrics.SetResident(ten.Config.Name, ten.Store.Count())
	return c.NoContent(http.StatusNoContent)
}

// handleHistory serves the instance history as a history bundle, newest
// version first. Deleted versions carry a request entry and no resource.
func (s *Server) handleHistory(c echo.Context) error {
	ten, ok := s.tenant(c)
	if !ok {
		return nil
	}
	versions, err := ten.Store.History(c.Param("type"), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}

	base := baseURL(c, ten.Config.Name)
	entries := make([]interface{}, 0, len(versions))
	for i := len(versions) - 1; i >= 0; i-- {
		res := versions[i]
		entry := map[string]interface{}{
			"fullUrl": base + "/" + res.Ref(),
			"request": map[string]interface{}{
				"method": historyMethod(res, i == 0),
				"url":    res.Ref(),
			},
			"response": map[string]interface{}{
				"status":       historyStatus(res, i == 0),
				"etag":         res.ETag(),
				"lastModified": res.LastModified.UTC().Format(time.RFC3339),
			},
		}
		if !res.Deleted {
			entry["resource"] = res.Content
		}
		entries = append(entries, entry)
	}

	return s.respondTree(c, http.StatusOK, map[string]interface{}{
		"resourceType": "Bundle",
		"id":           uuid.NewString(),
		"type":         "history",
		"total":        len(versions),
		"link": []interface{}{
			map[string]interface{}{"relation": "self", "url": base + "/" + c.Param("type") + "/" + c.Param("id") + "/_history"},
		},
		"entry": entries,
	})
}

func historyMethod(res *store.Resource, first bool) string {
	switch {
	case res.Deleted:
		return "DELETE"
	case first:
		return "POST"
	default:
		return "PUT"
	}
}

func historyStatus(res *store.Resource, first bool) string {
	switch {
	case res.Deleted:
		return "204 No Content"
	case first:
		return "201 Created"
	default:
		return "200 OK"
	}
}

func instanceURL(c echo.Context, tenantName string, res *store.Resource) string {
	return fmt.Sprintf("%s/%s/_history/%d", baseURL(c, tenantName), res.Ref(), res.Version)
}

// compartmentAllows applies the patient-scope restriction to a single
// resource read. Types outside the Patient compartment definition are
// not confined.
func (s *Server) compartmentAllows(c echo.Context, ten *tenant.Tenant, res *store.Resource) bool {
	pid, ok := patientContext(c)
	if !ok {
		return true
	}
	def, found := ten.Engine.CompartmentFor("Patient")
	if !found {
		return true
	}
	if res.Type != "Patient" {
		if _, member := def.Resources[res.Type]; !member {
			return true
		}
	}
	return ten.Engine.InCompartment("Patient", pid, res)
}
