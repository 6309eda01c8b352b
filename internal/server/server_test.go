package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fhir-candle/candle/internal/config"
	"github.com/fhir-candle/candle/internal/tenant"
)

func newTestServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	if cfg.Tenants == nil {
		cfg.Tenants = []string{"default"}
	}
	coord := tenant.NewCoordinator(zerolog.Nop())
	for _, name := range cfg.Tenants {
		if _, err := coord.Add(tenant.Config{
			Name:           name,
			AllowClientIDs: true,
			CreateAsUpdate: true,
			PageSize:       20,
			MaxPageSize:    500,
		}); err != nil {
			t.Fatalf("add tenant %s: %v", name, err)
		}
	}
	t.Cleanup(coord.Shutdown)
	return New(cfg, coord, zerolog.Nop())
}

func do(t *testing.T, s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/fhir+json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var tree map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &tree); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return tree
}

func createPatient(t *testing.T, s *Server, id, family string) {
	t.Helper()
	body := fmt.Sprintf(`{"resourceType":"Patient","id":%q,"name":[{"family":%q}]}`, id, family)
	rec := do(t, s, http.MethodPost, "/default/Patient", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create patient %s: %d %s", id, rec.Code, rec.Body.String())
	}
}

func matchIDs(t *testing.T, bundle map[string]interface{}) []string {
	t.Helper()
	var ids []string
	entries, _ := bundle["entry"].([]interface{})
	for _, e := range entries {
		em := e.(map[string]interface{})
		if sm, ok := em["search"].(map[string]interface{}); ok && sm["mode"] != "match" {
			continue
		}
		res := em["resource"].(map[string]interface{})
		ids = append(ids, res["id"].(string))
	}
	return ids
}

// ---------------------------------------------------------------------------
// crud
// ---------------------------------------------------------------------------

func TestCreateReadRoundTrip(t *testing.T) {
	s := newTestServer(t, config.Config{})

	rec := do(t, s, http.MethodPost, "/default/Patient", `{"resourceType":"Patient","name":[{"family":"Smith"}]}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	if etag := rec.Header().Get("ETag"); etag != `W/"1"` {
		t.Errorf("ETag = %s", etag)
	}
	loc := rec.Header().Get("Location")
	if !strings.Contains(loc, "/default/Patient/") || !strings.HasSuffix(loc, "/_history/1") {
		t.Errorf("Location = %s", loc)
	}
	id := decode(t, rec)["id"].(string)

	rec = do(t, s, http.MethodGet, "/default/Patient/"+id, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/fhir+json") {
		t.Errorf("Content-Type = %s", ct)
	}
	got := decode(t, rec)
	if got["id"] != id {
		t.Errorf("read returned id %v", got["id"])
	}
	meta, _ := got["meta"].(map[string]interface{})
	if meta == nil || meta["versionId"] != "1" {
		t.Errorf("meta = %v", got["meta"])
	}
}

func TestUnknownTenant(t *testing.T) {
	s := newTestServer(t, config.Config{})
	rec := do(t, s, http.MethodGet, "/nope/Patient/p1", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if decode(t, rec)["resourceType"] != "OperationOutcome" {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestCreateTypeMismatch(t *testing.T) {
	s := newTestServer(t, config.Config{})
	rec := do(t, s, http.MethodPost, "/default/Patient", `{"resourceType":"Observation","status":"final"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUpdateVersionSemantics(t *testing.T) {
	s := newTestServer(t, config.Config{})
	createPatient(t, s, "p1", "Smith")

	// malformed If-Match
	rec := do(t, s, http.MethodPut, "/default/Patient/p1",
		`{"resourceType":"Patient","id":"p1"}`, map[string]string{"If-Match": "not-a-version"})
	if rec.Code != http.StatusPreconditionFailed {
		t.Errorf("malformed If-Match: %d", rec.Code)
	}

	// stale If-Match
	rec = do(t, s, http.MethodPut, "/default/Patient/p1",
		`{"resourceType":"Patient","id":"p1"}`, map[string]string{"If-Match": `W/"7"`})
	if rec.Code != http.StatusConflict {
		t.Errorf("stale If-Match: %d", rec.Code)
	}

	// matching If-Match
	rec = do(t, s, http.MethodPut, "/default/Patient/p1",
		`{"resourceType":"Patient","id":"p1","active":true}`, map[string]string{"If-Match": `W/"1"`})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body.String())
	}
	if etag := rec.Header().Get("ETag"); etag != `W/"2"` {
		t.Errorf("ETag = %s", etag)
	}

	// create-as-update on a fresh id
	rec = do(t, s, http.MethodPut, "/default/Patient/p2", `{"resourceType":"Patient","id":"p2"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Errorf("upsert: %d", rec.Code)
	}

	// body id contradicting the path
	rec = do(t, s, http.MethodPut, "/default/Patient/p1", `{"resourceType":"Patient","id":"other"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("id mismatch: %d", rec.Code)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestServer(t, config.Config{})
	createPatient(t, s, "p1", "Smith")

	if rec := do(t, s, http.MethodDelete, "/default/Patient/p1", "", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/default/Patient/p1", "", nil); rec.Code != http.StatusGone {
		t.Errorf("read after delete: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodDelete, "/default/Patient/p1", "", nil); rec.Code != http.StatusNoContent {
		t.Errorf("repeat delete: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodDelete, "/default/Patient/never-there", "", nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete of absent id: %d", rec.Code)
	}
}

func TestVReadAndHistory(t *testing.T) {
	s := newTestServer(t, config.Config{})
	createPatient(t, s, "p1", "Smith")
	do(t, s, http.MethodPut, "/default/Patient/p1", `{"resourceType":"Patient","id":"p1","active":true}`, nil)
	do(t, s, http.MethodDelete, "/default/Patient/p1", "", nil)

	rec := do(t, s, http.MethodGet, "/default/Patient/p1/_history/1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("vread 1: %d", rec.Code)
	}
	if decode(t, rec)["active"] != nil {
		t.Errorf("vread 1 returned a later version")
	}

	if rec := do(t, s, http.MethodGet, "/default/Patient/p1/_history/3", "", nil); rec.Code != http.StatusGone {
		t.Errorf("vread of tombstone: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/default/Patient/p1/_history/9", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("vread of unknown version: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/default/Patient/p1/_history/zero", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("vread of malformed version: %d", rec.Code)
	}

	rec = do(t, s, http.MethodGet, "/default/Patient/p1/_history", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history: %d", rec.Code)
	}
	bundle := decode(t, rec)
	if bundle["type"] != "history" || bundle["total"] != float64(3) {
		t.Errorf("bundle = type %v total %v", bundle["type"], bundle["total"])
	}
	entries := bundle["entry"].([]interface{})
	newest := entries[0].(map[string]interface{})
	if newest["resource"] != nil {
		t.Errorf("tombstone entry carries a resource")
	}
	if req := newest["request"].(map[string]interface{}); req["method"] != "DELETE" {
		t.Errorf("tombstone method = %v", req["method"])
	}
}

// ---------------------------------------------------------------------------
// search
// ---------------------------------------------------------------------------

func TestSearchBundleAndPaging(t *testing.T) {
	s := newTestServer(t, config.Config{})
	createPatient(t, s, "pa", "Adams")
	createPatient(t, s, "pb", "Brown")
	createPatient(t, s, "pc", "Clark")

	rec := do(t, s, http.MethodGet, "/default/Patient?_sort=family&_count=2", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("search: %d %s", rec.Code, rec.Body.String())
	}
	bundle := decode(t, rec)
	if bundle["type"] != "searchset" || bundle["total"] != float64(3) {
		t.Fatalf("bundle type %v total %v", bundle["type"], bundle["total"])
	}
	if ids := matchIDs(t, bundle); len(ids) != 2 || ids[0] != "pa" || ids[1] != "pb" {
		t.Errorf("page = %v", ids)
	}

	links := bundle["link"].([]interface{})
	var self, next string
	for _, l := range links {
		lm := l.(map[string]interface{})
		switch lm["relation"] {
		case "self":
			self = lm["url"].(string)
		case "next":
			next = lm["url"].(string)
		}
	}
	if !strings.Contains(self, "_count=2") || !strings.Contains(self, "_sort=family") {
		t.Errorf("self = %s", self)
	}
	if !strings.Contains(next, "_offset=2") {
		t.Fatalf("next = %s", next)
	}

	// follow the next link
	rec = do(t, s, http.MethodGet, next[strings.Index(next, "/default"):], "", nil)
	if ids := matchIDs(t, decode(t, rec)); len(ids) != 1 || ids[0] != "pc" {
		t.Errorf("second page = %v", ids)
	}
}

func TestSearchPostForm(t *testing.T) {
	s := newTestServer(t, config.Config{})
	createPatient(t, s, "pa", "Adams")
	createPatient(t, s, "pb", "Brown")

	req := httptest.NewRequest(http.MethodPost, "/default/Patient/_search", strings.NewReader("family=Brown"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("search: %d %s", rec.Code, rec.Body.String())
	}
	if ids := matchIDs(t, decode(t, rec)); len(ids) != 1 || ids[0] != "pb" {
		t.Errorf("matches = %v", ids)
	}
}

func TestCompartmentRoute(t *testing.T) {
	s := newTestServer(t, config.Config{})
	createPatient(t, s, "p1", "Smith")
	createPatient(t, s, "p2", "Jones")
	do(t, s, http.MethodPost, "/default/Observation",
		`{"resourceType":"Observation","id":"o1","status":"final","subject":{"reference":"Patient/p1"}}`, nil)
	do(t, s, http.MethodPost, "/default/Observation",
		`{"resourceType":"Observation","id":"o2","status":"final","subject":{"reference":"Patient/p2"}}`, nil)

	rec := do(t, s, http.MethodGet, "/default/Patient/p1/Observation", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("compartment search: %d %s", rec.Code, rec.Body.String())
	}
	if ids := matchIDs(t, decode(t, rec)); len(ids) != 1 || ids[0] != "o1" {
		t.Errorf("matches = %v", ids)
	}

	if rec := do(t, s, http.MethodGet, "/default/Encounter/e1/Observation", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown compartment: %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// negotiation and conditional reads
// ---------------------------------------------------------------------------

func TestContentNegotiationXML(t *testing.T) {
	s := newTestServer(t, config.Config{})
	createPatient(t, s, "p1", "Smith")

	rec := do(t, s, http.MethodGet, "/default/Patient/p1?_format=xml", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("xml read: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/fhir+xml") {
		t.Errorf("Content-Type = %s", ct)
	}
	if !strings.HasPrefix(rec.Body.String(), `<Patient xmlns="http://hl7.org/fhir">`) {
		t.Errorf("body = %s", rec.Body.String())
	}

	rec = do(t, s, http.MethodGet, "/default/Patient/p1", "", map[string]string{"Accept": "application/fhir+xml"})
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/fhir+xml") {
		t.Errorf("Accept negotiation Content-Type = %s", ct)
	}

	if rec := do(t, s, http.MethodGet, "/default/Patient/p1?_format=text/csv", "", nil); rec.Code != http.StatusNotAcceptable {
		t.Errorf("unknown format: %d", rec.Code)
	}
}

func TestConditionalRead(t *testing.T) {
	s := newTestServer(t, config.Config{})
	createPatient(t, s, "p1", "Smith")

	rec := do(t, s, http.MethodGet, "/default/Patient/p1", "", map[string]string{"If-None-Match": `W/"1"`})
	if rec.Code != http.StatusNotModified {
		t.Fatalf("matching validator: %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("304 carried a body: %s", rec.Body.String())
	}

	rec = do(t, s, http.MethodGet, "/default/Patient/p1", "", map[string]string{"If-None-Match": `W/"9"`})
	if rec.Code != http.StatusOK {
		t.Errorf("non-matching validator: %d", rec.Code)
	}

	// searches are never conditional
	rec = do(t, s, http.MethodGet, "/default/Patient", "", map[string]string{"If-None-Match": `W/"1"`})
	if rec.Code != http.StatusOK {
		t.Errorf("search with validator: %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// bundles, capability, metrics
// ---------------------------------------------------------------------------

func TestTransactionEndpoint(t *testing.T) {
	s := newTestServer(t, config.Config{})

	body := `{
		"resourceType": "Bundle",
		"type": "transaction",
		"entry": [
			{
				"fullUrl": "urn:uuid:11111111-1111-1111-1111-111111111111",
				"request": {"method": "POST", "url": "Patient"},
				"resource": {"resourceType": "Patient", "name": [{"family": "Smith"}]}
			},
			{
				"request": {"method": "POST", "url": "Observation"},
				"resource": {
					"resourceType": "Observation", "status": "final",
					"subject": {"reference": "urn:uuid:11111111-1111-1111-1111-111111111111"}
				}
			}
		]
	}`
	rec := do(t, s, http.MethodPost, "/default", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("transaction: %d %s", rec.Code, rec.Body.String())
	}
	bundle := decode(t, rec)
	if bundle["type"] != "transaction-response" {
		t.Errorf("type = %v", bundle["type"])
	}
	entries := bundle["entry"].([]interface{})
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	for i, e := range entries {
		resp := e.(map[string]interface{})["response"].(map[string]interface{})
		if resp["status"] != "201 Created" {
			t.Errorf("entry %d status = %v", i, resp["status"])
		}
	}

	// the local reference was rewritten to the assigned id
	rec = do(t, s, http.MethodGet, "/default/Observation", "", nil)
	obs := decode(t, rec)["entry"].([]interface{})[0].(map[string]interface{})["resource"].(map[string]interface{})
	ref := obs["subject"].(map[string]interface{})["reference"].(string)
	if strings.HasPrefix(ref, "urn:uuid:") || !strings.HasPrefix(ref, "Patient/") {
		t.Errorf("subject reference = %s", ref)
	}
}

func TestCapabilityStatement(t *testing.T) {
	s := newTestServer(t, config.Config{})
	rec := do(t, s, http.MethodGet, "/default/metadata", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metadata: %d", rec.Code)
	}
	cs := decode(t, rec)
	if cs["resourceType"] != "CapabilityStatement" || cs["fhirVersion"] != "4.0.1" {
		t.Errorf("capability = %v %v", cs["resourceType"], cs["fhirVersion"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, config.Config{})
	createPatient(t, s, "p1", "Smith")

	rec := do(t, s, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "candle_http_requests_total") {
		t.Errorf("exposition is missing the request counter")
	}
	if !strings.Contains(body, `candle_resources_resident{tenant="default"} 1`) {
		t.Errorf("exposition is missing the resident gauge:\n%s", body)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, config.Config{})
	rec := do(t, s, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
}

func TestTenantIsolationOverHTTP(t *testing.T) {
	s := newTestServer(t, config.Config{Tenants: []string{"alpha", "beta"}})

	rec := do(t, s, http.MethodPost, "/alpha/Patient", `{"resourceType":"Patient","id":"p1"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/beta/Patient/p1", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("cross-tenant read: %d", rec.Code)
	}
}
