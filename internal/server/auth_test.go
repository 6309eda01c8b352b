package server

import (
	"net/http"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fhir-candle/candle/internal/config"
)

const testSecret = "unit-test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// ---------------------------------------------------------------------------

func TestParseScopes(t *testing.T) {
	scopes := parseScopes("openid launch/patient patient/Observation.read user/*.write system/Encounter.cruds junk")
	if len(scopes) != 3 {
		t.Fatalf("scopes = %v", scopes)
	}
	if scopes[0] != (smartScope{"patient", "Observation", "read"}) {
		t.Errorf("scopes[0] = %v", scopes[0])
	}
	if scopes[1] != (smartScope{"user", "*", "write"}) {
		t.Errorf("scopes[1] = %v", scopes[1])
	}
	if scopes[2] != (smartScope{"system", "Encounter", "*"}) {
		t.Errorf("scopes[2] = %v", scopes[2])
	}
}

func TestNoTokenMeansNoRestriction(t *testing.T) {
	s := newTestServer(t, config.Config{AuthSecret: testSecret})
	createPatient(t, s, "p1", "Smith")

	if rec := do(t, s, http.MethodGet, "/default/Patient/p1", "", nil); rec.Code != http.StatusOK {
		t.Errorf("unauthenticated read: %d", rec.Code)
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	s := newTestServer(t, config.Config{AuthSecret: testSecret})

	rec := do(t, s, http.MethodGet, "/default/Patient/p1", "", bearer("not.a.token"))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("garbage token: %d", rec.Code)
	}

	wrongKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"scope": "user/*.read"}).
		SignedString([]byte("some-other-secret"))
	if err != nil {
		t.Fatal(err)
	}
	if rec := do(t, s, http.MethodGet, "/default/Patient/p1", "", bearer(wrongKey)); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong signature: %d", rec.Code)
	}
}

func TestScopeRestrictsTypeAndOperation(t *testing.T) {
	s := newTestServer(t, config.Config{AuthSecret: testSecret})
	createPatient(t, s, "p1", "Smith")

	token := signToken(t, jwt.MapClaims{"scope": "user/Observation.read"})

	if rec := do(t, s, http.MethodGet, "/default/Observation", "", bearer(token)); rec.Code != http.StatusOK {
		t.Errorf("granted search: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/default/Patient/p1", "", bearer(token)); rec.Code != http.StatusForbidden {
		t.Errorf("ungranted type: %d", rec.Code)
	}
	rec := do(t, s, http.MethodPost, "/default/Observation", `{"resourceType":"Observation","status":"final"}`, bearer(token))
	if rec.Code != http.StatusForbidden {
		t.Errorf("ungranted write: %d", rec.Code)
	}
}

func TestPatientScopeConfinesToCompartment(t *testing.T) {
	s := newTestServer(t, config.Config{AuthSecret: testSecret})
	createPatient(t, s, "p1", "Smith")
	createPatient(t, s, "p2", "Jones")
	do(t, s, http.MethodPost, "/default/Observation",
		`{"resourceType":"Observation","id":"o1","status":"final","subject":{"reference":"Patient/p1"}}`, nil)
	do(t, s, http.MethodPost, "/default/Observation",
		`{"resourceType":"Observation","id":"o2","status":"final","subject":{"reference":"Patient/p2"}}`, nil)

	token := signToken(t, jwt.MapClaims{
		"scope":   "patient/Observation.read patient/Patient.read",
		"patient": "p1",
	})

	rec := do(t, s, http.MethodGet, "/default/Observation", "", bearer(token))
	if rec.Code != http.StatusOK {
		t.Fatalf("search: %d %s", rec.Code, rec.Body.String())
	}
	if ids := matchIDs(t, decode(t, rec)); len(ids) != 1 || ids[0] != "o1" {
		t.Errorf("compartment search = %v", ids)
	}

	if rec := do(t, s, http.MethodGet, "/default/Observation/o2", "", bearer(token)); rec.Code != http.StatusForbidden {
		t.Errorf("read outside compartment: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/default/Observation/o1", "", bearer(token)); rec.Code != http.StatusOK {
		t.Errorf("read inside compartment: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/default/Patient/p2", "", bearer(token)); rec.Code != http.StatusForbidden {
		t.Errorf("other patient record: %d", rec.Code)
	}

	// the compartment route itself rejects other subjects
	if rec := do(t, s, http.MethodGet, "/default/Patient/p2/Observation", "", bearer(token)); rec.Code != http.StatusForbidden {
		t.Errorf("foreign compartment route: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/default/Patient/p1/Observation", "", bearer(token)); rec.Code != http.StatusOK {
		t.Errorf("own compartment route: %d", rec.Code)
	}
}

func TestIssuerEnforcedWhenConfigured(t *testing.T) {
	s := newTestServer(t, config.Config{AuthSecret: testSecret, AuthIssuer: "https://auth.example.com"})
	createPatient(t, s, "p1", "Smith")

	noIssuer := signToken(t, jwt.MapClaims{"scope": "user/*.read"})
	if rec := do(t, s, http.MethodGet, "/default/Patient/p1", "", bearer(noIssuer)); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing issuer: %d", rec.Code)
	}

	good := signToken(t, jwt.MapClaims{"scope": "user/*.read", "iss": "https://auth.example.com"})
	if rec := do(t, s, http.MethodGet, "/default/Patient/p1", "", bearer(good)); rec.Code != http.StatusOK {
		t.Errorf("matching issuer: %d", rec.Code)
	}
}
