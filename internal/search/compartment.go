package search

import "github.com/fhir-candle/candle/internal/store"

// CompartmentDefinition maps resource types that belong to a compartment
// to the search parameter codes that link them to the compartment owner.
type CompartmentDefinition struct {
	Type      string
	Resources map[string][]string
}

// PatientCompartment lists the resource types in the Patient compartment
// and their linking parameters.
var PatientCompartment = CompartmentDefinition{
	Type: "Patient",
	Resources: map[string][]string{
		"AllergyIntolerance":       {"patient"},
		"Appointment":              {"patient"},
		"CarePlan":                 {"patient"},
		"CareTeam":                 {"patient"},
		"Communication":            {"patient"},
		"Composition":              {"patient"},
		"Condition":                {"patient", "subject"},
		"Consent":                  {"patient"},
		"Coverage":                 {"patient"},
		"DiagnosticReport":         {"patient", "subject"},
		"DocumentReference":        {"patient"},
		"Encounter":                {"patient", "subject"},
		"ImagingStudy":             {"patient"},
		"MedicationAdministration": {"patient"},
		"MedicationDispense":       {"patient"},
		"MedicationRequest":        {"patient", "subject"},
		"Observation":              {"patient", "subject"},
		"Procedure":                {"patient"},
		"QuestionnaireResponse":    {"patient"},
		"ServiceRequest":           {"patient"},
		"Specimen":                 {"patient"},
	},
}

// CompartmentFor returns the registered definition of a compartment type.
func (e *Engine) CompartmentFor(name string) (CompartmentDefinition, bool) {
	def, ok := e.compartments[name]
	return def, ok
}

// InCompartment reports whether a resource belongs to the named
// compartment subject. The compartment owner type itself matches on its
// logical id; every other type matches when one of its linking
// parameters references the subject.
func (e *Engine) InCompartment(name, subject string, res *store.Resource) bool {
	def, ok := e.compartments[name]
	if !ok {
		return false
	}
	if res.Type == name {
		return res.ID == subject
	}
	params, ok := def.Resources[res.Type]
	if !ok {
		return false
	}
	want := name + "/" + subject
	for _, code := range params {
		_, expr, ok := e.reg.Resolve(res.Type, code)
		if !ok || expr == nil {
			continue
		}
		for _, ref := range referenceCandidates(expr.Evaluate(res.Content)) {
			if ref == want {
				return true
			}
		}
	}
	return false
}
