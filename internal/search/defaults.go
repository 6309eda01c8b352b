package search

// CoreDefinitions returns the search parameters registered for every
// tenant at initialization: the cross-resource parameters plus the common
// clinical types.
func CoreDefinitions() []Definition {
	ordered := []string{"eq", "ne", "gt", "lt", "ge", "le", "sa", "eb", "ap"}
	stringMods := []string{"missing", "exact", "contains"}

	return []Definition{
		// --- cross-resource ---
		{
			ID: "Resource-id", URL: "http://hl7.org/fhir/SearchParameter/Resource-id",
			Name: "ResourceId", Status: "active",
			Description: "Logical id of this artifact",
			Code:        "_id", Base: []string{"Resource"}, Type: "token",
			Expression: "Resource.id",
		},
		{
			ID: "Resource-lastUpdated", URL: "http://hl7.org/fhir/SearchParameter/Resource-lastUpdated",
			Name: "ResourceLastUpdated", Status: "active",
			Description: "When the resource version last changed",
			Code:        "_lastUpdated", Base: []string{"Resource"}, Type: "date",
			Expression: "Resource.meta.lastUpdated", Comparator: ordered,
		},
		{
			ID: "Resource-tag", URL: "http://hl7.org/fhir/SearchParameter/Resource-tag",
			Name: "ResourceTag", Status: "active",
			Description: "Tags applied to this resource",
			Code:        "_tag", Base: []string{"Resource"}, Type: "token",
			Expression: "Resource.meta.tag",
		},
		{
			ID: "Resource-profile", URL: "http://hl7.org/fhir/SearchParameter/Resource-profile",
			Name: "ResourceProfile", Status: "active",
			Description: "Profiles this resource claims to conform to",
			Code:        "_profile", Base: []string{"Resource"}, Type: "uri",
			Expression: "Resource.meta.profile",
		},
		{
			ID: "Resource-source", URL: "http://hl7.org/fhir/SearchParameter/Resource-source",
			Name: "ResourceSource", Status: "active",
			Description: "Identifies where the resource comes from",
			Code:        "_source", Base: []string{"Resource"}, Type: "uri",
			Expression: "Resource.meta.source",
		},

		// --- Patient ---
		{
			ID: "Patient-name", URL: "http://hl7.org/fhir/SearchParameter/Patient-name",
			Name: "PatientName", Status: "active",
			Description: "A server defined search that may match any of the string fields in the HumanName",
			Code:        "name", Base: []string{"Patient"}, Type: "string",
			Expression: "Patient.name", Modifier: stringMods,
		},
		{
			ID: "Patient-family", URL: "http://hl7.org/fhir/SearchParameter/Patient-family",
			Name: "PatientFamily", Status: "active",
			Description: "A portion of the family name of the patient",
			Code:        "family", Base: []string{"Patient"}, Type: "string",
			Expression: "Patient.name.family", Modifier: stringMods,
		},
		{
			ID: "Patient-given", URL: "http://hl7.org/fhir/SearchParameter/Patient-given",
			Name: "PatientGiven", Status: "active",
			Description: "A portion of the given name of the patient",
			Code:        "given", Base: []string{"Patient"}, Type: "string",
			Expression: "Patient.name.given", Modifier: stringMods,
		},
		{
			ID: "Patient-birthdate", URL: "http://hl7.org/fhir/SearchParameter/individual-birthdate",
			Name: "PatientBirthdate", Status: "active",
			Description: "The patient's date of birth",
			Code:        "birthdate", Base: []string{"Patient"}, Type: "date",
			Expression: "Patient.birthDate", Comparator: ordered,
		},
		{
			ID: "Patient-gender", URL: "http://hl7.org/fhir/SearchParameter/individual-gender",
			Name: "PatientGender", Status: "active",
			Description: "Gender of the patient",
			Code:        "gender", Base: []string{"Patient"}, Type: "token",
			Expression: "Patient.gender",
		},
		{
			ID: "Patient-identifier", URL: "http://hl7.org/fhir/SearchParameter/Patient-identifier",
			Name: "PatientIdentifier", Status: "active",
			Description: "A patient identifier",
			Code:        "identifier", Base: []string{"Patient"}, Type: "token",
			Expression: "Patient.identifier",
		},
		{
			ID: "Patient-active", URL: "http://hl7.org/fhir/SearchParameter/Patient-active",
			Name: "PatientActive", Status: "active",
			Description: "Whether the patient record is active",
			Code:        "active", Base: []string{"Patient"}, Type: "token",
			Expression: "Patient.active",
		},
		{
			ID: "Patient-general-practitioner", URL: "http://hl7.org/fhir/SearchParameter/Patient-general-practitioner",
			Name: "PatientGeneralPractitioner", Status: "active",
			Description: "Patient's nominated general practitioner",
			Code:        "general-practitioner", Base: []string{"Patient"}, Type: "reference",
			Expression: "Patient.generalPractitioner",
			Target:     []string{"Organization", "Practitioner", "PractitionerRole"},
		},

		// --- Practitioner ---
		{
			ID: "Practitioner-name", URL: "http://hl7.org/fhir/SearchParameter/Practitioner-name",
			Name: "PractitionerName", Status: "active",
			Description: "A server defined search that may match any of the string fields in the HumanName",
			Code:        "name", Base: []string{"Practitioner"}, Type: "string",
			Expression: "Practitioner.name", Modifier: stringMods,
		},
		{
			ID: "Practitioner-identifier", URL: "http://hl7.org/fhir/SearchParameter/Practitioner-identifier",
			Name: "PractitionerIdentifier", Status: "active",
			Description: "A practitioner's identifier",
			Code:        "identifier", Base: []string{"Practitioner"}, Type: "token",
			Expression: "Practitioner.identifier",
		},

		// --- Observation ---
		{
			ID: "Observation-code", URL: "http://hl7.org/fhir/SearchParameter/clinical-code",
			Name: "ObservationCode", Status: "active",
			Description: "The code of the observation type",
			Code:        "code", Base: []string{"Observation"}, Type: "token",
			Expression: "Observation.code",
		},
		{
			ID: "Observation-subject", URL: "http://hl7.org/fhir/SearchParameter/Observation-subject",
			Name: "ObservationSubject", Status: "active",
			Description: "The subject that the observation is about",
			Code:        "subject", Base: []string{"Observation"}, Type: "reference",
			Expression: "Observation.subject",
			Target:     []string{"Patient", "Group", "Device", "Location"},
		},
		{
			ID: "Observation-patient", URL: "http://hl7.org/fhir/SearchParameter/clinical-patient",
			Name: "ObservationPatient", Status: "active",
			Description: "The subject that the observation is about (if patient)",
			Code:        "patient", Base: []string{"Observation"}, Type: "reference",
			Expression: "Observation.subject", Target: []string{"Patient"},
		},
		{
			ID: "Observation-category", URL: "http://hl7.org/fhir/SearchParameter/Observation-category",
			Name: "ObservationCategory", Status: "active",
			Description: "The classification of the type of observation",
			Code:        "category", Base: []string{"Observation"}, Type: "token",
			Expression: "Observation.category",
		},
		{
			ID: "Observation-date", URL: "http://hl7.org/fhir/SearchParameter/clinical-date",
			Name: "ObservationDate", Status: "active",
			Description: "Obtained date/time",
			Code:        "date", Base: []string{"Observation"}, Type: "date",
			Expression: "Observation.effectiveDateTime | Observation.effectivePeriod.start",
			Comparator: ordered,
		},
		{
			ID: "Observation-status", URL: "http://hl7.org/fhir/SearchParameter/Observation-status",
			Name: "ObservationStatus", Status: "active",
			Description: "The status of the observation",
			Code:        "status", Base: []string{"Observation"}, Type: "token",
			Expression: "Observation.status",
		},
		{
			ID: "Observation-value-quantity", URL: "http://hl7.org/fhir/SearchParameter/Observation-value-quantity",
			Name: "ObservationValueQuantity", Status: "active",
			Description: "The value of the observation, if the value is a Quantity",
			Code:        "value-quantity", Base: []string{"Observation"}, Type: "quantity",
			Expression: "Observation.valueQuantity", Comparator: ordered,
		},
		{
			ID: "Observation-encounter", URL: "http://hl7.org/fhir/SearchParameter/clinical-encounter",
			Name: "ObservationEncounter", Status: "active",
			Description: "Encounter related to the observation",
			Code:        "encounter", Base: []string{"Observation"}, Type: "reference",
			Expression: "Observation.encounter", Target: []string{"Encounter"},
		},

		// --- Encounter ---
		{
			ID: "Encounter-subject", URL: "http://hl7.org/fhir/SearchParameter/Encounter-subject",
			Name: "EncounterSubject", Status: "active",
			Description: "The patient or group present at the encounter",
			Code:        "subject", Base: []string{"Encounter"}, Type: "reference",
			Expression: "Encounter.subject", Target: []string{"Patient", "Group"},
		},
		{
			ID: "Encounter-patient", URL: "http://hl7.org/fhir/SearchParameter/clinical-patient",
			Name: "EncounterPatient", Status: "active",
			Description: "The patient present at the encounter",
			Code:        "patient", Base: []string{"Encounter"}, Type: "reference",
			Expression: "Encounter.subject", Target: []string{"Patient"},
		},
		{
			ID: "Encounter-status", URL: "http://hl7.org/fhir/SearchParameter/Encounter-status",
			Name: "EncounterStatus", Status: "active",
			Description: "Status of the encounter",
			Code:        "status", Base: []string{"Encounter"}, Type: "token",
			Expression: "Encounter.status",
		},
		{
			ID: "Encounter-class", URL: "http://hl7.org/fhir/SearchParameter/Encounter-class",
			Name: "EncounterClass", Status: "active",
			Description: "Classification of patient encounter",
			Code:        "class", Base: []string{"Encounter"}, Type: "token",
			Expression: "Encounter.class",
		},
		{
			ID: "Encounter-date", URL: "http://hl7.org/fhir/SearchParameter/clinical-date",
			Name: "EncounterDate", Status: "active",
			Description: "A date within the period the Encounter lasted",
			Code:        "date", Base: []string{"Encounter"}, Type: "date",
			Expression: "Encounter.period.start", Comparator: ordered,
		},

		// --- Condition ---
		{
			ID: "Condition-code", URL: "http://hl7.org/fhir/SearchParameter/clinical-code",
			Name: "ConditionCode", Status: "active",
			Description: "Code for the condition",
			Code:        "code", Base: []string{"Condition"}, Type: "token",
			Expression: "Condition.code",
		},
		{
			ID: "Condition-clinical-status", URL: "http://hl7.org/fhir/SearchParameter/Condition-clinical-status",
			Name: "ConditionClinicalStatus", Status: "active",
			Description: "The clinical status of the condition",
			Code:        "clinical-status", Base: []string{"Condition"}, Type: "token",
			Expression: "Condition.clinicalStatus",
		},
		{
			ID: "Condition-subject", URL: "http://hl7.org/fhir/SearchParameter/Condition-subject",
			Name: "ConditionSubject", Status: "active",
			Description: "Who has the condition",
			Code:        "subject", Base: []string{"Condition"}, Type: "reference",
			Expression: "Condition.subject", Target: []string{"Patient", "Group"},
		},
		{
			ID: "Condition-patient", URL: "http://hl7.org/fhir/SearchParameter/clinical-patient",
			Name: "ConditionPatient", Status: "active",
			Description: "Who has the condition (if patient)",
			Code:        "patient", Base: []string{"Condition"}, Type: "reference",
			Expression: "Condition.subject", Target: []string{"Patient"},
		},

		// --- DiagnosticReport ---
		{
			ID: "DiagnosticReport-code", URL: "http://hl7.org/fhir/SearchParameter/clinical-code",
			Name: "DiagnosticReportCode", Status: "active",
			Description: "The code for the report",
			Code:        "code", Base: []string{"DiagnosticReport"}, Type: "token",
			Expression: "DiagnosticReport.code",
		},
		{
			ID: "DiagnosticReport-patient", URL: "http://hl7.org/fhir/SearchParameter/clinical-patient",
			Name: "DiagnosticReportPatient", Status: "active",
			Description: "The subject of the report (if patient)",
			Code:        "patient", Base: []string{"DiagnosticReport"}, Type: "reference",
			Expression: "DiagnosticReport.subject", Target: []string{"Patient"},
		},
		{
			ID: "DiagnosticReport-status", URL: "http://hl7.org/fhir/SearchParameter/DiagnosticReport-status",
			Name: "DiagnosticReportStatus", Status: "active",
			Description: "The status of the report",
			Code:        "status", Base: []string{"DiagnosticReport"}, Type: "token",
			Expression: "DiagnosticReport.status",
		},
		{
			ID: "DiagnosticReport-result", URL: "http://hl7.org/fhir/SearchParameter/DiagnosticReport-result",
			Name: "DiagnosticReportResult", Status: "active",
			Description: "Link to an atomic result",
			Code:        "result", Base: []string{"DiagnosticReport"}, Type: "reference",
			Expression: "DiagnosticReport.result", Target: []string{"Observation"},
		},

		// --- MedicationRequest ---
		{
			ID: "MedicationRequest-patient", URL: "http://hl7.org/fhir/SearchParameter/clinical-patient",
			Name: "MedicationRequestPatient", Status: "active",
			Description: "Returns prescriptions for a specific patient",
			Code:        "patient", Base: []string{"MedicationRequest"}, Type: "reference",
			Expression: "MedicationRequest.subject", Target: []string{"Patient"},
		},
		{
			ID: "MedicationRequest-status", URL: "http://hl7.org/fhir/SearchParameter/medications-status",
			Name: "MedicationRequestStatus", Status: "active",
			Description: "Status of the prescription",
			Code:        "status", Base: []string{"MedicationRequest"}, Type: "token",
			Expression: "MedicationRequest.status",
		},
		{
			ID: "MedicationRequest-intent", URL: "http://hl7.org/fhir/SearchParameter/MedicationRequest-intent",
			Name: "MedicationRequestIntent", Status: "active",
			Description: "Returns prescriptions with different intents",
			Code:        "intent", Base: []string{"MedicationRequest"}, Type: "token",
			Expression: "MedicationRequest.intent",
		},

		// --- Subscription ---
		{
			ID: "Subscription-status", URL: "http://hl7.org/fhir/SearchParameter/Subscription-status",
			Name: "SubscriptionStatus", Status: "active",
			Description: "The current state of the subscription",
			Code:        "status", Base: []string{"Subscription"}, Type: "token",
			Expression: "Subscription.status",
		},
		{
			ID: "Subscription-url", URL: "http://hl7.org/fhir/SearchParameter/Subscription-url",
			Name: "SubscriptionURL", Status: "active",
			Description: "The uri that will receive the notifications",
			Code:        "url", Base: []string{"Subscription"}, Type: "uri",
			Expression: "Subscription.endpoint",
		},

		// --- SearchParameter ---
		{
			ID: "SearchParameter-code", URL: "http://hl7.org/fhir/SearchParameter/SearchParameter-code",
			Name: "SearchParameterCode", Status: "active",
			Description: "Code used in URL",
			Code:        "code", Base: []string{"SearchParameter"}, Type: "token",
			Expression: "SearchParameter.code",
		},
		{
			ID: "SearchParameter-url", URL: "http://hl7.org/fhir/SearchParameter/conformance-url",
			Name: "SearchParameterURL", Status: "active",
			Description: "The uri that identifies the search parameter",
			Code:        "url", Base: []string{"SearchParameter"}, Type: "uri",
			Expression: "SearchParameter.url",
		},
	}
}
