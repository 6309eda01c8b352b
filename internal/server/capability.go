package server

import (
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"
)

var fhirVersionNumbers = map[string]string{
	"R4":  "4.0.1",
	"R4B": "4.3.0",
	"R5":  "5.0.0",
}

// handleCapability serves a minimal CapabilityStatement for one tenant:
// the supported interactions and the resource types the tenant either
// restricts itself to or currently holds.
func (s *Server) handleCapability(c echo.Context) error {
	ten, ok := s.tenant(c)
	if !ok {
		return nil
	}

	types := append([]string(nil), ten.Config.SupportedTypes...)
	if len(types) == 0 {
		types = ten.Store.ResourceTypes()
	}
	sort.Strings(types)

	interactions := []interface{}{
		map[string]interface{}{"code": "read"},
		map[string]interface{}{"code": "vread"},
		map[string]interface{}{"code": "update"},
		map[string]interface{}{"code": "delete"},
		map[string]interface{}{"code": "history-instance"},
		map[string]interface{}{"code": "create"},
		map[string]interface{}{"code": "search-type"},
	}
	resources := make([]interface{}, 0, len(types))
	for _, rt := range types {
		resources = append(resources, map[string]interface{}{
			"type":        rt,
			"interaction": interactions,
		})
	}

	version := fhirVersionNumbers[ten.Config.FHIRVersion]
	if version == "" {
		version = fhirVersionNumbers["R4"]
	}

	return s.respondTree(c, http.StatusOK, map[string]interface{}{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"date":         time.Now().UTC().Format(time.RFC3339),
		"kind":         "instance",
		"fhirVersion":  version,
		"format":       []interface{}{"application/fhir+json", "application/fhir+xml"},
		"implementation": map[string]interface{}{
			"description": "candle in-memory FHIR server, tenant " + ten.Config.Name,
			"url":         baseURL(c, ten.Config.Name),
		},
		"rest": []interface{}{
			map[string]interface{}{
				"mode":     "server",
				"resource": resources,
				"interaction": []interface{}{
					map[string]interface{}{"code": "transaction"},
					map[string]interface{}{"code": "batch"},
				},
			},
		},
	})
}
