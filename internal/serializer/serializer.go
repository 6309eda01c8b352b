// Package serializer is the wire-format boundary. Core packages pass
// generic resource trees (map[string]interface{}) around; only the HTTP
// edge picks a concrete encoding through this package.
package serializer

import (
	"strings"
)

// Media types served and accepted at the HTTP boundary.
const (
	MediaTypeJSON = "application/fhir+json"
	MediaTypeXML  = "application/fhir+xml"
)

// Serializer renders one wire format. Marshal rejects trees without a
// resourceType; Unmarshal returns the generic tree form.
type Serializer interface {
	MediaType() string
	Marshal(resource map[string]interface{}) ([]byte, error)
	Unmarshal(data []byte) (map[string]interface{}, error)
}

// Options tune rendering. Pretty adds indentation for humans reading
// responses in a terminal.
type Options struct {
	Pretty bool
}

// ForFormat resolves a client-supplied format token (a _format query
// value or a media type from Accept/Content-Type) to a serializer.
// Unknown tokens report false.
func ForFormat(format string, opts Options) (Serializer, bool) {
	switch normalizeFormat(format) {
	case "json", "text/json", "application/json", MediaTypeJSON:
		return &jsonSerializer{pretty: opts.Pretty}, true
	case "xml", "text/xml", "application/xml", MediaTypeXML:
		return &xmlSerializer{pretty: opts.Pretty}, true
	}
	return nil, false
}

// Default returns the serializer used when the client expresses no
// preference.
func Default(opts Options) Serializer {
	return &jsonSerializer{pretty: opts.Pretty}
}

// normalizeFormat lowercases, trims media-type parameters, and restores
// the "+" that query-string decoding turns into a space.
func normalizeFormat(raw string) string {
	f := strings.TrimSpace(strings.ToLower(raw))
	if i := strings.IndexByte(f, ';'); i >= 0 {
		f = strings.TrimSpace(f[:i])
	}
	f = strings.ReplaceAll(f, "fhir json", "fhir+json")
	f = strings.ReplaceAll(f, "fhir xml", "fhir+xml")
	return f
}
