package serializer

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

const fhirNamespace = "http://hl7.org/fhir"

// xmlSerializer renders the generic tree in the FHIR XML shape: the
// resource type is the root element, primitives carry a value attribute,
// complex values nest, and list items repeat their element name.
//
// The tree form is untyped, so decoding is lossy where the XML shape
// cannot distinguish cases JSON can: scalars come back as strings
// (except the literals true and false, which decode as booleans), and
// an element that appears once decodes as a single value even when the
// JSON form would hold a one-element list.
type xmlSerializer struct {
	pretty bool
}

func (s *xmlSerializer) MediaType() string { return MediaTypeXML }

func (s *xmlSerializer) Marshal(resource map[string]interface{}) ([]byte, error) {
	rt, ok := resource["resourceType"].(string)
	if !ok || rt == "" {
		return nil, fmt.Errorf("%w: missing resourceType", ErrInvalidResource)
	}

	var buf bytes.Buffer
	w := &xmlWriter{buf: &buf, pretty: s.pretty}
	w.open(rt, ` xmlns="`+fhirNamespace+`"`)
	if err := w.writeFields(resource, "resourceType"); err != nil {
		return nil, err
	}
	w.close(rt)
	return buf.Bytes(), nil
}

func (s *xmlSerializer) Unmarshal(data []byte) (map[string]interface{}, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	root, err := nextStartElement(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResource, err)
	}
	tree, err := decodeElement(dec, root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResource, err)
	}
	obj, ok := tree.(map[string]interface{})
	if !ok {
		obj = map[string]interface{}{}
	}
	obj["resourceType"] = root.Name.Local
	return obj, nil
}

// ---------------------------------------------------------------------------
// encoding
// ---------------------------------------------------------------------------

type xmlWriter struct {
	buf    *bytes.Buffer
	pretty bool
	depth  int
}

func (w *xmlWriter) indent() {
	if !w.pretty {
		return
	}
	if w.buf.Len() > 0 {
		w.buf.WriteByte('\n')
	}
	w.buf.WriteString(strings.Repeat("  ", w.depth))
}

func (w *xmlWriter) open(name, attrs string) {
	w.indent()
	w.buf.WriteByte('<')
	w.buf.WriteString(name)
	w.buf.WriteString(attrs)
	w.buf.WriteByte('>')
	w.depth++
}

func (w *xmlWriter) close(name string) {
	w.depth--
	w.indent()
	w.buf.WriteString("</")
	w.buf.WriteString(name)
	w.buf.WriteByte('>')
}

func (w *xmlWriter) scalar(name, value string) {
	w.indent()
	w.buf.WriteByte('<')
	w.buf.WriteString(name)
	w.buf.WriteString(` value="`)
	xml.EscapeText(w.buf, []byte(value)) //nolint:errcheck // bytes.Buffer never errors
	w.buf.WriteString(`"/>`)
}

// writeFields emits the object's fields in sorted key order so output
// is deterministic.
func (w *xmlWriter) writeFields(obj map[string]interface{}, skip string) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		if k != skip {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := w.writeValue(k, obj[k]); err != nil {
			return err
		}
	}
	return nil
}

func (w *xmlWriter) writeValue(name string, v interface{}) error {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		w.scalar(name, t)
	case bool:
		w.scalar(name, strconv.FormatBool(t))
	case float64:
		w.scalar(name, strconv.FormatFloat(t, 'f', -1, 64))
	case int:
		w.scalar(name, strconv.Itoa(t))
	case int64:
		w.scalar(name, strconv.FormatInt(t, 10))
	case map[string]interface{}:
		w.open(name, "")
		if err := w.writeFields(t, ""); err != nil {
			return err
		}
		w.close(name)
	case []interface{}:
		for _, item := range t {
			if err := w.writeValue(name, item); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: cannot render %T", ErrInvalidResource, v)
	}
	return nil
}

// ---------------------------------------------------------------------------
// decoding
// ---------------------------------------------------------------------------

func nextStartElement(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se, nil
		}
	}
}

// decodeElement consumes everything up to the element's end tag. An
// element with a value attribute and no children decodes as a scalar;
// anything else decodes as an object, with repeated child names
// collected into lists.
func decodeElement(dec *xml.Decoder, start xml.StartElement) (interface{}, error) {
	var attrValue string
	var hasValue bool
	for _, a := range start.Attr {
		if a.Name.Local == "value" {
			attrValue = a.Value
			hasValue = true
		}
	}

	obj := map[string]interface{}{}
	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("unexpected end of document in <%s>", start.Name.Local)
			}
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := decodeElement(dec, t)
			if err != nil {
				return nil, err
			}
			appendField(obj, t.Name.Local, child)
		case xml.EndElement:
			if len(obj) == 0 && hasValue {
				return decodeScalar(attrValue), nil
			}
			return obj, nil
		}
	}
}

func appendField(obj map[string]interface{}, name string, v interface{}) {
	existing, ok := obj[name]
	if !ok {
		obj[name] = v
		return
	}
	if list, ok := existing.([]interface{}); ok {
		obj[name] = append(list, v)
		return
	}
	obj[name] = []interface{}{existing, v}
}

func decodeScalar(s string) interface{} {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}
