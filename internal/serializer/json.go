package serializer

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidResource is returned for payloads that do not decode to a
// single resource object with a resourceType.
var ErrInvalidResource = errors.New("serializer: invalid resource")

type jsonSerializer struct {
	pretty bool
}

func (s *jsonSerializer) MediaType() string { return MediaTypeJSON }

func (s *jsonSerializer) Marshal(resource map[string]interface{}) ([]byte, error) {
	if _, ok := resource["resourceType"].(string); !ok {
		return nil, fmt.Errorf("%w: missing resourceType", ErrInvalidResource)
	}
	if s.pretty {
		return json.MarshalIndent(resource, "", "  ")
	}
	return json.Marshal(resource)
}

func (s *jsonSerializer) Unmarshal(data []byte) (map[string]interface{}, error) {
	var tree map[string]interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResource, err)
	}
	if _, ok := tree["resourceType"].(string); !ok {
		return nil, fmt.Errorf("%w: missing resourceType", ErrInvalidResource)
	}
	return tree, nil
}
