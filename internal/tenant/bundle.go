package tenant

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/fhir-candle/candle/internal/store"
)

// Entry is one parsed bundle entry.
type Entry struct {
	FullURL  string
	Method   string
	URL      string
	Resource map[string]interface{}
}

// EntryResult records the outcome of applying one entry.
type EntryResult struct {
	Status   int
	Location string
	ETag     string
	Resource *store.Resource
	Err      error
}

// methodOrder is the transaction processing order: deletes first, then
// creates so their ids are known, then updates.
var methodOrder = map[string]int{
	"DELETE": 0,
	"POST":   1,
	"PUT":    2,
}

// LoadBundle applies a Bundle resource to the tenant. Transaction
// entries are reordered and intra-bundle urn:uuid references are
// rewritten to assigned ids before dependent entries commit; batch and
// collection entries apply independently in document order. There is no
// rollback: a failing transaction entry leaves the earlier entries
// committed and is reported in its result.
func (t *Tenant) LoadBundle(bundle map[string]interface{}) ([]EntryResult, error) {
	if rt, _ := bundle["resourceType"].(string); rt != "Bundle" {
		return nil, fmt.Errorf("expected a Bundle, got %q", rt)
	}
	kind, _ := bundle["type"].(string)
	entries, err := parseEntries(bundle, kind)
	if err != nil {
		return nil, err
	}

	switch kind {
	case "transaction":
		sort.SliceStable(entries, func(i, j int) bool {
			return methodOrder[entries[i].Method] < methodOrder[entries[j].Method]
		})
		return t.applyAll(entries, true), nil
	case "batch":
		return t.applyAll(entries, false), nil
	case "collection", "searchset":
		return t.applyAll(entries, false), nil
	case "":
		return nil, fmt.Errorf("bundle type is required")
	}
	return nil, fmt.Errorf("unsupported bundle type %q", kind)
}

// parseEntries normalizes bundle entries. Collection entries without a
// request are loaded as creates (client id honored when present).
func parseEntries(bundle map[string]interface{}, kind string) ([]Entry, error) {
	raw, _ := bundle["entry"].([]interface{})
	entries := make([]Entry, 0, len(raw))
	for i, e := range raw {
		em, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		entry := Entry{}
		entry.FullURL, _ = em["fullUrl"].(string)
		entry.Resource, _ = em["resource"].(map[string]interface{})
		if req, ok := em["request"].(map[string]interface{}); ok {
			entry.Method, _ = req["method"].(string)
			entry.URL, _ = req["url"].(string)
		}
		if entry.Method == "" {
			if kind == "transaction" || kind == "batch" {
				return nil, fmt.Errorf("entry %d: request.method is required", i)
			}
			if entry.Resource == nil {
				continue
			}
			entry.Method = "PUT"
			if id, _ := entry.Resource["id"].(string); id == "" {
				entry.Method = "POST"
			}
		}
		switch entry.Method {
		case "DELETE", "POST", "PUT":
		default:
			return nil, fmt.Errorf("entry %d: unsupported method %q", i, entry.Method)
		}
		if entry.URL == "" && entry.Resource != nil {
			rt, _ := entry.Resource["resourceType"].(string)
			id, _ := entry.Resource["id"].(string)
			entry.URL = rt
			if entry.Method != "POST" && id != "" {
				entry.URL = rt + "/" + id
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (t *Tenant) applyAll(entries []Entry, rewriteRefs bool) []EntryResult {
	idMap := make(map[string]string)
	results := make([]EntryResult, len(entries))
	for i, entry := range entries {
		if rewriteRefs && len(idMap) > 0 {
			if entry.Resource != nil {
				rewriteReferences(entry.Resource, idMap)
			}
			entry.URL = replaceAllRefs(entry.URL, idMap)
		}
		res := t.apply(entry)
		results[i] = res
		if res.Err != nil {
			t.logger.Warn().Str("method", entry.Method).Str("url", entry.URL).
				Err(res.Err).Msg("bundle entry failed")
			continue
		}
		if rewriteRefs && strings.HasPrefix(entry.FullURL, "urn:uuid:") && res.Location != "" {
			idMap[entry.FullURL] = res.Location
		}
	}
	return results
}

// apply executes one entry against the store.
func (t *Tenant) apply(entry Entry) EntryResult {
	resourceType, id := splitEntryURL(entry.URL)
	if resourceType == "" {
		return EntryResult{Status: 400, Err: fmt.Errorf("entry url %q has no resource type", entry.URL)}
	}
	if !t.Supports(resourceType) {
		return EntryResult{Status: 400, Err: fmt.Errorf("%w: %s", ErrUnsupportedType, resourceType)}
	}

	switch entry.Method {
	case "DELETE":
		res, err := t.Store.Delete(resourceType, id)
		if err != nil {
			return EntryResult{Status: statusFor(err), Err: err}
		}
		return EntryResult{Status: 204, Resource: res}
	case "POST":
		res, err := t.Store.Create(entry.Resource)
		if err != nil {
			return EntryResult{Status: statusFor(err), Err: err}
		}
		return EntryResult{Status: 201, Location: res.Ref(), ETag: res.ETag(), Resource: res}
	case "PUT":
		if id == "" {
			return EntryResult{Status: 400, Err: fmt.Errorf("PUT entry requires an id in %q", entry.URL)}
		}
		if entry.Resource != nil {
			entry.Resource["id"] = id
		}
		res, created, err := t.Store.Update(resourceType, id, entry.Resource, 0)
		if errors.Is(err, store.ErrNotFound) && !t.Config.CreateAsUpdate {
			// bundles may introduce new ids regardless of the tenant's
			// create-as-update flag; the id came from the bundle itself
			res, err = t.Store.Create(withID(entry.Resource, resourceType, id))
			created = err == nil
		}
		if err != nil {
			return EntryResult{Status: statusFor(err), Err: err}
		}
		status := 200
		if created {
			status = 201
		}
		return EntryResult{Status: status, Location: res.Ref(), ETag: res.ETag(), Resource: res}
	}
	return EntryResult{Status: 400, Err: fmt.Errorf("unsupported method %q", entry.Method)}
}

// withID returns content carrying the given type and id, without
// relying on the store honoring client ids.
func withID(content map[string]interface{}, resourceType, id string) map[string]interface{} {
	if content == nil {
		content = map[string]interface{}{}
	}
	content["resourceType"] = resourceType
	content["id"] = id
	return content
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return 404
	case errors.Is(err, store.ErrGone):
		return 410
	case errors.Is(err, store.ErrVersionConflict), errors.Is(err, store.ErrIDExists), errors.Is(err, store.ErrIDNotAllowed):
		return 409
	case errors.Is(err, store.ErrCapacity):
		return 422
	}
	return 400
}

// splitEntryURL parses "Type" or "Type/id" entry urls. Query strings are
// not supported in this loader and are stripped.
func splitEntryURL(url string) (resourceType, id string) {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		url = url[:i]
	}
	parts := strings.SplitN(strings.Trim(url, "/"), "/", 3)
	resourceType = parts[0]
	if len(parts) > 1 {
		id = parts[1]
	}
	return resourceType, id
}

// rewriteReferences walks a resource and replaces urn:uuid references
// with their assigned Type/id locations.
func rewriteReferences(resource map[string]interface{}, idMap map[string]string) {
	var walk func(v interface{}) interface{}
	walk = func(v interface{}) interface{} {
		switch val := v.(type) {
		case map[string]interface{}:
			for k, child := range val {
				val[k] = walk(child)
			}
			return val
		case []interface{}:
			for i, item := range val {
				val[i] = walk(item)
			}
			return val
		case string:
			if mapped, ok := idMap[val]; ok {
				return mapped
			}
			return val
		}
		return v
	}
	walk(resource)
}

func replaceAllRefs(s string, idMap map[string]string) string {
	for urn, actual := range idMap {
		s = strings.ReplaceAll(s, urn, actual)
	}
	return s
}

// LoadResources stores a plain list of resources, honoring client ids.
// Used for initial tenant content.
func (t *Tenant) LoadResources(resources []map[string]interface{}) []EntryResult {
	entries := make([]Entry, 0, len(resources))
	for _, r := range resources {
		rt, _ := r["resourceType"].(string)
		id, _ := r["id"].(string)
		method, url := "POST", rt
		if id != "" {
			method, url = "PUT", rt+"/"+id
		}
		entries = append(entries, Entry{Method: method, URL: url, Resource: r})
	}
	results := t.applyAll(entries, false)
	t.logger.Info().Int("resources", len(results)).Msg("initial content loaded")
	return results
}
