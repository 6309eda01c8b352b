// Package store holds the per-tenant, in-memory versioned resource
// collections. Contents live for the process lifetime only.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for an unknown resource type or logical id.
	ErrNotFound = errors.New("store: resource not found")
	// ErrGone is returned when the logical id exists but its current
	// version is a delete tombstone.
	ErrGone = errors.New("store: resource deleted")
	// ErrVersionConflict is returned when an update's expected version does
	// not equal the current version at commit time.
	ErrVersionConflict = errors.New("store: version conflict")
	// ErrIDNotAllowed is returned when a create supplies a logical id and
	// the tenant does not honor client-assigned ids.
	ErrIDNotAllowed = errors.New("store: client-assigned id not allowed")
	// ErrIDExists is returned when a create supplies a logical id that is
	// already present.
	ErrIDExists = errors.New("store: id already exists")
	// ErrCapacity is returned when a create would exceed the tenant's
	// resource cap.
	ErrCapacity = errors.New("store: resource capacity exceeded")
	// ErrInvalidResource is returned for content without a resourceType.
	ErrInvalidResource = errors.New("store: invalid resource")
)

// Operation identifies the kind of committed write in a change event.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Resource is the versioned envelope around stored content. Content is
// always a deep copy; callers may mutate it freely.
type Resource struct {
	Type         string
	ID           string
	Version      int
	LastModified time.Time
	Deleted      bool
	Content      map[string]interface{}
}

// ETag renders the resource's weak validator.
func (r *Resource) ETag() string { return FormatETag(r.Version) }

// Ref renders the Type/id reference of the resource.
func (r *Resource) Ref() string { return r.Type + "/" + r.ID }

// ChangeEvent describes one committed mutation. It is published after the
// write is visible to readers and before the write call returns.
type ChangeEvent struct {
	Operation  Operation
	Type       string
	ID         string
	NewVersion int
	OldVersion int
	Resource   map[string]interface{} // copy of the committed content, nil for deletes
	Timestamp  time.Time
}

// Listener receives change events. Implementations must not block; long
// work is handed off to their own goroutines.
type Listener interface {
	OnResourceChange(ev ChangeEvent)
}

// Options carries the tenant settings the store enforces.
type Options struct {
	AllowClientIDs   bool
	CreateAsUpdate   bool
	MaxResourceCount int // 0 means unbounded
}

// Store is one tenant's resource collection. Writes to a logical id
// serialize against each other; reads take a shared snapshot of the
// current version.
type Store struct {
	opts Options

	mu    sync.RWMutex
	types map[string]map[string]*slot
	live  int // count of non-deleted current versions

	lmu       sync.Mutex
	listeners []Listener
}

// slot holds the full version history of one logical id. versions[i] is
// version i+1; delete tombstones occupy a position like any other version.
type slot struct {
	mu       sync.Mutex
	versions []*Resource
}

// current returns the newest version, or nil for a slot that has not
// committed its first version yet. Writers insert the slot into the type
// map before appending, so readers may observe the empty state.
func (s *slot) current() *Resource {
	if len(s.versions) == 0 {
		return nil
	}
	return s.versions[len(s.versions)-1]
}

func New(opts Options) *Store {
	return &Store{
		opts:  opts,
		types: make(map[string]map[string]*slot),
	}
}

// AddListener registers a change-event consumer.
func (s *Store) AddListener(l Listener) {
	s.lmu.Lock()
	s.listeners = append(s.listeners, l)
	s.lmu.Unlock()
}

func (s *Store) publish(ev ChangeEvent) {
	s.lmu.Lock()
	ls := make([]Listener, len(s.listeners))
	copy(ls, s.listeners)
	s.lmu.Unlock()
	for _, l := range ls {
		l.OnResourceChange(ev)
	}
}

// Create stores new content under a fresh logical id, or under the
// supplied id when the tenant honors client-assigned ids. A previously
// deleted id continues its version sequence.
func (s *Store) Create(content map[string]interface{}) (*Resource, error) {
	rt, _ := content["resourceType"].(string)
	if rt == "" {
		return nil, fmt.Errorf("%w: missing resourceType", ErrInvalidResource)
	}
	id, _ := content["id"].(string)
	if id != "" && !s.opts.AllowClientIDs {
		return nil, ErrIDNotAllowed
	}
	if id == "" {
		id = uuid.NewString()
	}

	sl, err := s.slotForWrite(rt, id, true)
	if err != nil {
		return nil, err
	}
	sl.mu.Lock()
	if n := len(sl.versions); n > 0 {
		if !sl.versions[n-1].Deleted {
			sl.mu.Unlock()
			return nil, fmt.Errorf("%w: %s/%s", ErrIDExists, rt, id)
		}
		if err := s.reserve(); err != nil {
			sl.mu.Unlock()
			return nil, err
		}
	}
	res := s.commit(sl, rt, id, content, false)
	sl.mu.Unlock()
	s.publish(ChangeEvent{
		Operation:  OpCreate,
		Type:       rt,
		ID:         id,
		NewVersion: res.Version,
		OldVersion: res.Version - 1,
		Resource:   copyTree(res.Content),
		Timestamp:  res.LastModified,
	})
	return res, nil
}

// Read returns the current version of a resource.
func (s *Store) Read(resourceType, id string) (*Resource, error) {
	sl, ok := s.slot(resourceType, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, resourceType, id)
	}
	sl.mu.Lock()
	cur := sl.current()
	sl.mu.Unlock()
	if cur == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, resourceType, id)
	}
	if cur.Deleted {
		return cur.clone(), fmt.Errorf("%w: %s/%s", ErrGone, resourceType, id)
	}
	return cur.clone(), nil
}

// ReadVersion returns one historical version of a resource.
func (s *Store) ReadVersion(resourceType, id string, version int) (*Resource, error) {
	sl, ok := s.slot(resourceType, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, resourceType, id)
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if version < 1 || version > len(sl.versions) {
		return nil, fmt.Errorf("%w: %s/%s version %d", ErrNotFound, resourceType, id, version)
	}
	v := sl.versions[version-1]
	if v.Deleted {
		return v.clone(), fmt.Errorf("%w: %s/%s version %d", ErrGone, resourceType, id, version)
	}
	return v.clone(), nil
}

// History returns every version of a resource, oldest first, tombstones
// included.
func (s *Store) History(resourceType, id string) ([]*Resource, error) {
	sl, ok := s.slot(resourceType, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, resourceType, id)
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	out := make([]*Resource, len(sl.versions))
	for i, v := range sl.versions {
		out[i] = v.clone()
	}
	return out, nil
}

// Update replaces a resource's content, incrementing its version. When
// expectVersion is non-zero the update commits only if it equals the
// current version. A missing id fails with ErrNotFound unless the tenant
// enables create-as-update, in which case the resource is created under
// the given id and created reports true.
func (s *Store) Update(resourceType, id string, content map[string]interface{}, expectVersion int) (res *Resource, created bool, err error) {
	if rt, _ := content["resourceType"].(string); rt != "" && rt != resourceType {
		return nil, false, fmt.Errorf("%w: resourceType %q does not match %q", ErrInvalidResource, rt, resourceType)
	}
	sl, ok := s.slot(resourceType, id)
	if !ok {
		if !s.opts.CreateAsUpdate {
			return nil, false, fmt.Errorf("%w: %s/%s", ErrNotFound, resourceType, id)
		}
		// Settle the precondition before the slot becomes visible so a
		// failed update leaves no trace in the type map.
		if expectVersion != 0 {
			return nil, false, fmt.Errorf("%w: expected version %d but resource is at version 0",
				ErrVersionConflict, expectVersion)
		}
		sl, err = s.slotForWrite(resourceType, id, true)
		if err != nil {
			return nil, false, err
		}
	}
	sl.mu.Lock()
	cur := 0
	wasDeleted := true
	if len(sl.versions) > 0 {
		c := sl.current()
		cur = c.Version
		wasDeleted = c.Deleted
	}
	if wasDeleted && !s.opts.CreateAsUpdate && len(sl.versions) > 0 {
		sl.mu.Unlock()
		return nil, false, fmt.Errorf("%w: %s/%s", ErrGone, resourceType, id)
	}
	if expectVersion != 0 && expectVersion != cur {
		sl.mu.Unlock()
		return nil, false, fmt.Errorf("%w: expected version %d but resource is at version %d",
			ErrVersionConflict, expectVersion, cur)
	}
	if wasDeleted {
		if err := s.reserve(); err != nil {
			sl.mu.Unlock()
			return nil, false, err
		}
	}
	res = s.commit(sl, resourceType, id, content, false)
	op := OpUpdate
	if wasDeleted {
		op = OpCreate
		created = true
	}
	sl.mu.Unlock()
	s.publish(ChangeEvent{
		Operation:  op,
		Type:       resourceType,
		ID:         id,
		NewVersion: res.Version,
		OldVersion: cur,
		Resource:   copyTree(res.Content),
		Timestamp:  res.LastModified,
	})
	return res, created, nil
}

// Delete marks a resource deleted, appending a tombstone version. Deleting
// an already deleted resource returns the existing tombstone unchanged.
func (s *Store) Delete(resourceType, id string) (*Resource, error) {
	sl, ok := s.slot(resourceType, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, resourceType, id)
	}
	sl.mu.Lock()
	cur := sl.current()
	if cur == nil {
		sl.mu.Unlock()
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, resourceType, id)
	}
	if cur.Deleted {
		c := cur.clone()
		sl.mu.Unlock()
		return c, nil
	}
	res := s.commit(sl, resourceType, id, nil, true)
	sl.mu.Unlock()
	s.publish(ChangeEvent{
		Operation:  OpDelete,
		Type:       resourceType,
		ID:         id,
		NewVersion: res.Version,
		OldVersion: cur.Version,
		Timestamp:  res.LastModified,
	})
	return res.clone(), nil
}

// commit appends the next version under the slot lock and adjusts the live
// count. The returned value is the caller's copy.
func (s *Store) commit(sl *slot, resourceType, id string, content map[string]interface{}, deleted bool) *Resource {
	version := len(sl.versions) + 1
	now := time.Now().UTC()

	var stored map[string]interface{}
	if !deleted {
		stored = copyTree(content)
		stored["id"] = id
		stored["resourceType"] = resourceType
		meta, _ := stored["meta"].(map[string]interface{})
		if meta == nil {
			meta = make(map[string]interface{})
		}
		meta["versionId"] = fmt.Sprintf("%d", version)
		meta["lastUpdated"] = now.Format(time.RFC3339)
		stored["meta"] = meta
	}

	v := &Resource{
		Type:         resourceType,
		ID:           id,
		Version:      version,
		LastModified: now,
		Deleted:      deleted,
		Content:      stored,
	}
	wasLive := len(sl.versions) > 0 && !sl.current().Deleted
	sl.versions = append(sl.versions, v)

	s.mu.Lock()
	if deleted {
		if wasLive {
			s.live--
		}
	} else if !wasLive {
		s.live++
	}
	s.mu.Unlock()

	return v.clone()
}

// reserve checks the tenant capacity ahead of a create.
func (s *Store) reserve() error {
	if s.opts.MaxResourceCount <= 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.live >= s.opts.MaxResourceCount {
		return fmt.Errorf("%w: limit %d", ErrCapacity, s.opts.MaxResourceCount)
	}
	return nil
}

func (s *Store) slot(resourceType, id string) (*slot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID, ok := s.types[resourceType]
	if !ok {
		return nil, false
	}
	sl, ok := byID[id]
	return sl, ok
}

// slotForWrite finds or inserts the slot for a logical id. Capacity is
// checked when the insert would add a live resource.
func (s *Store) slotForWrite(resourceType, id string, checkCap bool) (*slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.types[resourceType]
	if !ok {
		byID = make(map[string]*slot)
		s.types[resourceType] = byID
	}
	sl, ok := byID[id]
	if !ok {
		if checkCap && s.opts.MaxResourceCount > 0 && s.live >= s.opts.MaxResourceCount {
			return nil, fmt.Errorf("%w: limit %d", ErrCapacity, s.opts.MaxResourceCount)
		}
		sl = &slot{}
		byID[id] = sl
	}
	return sl, nil
}

// Snapshot returns a copy of every live current version of one resource
// type. Search candidates come from here; the slice observes a consistent
// view of the id set, entries themselves are read-committed.
func (s *Store) Snapshot(resourceType string) []*Resource {
	s.mu.RLock()
	byID := s.types[resourceType]
	slots := make([]*slot, 0, len(byID))
	for _, sl := range byID {
		slots = append(slots, sl)
	}
	s.mu.RUnlock()

	out := make([]*Resource, 0, len(slots))
	for _, sl := range slots {
		sl.mu.Lock()
		cur := sl.current()
		if cur != nil && !cur.Deleted {
			out = append(out, cur.clone())
		}
		sl.mu.Unlock()
	}
	return out
}

// ResourceTypes lists every type that currently holds at least one live
// resource.
func (s *Store) ResourceTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.types))
	for rt, byID := range s.types {
		for _, sl := range byID {
			sl.mu.Lock()
			cur := sl.current()
			live := cur != nil && !cur.Deleted
			sl.mu.Unlock()
			if live {
				out = append(out, rt)
				break
			}
		}
	}
	return out
}

// Count reports the number of live resources across all types.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live
}

func (r *Resource) clone() *Resource {
	c := *r
	c.Content = copyTree(r.Content)
	return &c
}

// copyTree deep-copies a decoded JSON tree.
func copyTree(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return copyTree(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
