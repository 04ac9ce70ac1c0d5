package concurrency

import (
	"fmt"
	"strings"
	"sync"

	"github.com/cespare/xxhash"
)

// ResourceType tags the kind of a lockable resource.
type ResourceType uint8

const (
	ResourceInvalid ResourceType = iota
	ResourceGlobal
	// ResourceFlushBarrier serializes engine flushes against writers.
	ResourceFlushBarrier
	ResourceDatabase
	ResourceCollection
	ResourceMetadata
	// ResourceMutex is an opaque resource outside of the hierarchy.
	ResourceMutex

	ResourceTypesCount
)

var resourceTypeNames = [ResourceTypesCount]string{
	"Invalid",
	"Global",
	"FlushBarrier",
	"Database",
	"Collection",
	"Metadata",
	"Mutex",
}

func (t ResourceType) String() string {
	if t >= ResourceTypesCount {
		return fmt.Sprintf("ResourceType(%d)", uint8(t))
	}
	return resourceTypeNames[t]
}

const (
	resourceTypeBits = 3
	hashBits         = 64 - resourceTypeBits
	hashMask         = (uint64(1) << hashBits) - 1
)

// A ResourceId packs a ResourceType into the top 3 bits and a 61 bit hash into
// the rest. Equality and ordering are those of the packed integer, so ids
// group by type first.
type ResourceId uint64

// NewResourceId hashes name into an id of the given type.
func NewResourceId(t ResourceType, name string) ResourceId {
	return NewResourceIdFromHash(t, xxhash.Sum64([]byte(name)))
}

// NewResourceIdFromHash builds an id from a raw hash. Bits above the 61 bit
// hash space are dropped.
func NewResourceIdFromHash(t ResourceType, hashId uint64) ResourceId {
	return ResourceId(uint64(t)<<hashBits | hashId&hashMask)
}

// Type returns the resource type of the id.
func (r ResourceId) Type() ResourceType {
	return ResourceType(uint64(r) >> hashBits)
}

// HashId returns the hash part of the id.
func (r ResourceId) HashId() uint64 {
	return uint64(r) & hashMask
}

// IsValid reports whether the id names a lockable resource.
func (r ResourceId) IsValid() bool {
	t := r.Type()
	return t != ResourceInvalid && t < ResourceTypesCount
}

// Less orders ids by their packed value.
func (r ResourceId) Less(other ResourceId) bool {
	return r < other
}

func (r ResourceId) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "{%d: %s, %d", uint64(r), r.Type(), r.HashId())
	if label, ok := resourceLabel(r); ok {
		fmt.Fprintf(&sb, ", %s", label)
	}
	sb.WriteString("}")
	return sb.String()
}

// Singleton resources. The parallel batch writer mode resource sorts before the
// global resource, matching the order callers acquire them in.
var (
	ResourceIdParallelBatchWriterMode = NewResourceIdFromHash(ResourceGlobal, 1)
	ResourceIdGlobal                  = NewResourceIdFromHash(ResourceGlobal, 2)
)

// mutexCatalog hands out ids for ResourceMutex resources and remembers their
// labels for diagnostics.
type mutexCatalog struct {
	mtx    sync.Mutex
	nextId uint64
	labels map[ResourceId]string
}

var mutexes = &mutexCatalog{labels: make(map[ResourceId]string)}

// NewResourceMutex allocates a fresh mutex resource. Every call returns a
// distinct id, even for equal labels.
func NewResourceMutex(label string) ResourceId {
	mutexes.mtx.Lock()
	defer mutexes.mtx.Unlock()
	mutexes.nextId++
	id := NewResourceIdFromHash(ResourceMutex, mutexes.nextId)
	mutexes.labels[id] = label
	return id
}

// ResourceMutexName returns the label a mutex resource was created with.
func ResourceMutexName(id ResourceId) (string, bool) {
	if id.Type() != ResourceMutex {
		return "", false
	}
	mutexes.mtx.Lock()
	defer mutexes.mtx.Unlock()
	label, ok := mutexes.labels[id]
	return label, ok
}

func resourceLabel(r ResourceId) (string, bool) {
	switch r {
	case ResourceIdGlobal:
		return "Global", true
	case ResourceIdParallelBatchWriterMode:
		return "ParallelBatchWriterMode", true
	}
	return ResourceMutexName(r)
}

// DatabaseResource returns the id of the named database.
func DatabaseResource(db string) ResourceId {
	return NewResourceId(ResourceDatabase, db)
}

// CollectionResource returns the id of a collection given its full namespace,
// "<db>.<collection>".
func CollectionResource(ns string) ResourceId {
	return NewResourceId(ResourceCollection, ns)
}

// MetadataResource returns the id of the metadata resource of a namespace.
func MetadataResource(ns string) ResourceId {
	return NewResourceId(ResourceMetadata, ns)
}

var resourceKinds = map[string]ResourceType{
	"global": ResourceGlobal,
	"pbwm":   ResourceGlobal,
	"flush":  ResourceFlushBarrier,
	"db":     ResourceDatabase,
	"coll":   ResourceCollection,
	"meta":   ResourceMetadata,
	"mutex":  ResourceMutex,
}

// ParseResource resolves a resource from its kind and name as typed in the
// REPL: global, pbwm, flush, db, coll, meta or mutex. Names are ignored for the
// singletons. Mutex names hash into the mutex space rather than allocating.
func ParseResource(kind, name string) (ResourceId, error) {
	switch kind {
	case "global":
		return ResourceIdGlobal, nil
	case "pbwm":
		return ResourceIdParallelBatchWriterMode, nil
	case "flush":
		return NewResourceIdFromHash(ResourceFlushBarrier, 1), nil
	}
	t, ok := resourceKinds[kind]
	if !ok {
		return 0, fmt.Errorf("unknown resource kind %q", kind)
	}
	if name == "" {
		return 0, fmt.Errorf("resource kind %q requires a name", kind)
	}
	return NewResourceId(t, name), nil
}
