package registry

import (
	"fmt"

	"github.com/cuemby/meridian/pkg/resource"
	"github.com/cuemby/meridian/pkg/resource/multimap"
	"github.com/cuemby/meridian/pkg/resource/taskqueue"
	"github.com/cuemby/meridian/pkg/resource/topic"
	"github.com/cuemby/meridian/pkg/resource/value"
	"github.com/cuemby/meridian/pkg/types"
)

// Registry is an immutable table from resource type id to the
// descriptor that instantiates its Machine. It is built once at process
// start and read concurrently thereafter.
type Registry struct {
	byID   map[int16]resource.TypeDescriptor
	byName map[string]resource.TypeDescriptor
}

// New builds a Registry from descriptors, rejecting duplicate type ids,
// duplicate names, and any codec name claimed by more than one type.
func New(descriptors ...resource.TypeDescriptor) (*Registry, error) {
	r := &Registry{
		byID:   make(map[int16]resource.TypeDescriptor, len(descriptors)),
		byName: make(map[string]resource.TypeDescriptor, len(descriptors)),
	}
	seenCodec := map[string]string{} // codec name -> owning type name
	for _, d := range descriptors {
		if _, ok := r.byID[d.Type.ID]; ok {
			return nil, fmt.Errorf("registry: duplicate resource type id %d (%s)", d.Type.ID, d.Type.Name)
		}
		if _, ok := r.byName[d.Type.Name]; ok {
			return nil, fmt.Errorf("registry: duplicate resource type name %q", d.Type.Name)
		}
		for _, codec := range d.CodecNames {
			if owner, ok := seenCodec[codec]; ok {
				return nil, fmt.Errorf("registry: CODEC_CONFLICT: %q claimed by both %q and %q", codec, owner, d.Type.Name)
			}
			seenCodec[codec] = d.Type.Name
		}
		r.byID[d.Type.ID] = d
		r.byName[d.Type.Name] = d
	}
	return r, nil
}

// Builtin returns the registry of the four resource types meridian
// ships with: Value, MultiMap, Topic, TaskQueue.
func Builtin() (*Registry, error) {
	return New(
		value.Descriptor(),
		multimap.Descriptor(),
		topic.Descriptor(),
		taskqueue.Descriptor(),
	)
}

// ByID looks up a descriptor by its stable type id.
func (r *Registry) ByID(id int16) (resource.TypeDescriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// ByName looks up a descriptor by its human-readable type name (e.g.
// "value", "multimap", as used in client configuration and CLI tools).
func (r *Registry) ByName(name string) (resource.TypeDescriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// New instantiates a fresh Machine of the given type for resourceID.
func (r *Registry) New(typeID int16, resourceID uint64) (resource.Machine, error) {
	d, ok := r.ByID(typeID)
	if !ok {
		return nil, types.NewError(types.ErrUnknownType, fmt.Sprintf("registry: unknown resource type id %d", typeID))
	}
	return d.NewMachine(resourceID), nil
}
