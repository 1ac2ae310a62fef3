package objects

import (
	"github.com/dasec/fishy-sub000/internal/types"
)

// StaticObjectStorageTypeResolver names the storage kind encoded in the
// high bits of an object type.
type StaticObjectStorageTypeResolver struct{}

// NewStaticObjectStorageTypeResolver returns a resolver that knows about APFS storage type flags.
func NewStaticObjectStorageTypeResolver() *StaticObjectStorageTypeResolver {
	return &StaticObjectStorageTypeResolver{}
}

// DetermineStorageType returns virtual, ephemeral or physical.
func (r *StaticObjectStorageTypeResolver) DetermineStorageType(objectType uint32) string {
	switch objectType & types.ObjStorageTypeMask {
	case types.ObjVirtual:
		return "virtual"
	case types.ObjEphemeral:
		return "ephemeral"
	case types.ObjPhysical:
		return "physical"
	default:
		// both bits set
		return "unknown"
	}
}

// ObjectType returns the type of an object with its storage and flag bits removed.
func ObjectType(objectType uint32) uint32 {
	return objectType & types.ObjectTypeMask
}
