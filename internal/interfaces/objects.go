package interfaces

import (
	"github.com/dasec/fishy-sub000/internal/types"
)

// ObjectChecksumVerifier verifies the checksum of an object header.
type ObjectChecksumVerifier interface {
	// Checksum returns the stored Fletcher 64 checksum.
	Checksum() [types.MaxCksumSize]byte

	// VerifyChecksum verifies the checksum against the object payload.
	VerifyChecksum() bool
}

// ObjectIdentifier provides the identity of an object.
type ObjectIdentifier interface {
	// ID returns the object's unique identifier.
	ID() types.OidT

	// TransactionID returns the transaction identifier of the most recent modification.
	TransactionID() types.XidT

	// IsValid checks if the object identifier is valid.
	IsValid() bool
}
