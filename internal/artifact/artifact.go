// Package artifact stores built program artifacts keyed by program identity.
//
// Stores return sentinel.ErrNotFound for unknown identities. Put is idempotent:
// an identity names exactly one byte sequence, so writing it twice is a no-op.
package artifact

import (
	"context"
	"fmt"

	"zkgate/pkg/domain"
)

// Store persists artifacts.
type Store interface {
	// Put stores data under id and returns its location.
	Put(ctx context.Context, id domain.ProgramIdentity, data []byte) (string, error)
	Get(ctx context.Context, id domain.ProgramIdentity) ([]byte, error)
	// Delete removes the artifact. Deleting a missing artifact is not an error.
	Delete(ctx context.Context, id domain.ProgramIdentity) error
}

// objectName is the file or object name for an identity.
func objectName(id domain.ProgramIdentity) string {
	return fmt.Sprintf("%s.art", id)
}

func checkIdentity(id domain.ProgramIdentity, data []byte) error {
	if domain.IdentityOf(data) != id {
		return fmt.Errorf("artifact bytes do not hash to %s", id.Short())
	}
	return nil
}
