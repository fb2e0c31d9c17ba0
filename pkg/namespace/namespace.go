// Package namespace provides file attributes and replica locations to the
// resilience controller.
package namespace

import (
	"context"
	"errors"

	"github.com/dCache/dcache-sub032/pkg/types"
)

// ErrFileNotFound is returned when the file no longer exists. Callers treat
// it as "nothing to do", unlike every other lookup error.
var ErrFileNotFound = errors.New("file not found")

type Namespace interface {
	RequiredAttributes(ctx context.Context, pnfsid types.PnfsID) (types.FileAttributes, error)

	// FilesOnPool calls fn for every file with a replica on pool. Returning
	// an error from fn stops the iteration.
	FilesOnPool(ctx context.Context, pool types.PoolName, fn func(types.FileAttributes) error) error
}
