package archiver

import "context"

// ArchiveWriter is the single capability an archival destination must
// provide: a whole-object write that either lands durably or fails
// entirely. Implementations must never leave a partial object visible at
// path.
type ArchiveWriter interface {
	Write(ctx context.Context, path string, data []byte) error
}
