package upload

import "context"

// Uploader uploads run reports to remote storage.
type Uploader interface {
	// Preflight verifies that the remote storage is reachable and writable.
	// Writes a small test object to the bucket to fail fast on misconfiguration.
	Preflight(ctx context.Context) error

	// UploadReport stores a JSON report under the configured prefix.
	UploadReport(ctx context.Context, name string, data []byte) error
}
