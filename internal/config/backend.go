package config

import (
	"fmt"
	"log/slog"

	"github.com/openmined/storesync/internal/storepath"
	"github.com/openmined/storesync/internal/transport"
	"github.com/openmined/storesync/internal/transport/fstransport"
	"github.com/openmined/storesync/internal/transport/miniotransport"
	"github.com/openmined/storesync/internal/transport/s3transport"
	"github.com/openmined/storesync/internal/utils"
)

// NewAdapter builds the transport for the configured backend. A local root
// must already exist, so an unmounted share fails here instead of filling an
// empty directory.
func (b *BackendConfig) NewAdapter(layout storepath.Layout) (transport.Adapter, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	switch b.Type {
	case BackendLocal:
		if !utils.DirExists(b.Local.Root) {
			return nil, fmt.Errorf("backend.local.root %s is not a directory", b.Local.Root)
		}
		slog.Debug("backend", "type", b.Type, "root", b.Local.Root)
		return fstransport.NewOS(b.Local.Root, layout), nil
	case BackendS3:
		slog.Debug("backend", "type", b.Type, "bucket", b.S3.BucketName, "region", b.S3.Region)
		return s3transport.NewWithConfig(&b.S3, layout)
	case BackendMinio:
		slog.Debug("backend", "type", b.Type, "endpoint", b.Minio.Endpoint, "bucket", b.Minio.BucketName)
		return miniotransport.NewWithConfig(&b.Minio, layout)
	}
	return nil, fmt.Errorf("unknown backend type %q", b.Type)
}
