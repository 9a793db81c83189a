package api

import (
	"context"

	"github.com/questionpy-go/questionpy-server/internal/ipc"
	"github.com/questionpy-go/questionpy-server/internal/manifest"
	"github.com/questionpy-go/questionpy-server/internal/worker/pool"
)

// workerManifestResolver implements indexer.ManifestResolver by spawning a
// worker for the duration of one GetManifest exchange (spec.md §4.6:
// "resolving manifest by asking a worker if only the location was
// supplied").
type workerManifestResolver struct {
	pool          *pool.Pool
	defaultLimits ipc.ResourceLimits
}

func (r *workerManifestResolver) ResolveManifest(ctx context.Context, loc manifest.Location) (manifest.Manifest, error) {
	h, err := r.pool.Acquire(ctx, loc, r.defaultLimits)
	if err != nil {
		return manifest.Manifest{}, err
	}
	defer h.Release()

	var resp ipc.GetManifestResponse
	err = h.Worker.SendAndWait(ctx, ipc.MsgGetManifest,
		ipc.GetManifest{Location: manifest.LocationBox{Location: loc}},
		ipc.MsgGetManifestResponse, &resp, 0)
	if err != nil {
		return manifest.Manifest{}, err
	}
	return resp.Manifest, nil
}
