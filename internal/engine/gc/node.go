package gc

import (
	"context"

	"github.com/grindlemire/graft"
	"go.trai.ch/zb/internal/adapters/blobstore"    //nolint:depguard // Wired in engine wiring
	"go.trai.ch/zb/internal/adapters/config"       //nolint:depguard // Wired in engine wiring
	"go.trai.ch/zb/internal/adapters/index"        //nolint:depguard // Wired in engine wiring
	"go.trai.ch/zb/internal/adapters/linker"       //nolint:depguard // Wired in engine wiring
	"go.trai.ch/zb/internal/adapters/lock"         //nolint:depguard // Wired in engine wiring
	"go.trai.ch/zb/internal/adapters/materializer" //nolint:depguard // Wired in engine wiring
	"go.trai.ch/zb/internal/core/domain"
	"go.trai.ch/zb/internal/core/ports"
)

// NodeID is the unique identifier for the garbage collector Graft node.
const NodeID graft.ID = "engine.gc"

func init() {
	graft.Register(graft.Node[*Collector]{
		ID:        NodeID,
		Cacheable: true,
		DependsOn: []graft.ID{
			config.NodeID,
			index.NodeID,
			blobstore.NodeID,
			materializer.NodeID,
			linker.NodeID,
			lock.NodeID,
		},
		Run: func(ctx context.Context) (*Collector, error) {
			cfg, err := graft.Dep[*domain.Config](ctx)
			if err != nil {
				return nil, err
			}
			idx, err := graft.Dep[ports.Index](ctx)
			if err != nil {
				return nil, err
			}
			store, err := graft.Dep[ports.BlobStore](ctx)
			if err != nil {
				return nil, err
			}
			mat, err := graft.Dep[ports.Materializer](ctx)
			if err != nil {
				return nil, err
			}
			lnk, err := graft.Dep[ports.Linker](ctx)
			if err != nil {
				return nil, err
			}
			locker, err := graft.Dep[ports.Locker](ctx)
			if err != nil {
				return nil, err
			}
			return New(idx, store, mat, lnk, locker, cfg.Concurrency), nil
		},
	})
}
