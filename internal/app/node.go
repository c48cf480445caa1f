package app

import (
	"context"

	"github.com/grindlemire/graft"
	"go.trai.ch/zb/internal/adapters/blobstore"    //nolint:depguard // Wired in app layer
	"go.trai.ch/zb/internal/adapters/builder"      //nolint:depguard // Wired in app layer
	"go.trai.ch/zb/internal/adapters/config"       //nolint:depguard // Wired in app layer
	"go.trai.ch/zb/internal/adapters/fetcher"      //nolint:depguard // Wired in app layer
	"go.trai.ch/zb/internal/adapters/index"        //nolint:depguard // Wired in app layer
	"go.trai.ch/zb/internal/adapters/linker"       //nolint:depguard // Wired in app layer
	"go.trai.ch/zb/internal/adapters/lock"         //nolint:depguard // Wired in app layer
	"go.trai.ch/zb/internal/adapters/logger"       //nolint:depguard // Wired in app layer
	"go.trai.ch/zb/internal/adapters/materializer" //nolint:depguard // Wired in app layer
	"go.trai.ch/zb/internal/adapters/registry"     //nolint:depguard // Wired in app layer
	"go.trai.ch/zb/internal/core/domain"
	"go.trai.ch/zb/internal/core/ports"
	"go.trai.ch/zb/internal/engine/gc"
	"go.trai.ch/zb/internal/engine/resolver"
)

const (
	// AppNodeID is the unique identifier for the main App Graft node.
	AppNodeID graft.ID = "app.main"
	// ComponentsNodeID is the unique identifier for the App components Graft node.
	ComponentsNodeID graft.ID = "app.components"
)

// Components are the values cmd/zb needs from the dependency graph.
type Components struct {
	App    *App
	Logger ports.Logger
}

func init() {
	// App Node
	graft.Register(graft.Node[*App]{
		ID:        AppNodeID,
		Cacheable: true,
		DependsOn: []graft.ID{
			config.NodeID,
			logger.NodeID,
			registry.NodeID,
			resolver.NodeID,
			gc.NodeID,
			fetcher.NodeID,
			blobstore.NodeID,
			materializer.NodeID,
			linker.NodeID,
			index.NodeID,
			lock.NodeID,
			builder.NodeID,
		},
		Run: runAppNode,
	})

	// Components Node
	graft.Register(graft.Node[*Components]{
		ID:        ComponentsNodeID,
		Cacheable: true,
		DependsOn: []graft.ID{
			AppNodeID,
			logger.NodeID,
		},
		Run: func(ctx context.Context) (*Components, error) {
			a, err := graft.Dep[*App](ctx)
			if err != nil {
				return nil, err
			}
			log, err := graft.Dep[ports.Logger](ctx)
			if err != nil {
				return nil, err
			}
			return &Components{App: a, Logger: log}, nil
		},
	})
}

//nolint:cyclop // one lookup per collaborator
func runAppNode(ctx context.Context) (*App, error) {
	cfg, err := graft.Dep[*domain.Config](ctx)
	if err != nil {
		return nil, err
	}
	log, err := graft.Dep[ports.Logger](ctx)
	if err != nil {
		return nil, err
	}
	reg, err := graft.Dep[ports.Registry](ctx)
	if err != nil {
		return nil, err
	}
	res, err := graft.Dep[*resolver.Resolver](ctx)
	if err != nil {
		return nil, err
	}
	collector, err := graft.Dep[*gc.Collector](ctx)
	if err != nil {
		return nil, err
	}
	fetch, err := graft.Dep[ports.Fetcher](ctx)
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
	idx, err := graft.Dep[ports.Index](ctx)
	if err != nil {
		return nil, err
	}
	locker, err := graft.Dep[ports.Locker](ctx)
	if err != nil {
		return nil, err
	}
	b, err := graft.Dep[ports.Builder](ctx)
	if err != nil {
		return nil, err
	}

	return New(Services{
		Config:       cfg,
		Logger:       log,
		Registry:     reg,
		Resolver:     res,
		Collector:    collector,
		Fetcher:      fetch,
		Store:        store,
		Materializer: mat,
		Linker:       lnk,
		Index:        idx,
		Locker:       locker,
		Builder:      b,
	}), nil
}
