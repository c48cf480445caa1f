package builder

import (
	"context"

	"github.com/grindlemire/graft"
	"go.trai.ch/zb/internal/adapters/config"
	"go.trai.ch/zb/internal/adapters/fetcher"
	"go.trai.ch/zb/internal/adapters/shell"
	"go.trai.ch/zb/internal/core/domain"
	"go.trai.ch/zb/internal/core/ports"
)

// NodeID is the unique identifier for the builder Graft node.
const NodeID graft.ID = "adapter.builder"

func init() {
	graft.Register(graft.Node[ports.Builder]{
		ID:        NodeID,
		Cacheable: true,
		DependsOn: []graft.ID{config.NodeID, shell.NodeID, fetcher.NodeID},
		Run: func(ctx context.Context) (ports.Builder, error) {
			cfg, err := graft.Dep[*domain.Config](ctx)
			if err != nil {
				return nil, err
			}
			runner, err := graft.Dep[ports.CommandRunner](ctx)
			if err != nil {
				return nil, err
			}
			fetch, err := graft.Dep[ports.Fetcher](ctx)
			if err != nil {
				return nil, err
			}
			return New(runner, fetch, cfg.Layout, cfg.BuildCommand), nil
		},
	})
}
