package resolver

import (
	"context"

	"github.com/grindlemire/graft"
	"go.trai.ch/zb/internal/adapters/builder"      //nolint:depguard // Wired in engine wiring
	"go.trai.ch/zb/internal/adapters/config"       //nolint:depguard // Wired in engine wiring
	"go.trai.ch/zb/internal/adapters/index"        //nolint:depguard // Wired in engine wiring
	"go.trai.ch/zb/internal/adapters/materializer" //nolint:depguard // Wired in engine wiring
	"go.trai.ch/zb/internal/adapters/registry"     //nolint:depguard // Wired in engine wiring
	"go.trai.ch/zb/internal/core/domain"
	"go.trai.ch/zb/internal/core/ports"
)

// NodeID is the unique identifier for the resolver Graft node.
const NodeID graft.ID = "engine.resolver"

func init() {
	graft.Register(graft.Node[*Resolver]{
		ID:        NodeID,
		Cacheable: true,
		DependsOn: []graft.ID{
			config.NodeID,
			registry.NodeID,
			index.NodeID,
			materializer.NodeID,
			builder.NodeID,
		},
		Run: func(ctx context.Context) (*Resolver, error) {
			cfg, err := graft.Dep[*domain.Config](ctx)
			if err != nil {
				return nil, err
			}
			reg, err := graft.Dep[ports.Registry](ctx)
			if err != nil {
				return nil, err
			}
			idx, err := graft.Dep[ports.Index](ctx)
			if err != nil {
				return nil, err
			}
			mat, err := graft.Dep[ports.Materializer](ctx)
			if err != nil {
				return nil, err
			}
			b, err := graft.Dep[ports.Builder](ctx)
			if err != nil {
				return nil, err
			}
			return New(reg, idx, mat, b, cfg.Concurrency), nil
		},
	})
}
