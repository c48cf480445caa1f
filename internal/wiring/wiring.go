// Package wiring registers all Graft nodes for the application.
package wiring

import (
	// Register adapter nodes.
	_ "go.trai.ch/zb/internal/adapters/blobstore"
	_ "go.trai.ch/zb/internal/adapters/builder"
	_ "go.trai.ch/zb/internal/adapters/config"
	_ "go.trai.ch/zb/internal/adapters/fetcher"
	_ "go.trai.ch/zb/internal/adapters/index"
	_ "go.trai.ch/zb/internal/adapters/linker"
	_ "go.trai.ch/zb/internal/adapters/lock"
	_ "go.trai.ch/zb/internal/adapters/logger"
	_ "go.trai.ch/zb/internal/adapters/materializer"
	_ "go.trai.ch/zb/internal/adapters/registry"
	_ "go.trai.ch/zb/internal/adapters/shell"
	// Register app and engine nodes.
	_ "go.trai.ch/zb/internal/app"
	_ "go.trai.ch/zb/internal/engine/gc"
	_ "go.trai.ch/zb/internal/engine/resolver"
)
