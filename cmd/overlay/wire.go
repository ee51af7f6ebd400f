//go:build wireinject

package main

import (
	"github.com/google/wire"

	"github.com/cory-johannsen/tablesync/internal/config"
	"github.com/cory-johannsen/tablesync/internal/overlay"
)

func initializeApp(cfg config.Config, term overlay.Terminal) (*overlay.App, func(), error) {
	wire.Build(overlay.ProviderSet)
	return nil, nil, nil
}
