package main

import (
	"context"

	"github.com/go-kit/log/level"

	"github.com/arkilian/tracequery/internal/app"
)

type serveCmd struct{}

func (cmd *serveCmd) Run(g *globalOptions) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		return err
	}
	if err := a.WaitForShutdown(ctx); err != nil {
		level.Error(logger).Log("msg", "shutdown error", "err", err)
	}
	return a.Stop(ctx)
}
