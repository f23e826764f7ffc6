// Command tracequery serves and queries profiler trace databases.
package main

import (
	"context"
	"os"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log"

	"github.com/arkilian/tracequery/internal/app"
	"github.com/arkilian/tracequery/internal/config"
	"github.com/arkilian/tracequery/internal/observability"
)

type globalOptions struct {
	Config    string `help:"path to a YAML or JSON config file" type:"path" short:"c"`
	EnvFile   string `help:"dotenv file with TRACEQUERY_* overrides" type:"path" name:"env-file"`
	LogLevel  string `help:"log level: debug, info, warn or error" default:"" name:"log.level"`
	LogFormat string `help:"log format: logfmt or json" default:"" name:"log.format"`
}

var cli struct {
	globalOptions

	Serve  serveCmd  `cmd:"" help:"run the HTTP and gRPC query service"`
	Query  queryCmd  `cmd:"" help:"run a compound query and print the result"`
	Slice  sliceCmd  `cmd:"" help:"print the records of tracks inside a time window"`
	Export exportCmd `cmd:"" help:"run a compound query and export the view as CSV"`
	Tracks tracksCmd `cmd:"" help:"list the tracks discovered in the configured sources"`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("tracequery"),
		kong.Description("Profiler trace query and aggregation engine"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
	err := ctx.Run(&cli.globalOptions)
	ctx.FatalIfErrorf(err)
}

// load reads the configuration and builds the logger it describes.
func (g *globalOptions) load() (*config.Config, log.Logger, error) {
	if g.EnvFile != "" {
		if err := config.LoadEnvFile(g.EnvFile); err != nil {
			return nil, nil, err
		}
	}
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, nil, err
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Log.Format = g.LogFormat
	}
	logger, err := observability.NewLogger(cfg.Log.Format, cfg.Log.Level, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openApp loads the configuration and opens the engine in-process.
func (g *globalOptions) openApp(ctx context.Context) (*app.App, error) {
	cfg, logger, err := g.load()
	if err != nil {
		return nil, err
	}
	a, err := app.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := a.Open(ctx); err != nil {
		return nil, err
	}
	return a, nil
}
