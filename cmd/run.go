// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"
	unarchive "github.com/hashicorp/go-unarchive"
	"github.com/hashicorp/go-unarchive/config"
	"github.com/hashicorp/go-unarchive/telemetry"
	"github.com/pkg/errors"
)

// CLI are the cli parameters for the unarchive binary
type CLI struct {
	Config            kong.ConfigFlag  `short:"c" help:"Load flag values from a YAML file."`
	MaxEntries        int64            `optional:"" default:"100000" help:"Maximum number of entries in an archive. (disable check: -1)"`
	MaxExtractionSize int64            `optional:"" default:"1073741824" help:"Maximum size of an extracted entry (in bytes). (disable check: -1)"`
	MemoryBudget      int64            `optional:"" default:"536870912" help:"Budget for archive and entry buffers (in bytes)."`
	Telemetry         bool             `short:"T" help:"Print telemetry data to log after every operation."`
	Timeout           time.Duration    `optional:"" default:"60s" help:"Maximum time a single task may take."`
	Verbose           bool             `short:"v" help:"Verbose logging."`
	Version           kong.VersionFlag `short:"V" help:"Print release version information."`
	Workers           int              `short:"w" optional:"" default:"1" help:"Number of execution contexts."`

	Detect  detectCmd  `cmd:"" help:"Print the format of an archive."`
	List    listCmd    `cmd:"" help:"List the entries of an archive."`
	Extract extractCmd `cmd:"" help:"Extract entries of an archive into a directory."`
}

// env is bound to every command
type env struct {
	cli *CLI
	out io.Writer
}

// Run the entrypoint into unarchive as a cli tool
func Run(version, commit, date string) {
	var cli CLI
	parser := kong.Must(&cli, options(version, commit, date)...)
	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	if err := kctx.Run(&env{cli: &cli, out: os.Stdout}); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", filepath.Base(os.Args[0]), err)
		os.Exit(1)
	}
}

// options returns the parser options
func options(version, commit, date string) []kong.Option {
	return []kong.Option{
		kong.Name("unarchive"),
		kong.Description("An in-memory archive inspection and extraction utility"),
		kong.UsageOnError(),
		kong.Configuration(yamlLoader),
		kong.Vars{
			"version": fmt.Sprintf("unarchive (%s), commit %s, built at %s", version, commit, date),
		},
	}
}

// logger creates the logger of the cli
func (e *env) logger() *slog.Logger {
	logLevel := slog.LevelError
	if e.cli.Telemetry {
		logLevel = slog.LevelInfo
	}
	if e.cli.Verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

// engine creates an engine from the cli parameters
func (e *env) engine(ctx context.Context) (*unarchive.Engine, error) {
	logger := e.logger()

	// setup telemetry hook
	telemetryToLog := func(ctx context.Context, td *telemetry.Data) {
		if e.cli.Telemetry {
			logger.Info("operation finished", "telemetry", td)
		}
	}

	eng, err := unarchive.New(ctx,
		config.WithLogger(logger),
		config.WithMaxEntries(e.cli.MaxEntries),
		config.WithMaxExtractionSize(e.cli.MaxExtractionSize),
		config.WithMemoryBudget(e.cli.MemoryBudget),
		config.WithTaskTimeout(e.cli.Timeout),
		config.WithTelemetryHook(telemetryToLog),
		config.WithWorkers(e.cli.Workers),
	)
	if err != nil {
		return nil, errors.Wrap(err, "cannot start engine")
	}
	return eng, nil
}

// readArchive reads the archive at path, "-" reads from STDIN
func readArchive(path string) ([]byte, string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, "", errors.Wrap(err, "cannot read archive from stdin")
		}
		return data, "stdin", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", errors.Wrapf(err, "cannot read archive %s", path)
	}
	return data, filepath.Base(path), nil
}
