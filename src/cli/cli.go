// Package cli implements the clice command line.
package cli

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/clice-io/clice/src/compiledb"
	"github.com/clice-io/clice/src/config"
	"github.com/clice-io/clice/src/frontend"
	"github.com/clice-io/clice/src/index"
	"github.com/clice-io/clice/src/internal/common"
	"github.com/clice-io/clice/src/plugin"
	"github.com/clice-io/clice/src/server"
	"github.com/clice-io/clice/src/server/protocol"
)

// CLI Commands
const (
	CmdVersion = "version"
)

var (
	flagMode        string
	flagHost        string
	flagPort        uint16
	flagLogColor    string
	flagLogLevel    string
	flagPluginPaths []string
)

// NewRootCommand builds the clice command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "clice",
		Short:         "clice is a language server for C and C++",
		Version:       server.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	flags := root.Flags()
	flags.StringVar(&flagMode, "mode", "pipe",
		"pipe listens on stdio, socket on host:port, indexer batch-indexes and exits")
	flags.StringVar(&flagHost, "host", "127.0.0.1", "the host to listen on in socket mode")
	flags.Uint16Var(&flagPort, "port", 50051, "the port to listen on in socket mode")
	flags.StringVar(&flagLogColor, "log-color", "auto", "when to use terminal colors (always|auto|never)")
	flags.StringVar(&flagLogLevel, "log-level", "info", "the log level (trace|debug|info|warn|error|off)")
	flags.StringSliceVar(&flagPluginPaths, "plugin-path", nil, "server plugins to load, comma separated")

	root.AddCommand(&cobra.Command{
		Use:   CmdVersion,
		Short: "Show version information",
		RunE:  runVersionCmd,
	})

	return root
}

func runVersionCmd(cmd *cobra.Command, args []string) error {
	fmt.Fprintf(cmd.OutOrStdout(), "clice %s\n", server.Version)
	return nil
}

// Execute runs the command line; a non-nil error means exit status 1.
func Execute() error {
	return NewRootCommand().Execute()
}

func configureLogging() error {
	level, err := common.ParseLogLevel(flagLogLevel)
	if err != nil {
		return err
	}
	color, err := common.ParseColorMode(flagLogColor)
	if err != nil {
		return err
	}
	common.Configure(level, color)
	return nil
}

func loadPlugins() (*plugin.Registry, error) {
	registry := plugin.NewRegistry()
	for _, path := range flagPluginPaths {
		if err := registry.Load(path); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func run() error {
	if err := configureLogging(); err != nil {
		return err
	}

	// Plugins load before the server starts, in every mode.
	plugins, err := loadPlugins()
	if err != nil {
		return err
	}

	switch flagMode {
	case "pipe":
		return runPipe(plugins)
	case "socket":
		return runSocket(plugins)
	case "indexer":
		return runIndexer()
	}
	return fmt.Errorf("unknown mode %q", flagMode)
}

func runPipe(plugins *plugin.Registry) error {
	common.CLILogger.Info("Server starts listening on stdin/stdout")
	conn := protocol.NewConn(os.Stdin, os.Stdout, nil)
	return server.New(conn, plugins).Run(context.Background())
}

func runSocket(plugins *plugin.Registry) error {
	address := fmt.Sprintf("%s:%d", flagHost, flagPort)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	defer listener.Close()
	common.CLILogger.Info("Server starts listening on %s", address)

	stream, err := listener.Accept()
	if err != nil {
		return err
	}

	conn := protocol.NewConn(stream, stream, stream)
	return server.New(conn, plugins).Run(context.Background())
}

// runIndexer batch-indexes the whole project and exits.
func runIndexer() error {
	workspace, err := os.Getwd()
	if err != nil {
		return err
	}

	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}

	db := compiledb.New()
	db.LoadRules(cfg.Rules)
	if !db.LoadDirs(cfg.CompileCommandsDirs, workspace) {
		return fmt.Errorf("no compile_commands.json found under %s", workspace)
	}

	store := index.NewStore(cfg.IndexDir)
	indexer := index.NewProjectIndexer(db, frontend.NewTreeSitter(), store)
	if err := indexer.Run(context.Background()); err != nil {
		return err
	}
	return store.Save()
}
