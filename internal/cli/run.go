package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kiruna/internal/config"
	"kiruna/internal/console"
	"kiruna/internal/constants"
	"kiruna/internal/engine"
	"kiruna/internal/logger"
	"kiruna/internal/server"
	"kiruna/internal/supervisor"
	"kiruna/internal/version"
)

// Execute runs the command tree. Without a subcommand the daemon runs.
func Execute(ctx context.Context, args []string) error {
	root := createRootCommand()
	root.RunE = runDaemon
	root.AddCommand(createRunCommand(), createVersionCommand())
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func createRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the orchestration daemon",
		RunE:  runDaemon,
	}
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("kiruna " + version.Version)
		},
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	cfgMgr := config.New()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfgMgr.Path = path
	}

	eng, err := engine.NewClient()
	if err != nil {
		return err
	}
	defer eng.Close()

	sup := supervisor.New(cfgMgr, eng, version.Version)
	defer sup.Close()

	// The first apply is fatal on error: a daemon that cannot read its
	// manifest or reach the registration store has nothing to do.
	if err := sup.Apply(ctx); err != nil {
		return err
	}

	watcher, err := supervisor.WatchFile(cfgMgr.Path, constants.WatchDebounce, sup.OnConfigChange)
	if err != nil {
		logger.WithError(err).Warn("Manifest watching disabled")
	} else {
		defer watcher.Close()
	}

	srv := server.New(sup, cfgMgr.Manifest.Status.StatusPort())
	go func() {
		if err := srv.Start(); err != nil {
			logger.WithError(err).Error("Status server stopped")
		}
	}()
	defer srv.Shutdown(context.Background())

	go console.Run(ctx, os.Stdin, sup, cancel)

	logger.WithField("version", version.Version).Info("kiruna running")
	<-ctx.Done()
	logger.Info("Shutting down")
	return nil
}
