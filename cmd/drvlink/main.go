package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rexliu/drvlink/pkg/config"
	"github.com/rexliu/drvlink/pkg/logging"
	"github.com/rexliu/drvlink/pkg/session"
)

var version = "dev"

type globalFlags struct {
	profile string
	driver  string
	verbose bool
	trace   bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "drvlink: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "drvlink",
		Short:         "Drive an automation driver over its stdio protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.profile, "profile", "", "Profile directory (default: user config dir)")
	root.PersistentFlags().StringVar(&g.driver, "driver", "", "Driver executable, overrides driver.path")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Log protocol frames")
	root.PersistentFlags().BoolVar(&g.trace, "trace", false, "Record the session in the trace store")

	root.AddCommand(
		newInitCmd(g),
		newObjectsCmd(g),
		newCallCmd(g),
		newTraceCmd(g),
		newProtocolCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the CLI version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "drvlink %s\n", version)
			},
		},
	)
	return root
}

func (g *globalFlags) profileDir() (string, error) {
	if g.profile != "" {
		return filepath.Abs(g.profile)
	}
	return config.ProfileDir("default")
}

// loadConfig reads the profile config, falling back to defaults when the
// profile has not been initialized.
func (g *globalFlags) loadConfig() (*config.Config, error) {
	dir, err := g.profileDir()
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadProfile(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		cfg = config.Default(filepath.Base(dir))
		cfg.Trace.DBPath = config.ResolvePath(dir, cfg.Trace.DBPath)
	case err != nil:
		return nil, err
	}
	if g.driver != "" {
		cfg.Driver.Path = g.driver
	}
	if g.verbose {
		cfg.Logging.Level = "debug"
	}
	if g.trace {
		cfg.Trace.Enabled = true
	}
	return cfg, nil
}

func (g *globalFlags) logger(cfg *config.Config) (*logging.Logger, error) {
	l := logging.New("drvlink")
	if err := l.Configure(cfg.Logging); err != nil {
		return nil, err
	}
	return l, nil
}

// openSession loads config, starts the driver and waits until it is ready.
// The returned cleanup closes the session and the log file.
func (g *globalFlags) openSession(ctx context.Context) (*session.Session, func(), error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := g.logger(cfg)
	if err != nil {
		return nil, nil, err
	}
	s, err := session.Open(ctx, cfg, logger)
	if err != nil {
		logger.Close()
		return nil, nil, err
	}
	if id := s.TraceID(); id != "" {
		logger.Infof("recording trace session %s", id)
	}
	return s, func() {
		if err := s.Close(); err != nil {
			logger.Warnf("close session: %v", err)
		}
		logger.Close()
	}, nil
}

func newInitCmd(g *globalFlags) *cobra.Command {
	var (
		name  string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a profile (writes config.toml)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := g.profileDir()
			if err != nil {
				return err
			}
			path := filepath.Join(dir, config.FileName)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
			}
			if name == "" {
				name = filepath.Base(dir)
			}
			cfg := config.Default(name)
			cfg.Driver.Path = g.driver
			if err := config.Save(path, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized profile %s at %s\n", cfg.ProfileName, dir)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Profile name (default: directory name)")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing config if present")
	return cmd
}
