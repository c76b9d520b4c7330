package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version = "dev"
	commit  = "unknown"
)

type rootFlags struct {
	config  string
	verbose bool
}

func (f *rootFlags) load() (*Profile, *zap.SugaredLogger, error) {
	if f.config == "" {
		return nil, nil, fmt.Errorf("--config is required")
	}
	p, err := LoadProfile(f.config)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(f.verbose)
	if err != nil {
		return nil, nil, err
	}
	return p, logger, nil
}

func newLogger(verbose bool) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		cfg.Encoding = "console"
	}
	cfg.OutputPaths = []string{"stderr"}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:   "psemread",
		Short: "Read ANSI C12.19 tables from a meter over C12.18/C12.21 PSEM",
		Long: `psemread opens a PSEM session described by a YAML profile (tcp, optical probe
or dial-up modem), logs on and reads C12.19 tables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.config, "config", "c", "", "Session profile (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Debug logging, including packet dumps")

	rootCmd.AddCommand(newReadCmd(flags))
	rootCmd.AddCommand(newIdentCmd(flags))
	rootCmd.AddCommand(newClockCmd(flags))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
