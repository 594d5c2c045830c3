package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/inferloop/dptrain/pkg/constants"
)

// Options are the command-line options of the server binary. Settings with a
// configuration key are read back through the flag set so that only flags
// given on the command line override the config file and environment.
type Options struct {
	ConfigFile string
	Version    bool
	Flags      *pflag.FlagSet
}

func ParseFlags(args []string) (*Options, error) {
	opts := &Options{}

	flags := pflag.NewFlagSet(constants.AppName+"-server", pflag.ContinueOnError)
	flags.StringVar(&opts.ConfigFile, "config", "", "Path to configuration file")
	flags.String("host", constants.DefaultHost, "Server host")
	flags.Int("port", constants.DefaultPort, "Server port")
	flags.String("log-level", constants.DefaultLogLevel, "Log level (debug, info, warn, error)")
	flags.String("log-format", constants.DefaultLogFormat, "Log format (json, text)")
	flags.Int("max-jobs", constants.DefaultMaxTrainingJobs, "Maximum concurrent training jobs")
	flags.Int("max-models", constants.DefaultMaxModels, "Maximum retained models (0 for unlimited)")
	flags.Int("max-finished-jobs", constants.DefaultMaxFinishedJobs, "Maximum finished jobs kept for queries (0 for unlimited)")
	flags.String("model-dir", "", "Directory where trained models are persisted and restored from")
	flags.String("storage", "", "Model storage backend (local, s3, redis, postgres); empty keeps models in memory")
	flags.String("influx-url", "", "InfluxDB URL receiving training telemetry")
	flags.Bool("allow-seeded", false, "Accept a seed in training requests (reproducible noise, testing only)")
	flags.BoolVar(&opts.Version, "version", false, "Show version information")

	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nDifferentially private training server\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	opts.Flags = flags

	return opts, nil
}

func printVersion() {
	info := GetBuildInfo()
	fmt.Printf("Version: %s\n", info.Version)
	fmt.Printf("Git Commit: %s\n", info.GitCommit)
	fmt.Printf("Build Date: %s\n", info.BuildDate)
	fmt.Printf("Go Version: %s\n", info.GoVersion)
	fmt.Printf("Platform: %s\n", info.Platform)
	fmt.Printf("Gonum: %s\n", info.GonumVersion)
	fmt.Printf("Composition: %s (default %s)\n", strings.Join(info.Strategies, ", "), info.DefaultStrategy)
	fmt.Printf("RDP Orders: %s\n", info.RDPOrders)
	fmt.Printf("Storage: %s\n", strings.Join(info.StorageBackends, ", "))
}
