// Package main implements the lsmirror command-line tool for mirroring and
// serving Linux distribution trees.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/darknightghost/LinuxSourceMirror/internal/daemon"
	"github.com/darknightghost/LinuxSourceMirror/internal/mirror"
	"github.com/darknightghost/LinuxSourceMirror/internal/scheduler"
)

const (
	defaultConfigPath = "/etc/lsmirror/mirror.toml"
)

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "lsmirror",
	Short: "Mirror and serve Linux distribution trees",
	Long: `lsmirror keeps local copies of Linux distribution trees up to date with rsync
and publishes them over HTTP with directory listings and byte-range support.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync scheduler and the HTTP server",
	Long: `Runs the mirror daemon: every rsync distro is synchronized periodically while
the data directory is served over HTTP. The daemon stops on SIGINT or SIGTERM
after interrupting running rsync processes.

Usage:
  # Run with the default configuration file
  lsmirror serve

  # Use a custom configuration file
  lsmirror serve --config /path/to/mirror.toml`,
	Args: cobra.NoArgs,
	Run:  runServe,
}

var syncCmd = &cobra.Command{
	Use:   "sync [distros...]",
	Short: "Synchronize distros once and exit",
	Long: `Synchronizes the given distros once, at most max_connection at a time, and
exits. Failed synchronizations are reported but not retried.

Usage:
  # Synchronize every rsync distro in your configuration file
  lsmirror sync

  # Synchronize only specific distros
  lsmirror sync archlinux debian`,
	Run: runSync,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long:  `Validate the configuration file and report any issues.`,
	Args:  cobra.NoArgs,
	Run:   runValidate,
}

var distrosCmd = &cobra.Command{
	Use:   "distros",
	Short: "List configured distros",
	Args:  cobra.NoArgs,
	Run:   runDistros,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("lsmirror %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(distrosCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress all output except for errors")
}

// exitOnError logs err and exits when it is not nil.
func exitOnError(msg string, err error, verbose bool) {
	if err == nil {
		return
	}
	slog.Error(msg, "error", formatError(err, verbose))
	if !verbose {
		slog.Info("run with --verbose-errors for detailed stack traces")
	}
	os.Exit(1)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	quiet, _ := cmd.Flags().GetBool("quiet")

	config, err := loadConfig(quiet)
	exitOnError("failed to load configuration", err, verboseErrors)

	ctx, stop := signalContext()
	defer stop()

	if err := daemon.Run(ctx, config); err != nil {
		stop()
		exitOnError("mirror daemon failed", err, verboseErrors)
	}
}

func runSync(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	quiet, _ := cmd.Flags().GetBool("quiet")

	config, err := loadConfig(quiet)
	exitOnError("failed to load configuration", err, verboseErrors)

	err = syncDistros(config, args, quiet)
	exitOnError("synchronization failed", err, verboseErrors)
}

func syncDistros(config *mirror.Config, names []string, quiet bool) error {
	release, err := mirror.LockDataPath(config.DataPath)
	if err != nil {
		return err
	}
	defer release()

	registry, err := mirror.NewRegistry(config)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		names = registry.NamesFor(mirror.ProtocolRsync)
	}
	if len(names) == 0 {
		return errors.New("no rsync distros configured")
	}

	ctx, stop := signalContext()
	defer stop()

	var bar *pb.ProgressBar
	if !quiet {
		bar = pb.Full.New(len(names))
		bar.SetWriter(os.Stderr)
		bar.Set("prefix", "synchronizing")
		bar.Start()
		defer bar.Finish()
	}

	onDone := func(name string, status scheduler.ExitStatus) {
		if bar != nil {
			bar.Increment()
		}
		slog.Debug("distro finished", "distro", name, "status", status.String())
	}
	return scheduler.SyncOnce(ctx, &config.ClientProtocols.Rsync, registry, names, onDone)
}

func runValidate(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config, err := decodeConfig(configPath)
	exitOnError("configuration validation failed", err, verboseErrors)

	var validationErrors []error

	if err := config.Log.Apply(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "log config"))
	}
	if err := config.Check(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "global config"))
	}

	if len(validationErrors) > 0 {
		slog.Error("the toml configuration file is not valid")
		for _, err := range validationErrors {
			slog.Error(err.Error())
		}
		os.Exit(1)
	}

	slog.Info("the toml configuration file passes validation checks", "distros", len(config.Distros))
}

func runDistros(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config, err := loadConfig(true)
	exitOnError("failed to load configuration", err, verboseErrors)

	registry, err := mirror.NewRegistry(config)
	exitOnError("failed to load distros", err, verboseErrors)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPROTOCOL\tURL\tROOT")
	for _, name := range registry.Names() {
		d, _ := registry.Lookup(name)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Name, d.Protocol, d.URL, d.Root)
	}
	if err := tw.Flush(); err != nil {
		exitOnError("failed to print distros", err, verboseErrors)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
