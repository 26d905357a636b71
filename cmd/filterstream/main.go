package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sawpanic/filterstream/internal/config"
	applog "github.com/sawpanic/filterstream/internal/log"
)

const (
	appName = "filterstream"
	version = "v0.4.0"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries state shared by every subcommand
type app struct {
	configPath string
	logLevel   string
	logFormat  string

	config *config.Config
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Filtered stream consumer with reconnects and rule management",
		Version: version,
		Long: `filterstream keeps a filtered post stream connected, reconnecting with
backoff on timeouts and server disconnects, and delivers matched posts to
stdout, Redis, Postgres or live WebSocket clients.

Credentials come from FILTERSTREAM_TOKEN or the config file.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}
	rootCmd.SetOut(out)
	addGlobalFlags(rootCmd.PersistentFlags(), a)

	rootCmd.AddCommand(a.newStreamCmd())
	rootCmd.AddCommand(a.newRulesCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", appName, version)
		},
	})
	return rootCmd
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	if _, err := applog.Setup(a.logLevel, applog.Format(a.logFormat)); err != nil {
		return err
	}
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	a.config = cfg
	return nil
}
