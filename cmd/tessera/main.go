package main

import (
	"context"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/tessera-db/tessera/frontend"
	"github.com/tessera-db/tessera/frontend/memengine"
	"github.com/tessera-db/tessera/pkg/config"
	"github.com/tessera-db/tessera/pkg/tesslog"
)

var (
	cfgPath  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:  "tessera",
	Long: "Tessera -- PostgreSQL wire front-end for the columnar time-series engine",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage:  false,
	SilenceErrors: false,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run the front-end against the in-memory dev engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfgPath != "" {
			if err := config.LoadFrontendCfg(cfgPath); err != nil {
				return err
			}
		}
		cfg := config.FrontendConfig()
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if err := tesslog.UpdateZeroLogLevel(cfg.LogLevel); err != nil {
			return err
		}

		listener, err := net.Listen(cfg.Proto, cfg.Addr)
		if err != nil {
			return err
		}
		tesslog.Zero.Info().Str("addr", cfg.Addr).Msg("tessera frontend listening")

		eng := memengine.New()
		return frontend.NewServer(eng, eng, cfg).Run(cmd.Context(), listener)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level")
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		tesslog.Zero.Error().Err(err).Msg("tessera terminated")
		os.Exit(1)
	}
}
