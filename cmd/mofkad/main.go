// mofkad runs a broker server: a transport engine hosting partitions and,
// on the master member, the topic directory.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/guregu/null.v3"

	"github.com/mochi-hpc/mofka-go/broker"
	"github.com/mochi-hpc/mofka-go/transport"
)

var (
	flagAddress   string
	flagGroupFile string
	flagDataDir   string
	flagMetrics   string
	flagVerbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "mofkad",
	Short: "a partitioned publish/subscribe event broker",
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		if flagVerbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run a broker server until interrupted",
	RunE: func(_ *cobra.Command, _ []string) error {
		logger := logrus.StandardLogger()

		cfg := broker.NewConfig()
		envCfg, err := broker.ConfigFromEnv()
		if err != nil {
			return err
		}
		cfg = cfg.Apply(envCfg)
		cfg = cfg.Apply(broker.Config{
			Address:   nullStringIf(flagAddress),
			GroupFile: nullStringIf(flagGroupFile),
			DataDir:   nullStringIf(flagDataDir),
		})

		engine, err := transport.NewWSEngine(cfg.Address.String, logger)
		if err != nil {
			return err
		}
		defer engine.Close()

		registry := prometheus.NewRegistry()
		server, err := broker.NewServer(engine, afero.NewOsFs(), cfg, logger, registry)
		if err != nil {
			return err
		}
		defer server.Close()

		if flagMetrics != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
				if err := http.ListenAndServe(flagMetrics, mux); err != nil {
					logger.WithError(err).Warn("metrics endpoint stopped")
				}
			}()
		}

		logger.WithField("address", engine.Address()).Info("serving")
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		logger.Info("shutting down")
		return nil
	},
}

func nullStringIf(s string) null.String {
	if s == "" {
		return null.String{}
	}
	return null.StringFrom(s)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	serveCmd.Flags().StringVarP(&flagAddress, "address", "a", "", "listen address (ws://host:port)")
	serveCmd.Flags().StringVarP(&flagGroupFile, "group", "g", "", "group membership file")
	serveCmd.Flags().StringVarP(&flagDataDir, "data-dir", "d", "", "data directory")
	serveCmd.Flags().StringVarP(&flagMetrics, "metrics", "m", "", "prometheus endpoint (host:port)")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
