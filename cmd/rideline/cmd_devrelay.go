package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/rideline/internal/relay/relaytest"
)

func init() {
	rootCmd.AddCommand(devrelayCmd)
	devrelayCmd.Flags().StringVar(&devrelayListen, "listen", "127.0.0.1:7777", "address to listen on")
}

var devrelayListen string

var devrelayCmd = &cobra.Command{
	Use:   "devrelay",
	Short: "Run an in-memory relay for local development",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogging(loadConfig())
		r := relaytest.NewRelay(logger)
		httpServer := &http.Server{Addr: devrelayListen, Handler: r}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("dev relay listening", "url", "ws://"+devrelayListen)
			errCh <- httpServer.ListenAndServe()
		}()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		select {
		case err := <-errCh:
			if err != http.ErrServerClosed {
				return err
			}
		case sig := <-sigChan:
			logger.Info("shutting down", "signal", sig)
		}
		r.Close()
		return httpServer.Close()
	},
}
