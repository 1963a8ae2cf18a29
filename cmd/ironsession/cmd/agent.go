package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironsession/agent"
)

var agentAddr string

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Keep the session alive and serve it on a local HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("addr") {
			cfg.AgentAddr = agentAddr
		}

		k, err := openKeeper(cmd.Context())
		if err != nil {
			return err
		}
		defer k.Close()

		if k.Resume(cmd.Context()) {
			log.Info("resumed persisted session", "role", k.Machine.State().Role())
		}

		secret, err := agent.LoadOrCreateSecret(cfg.DataDir)
		if err != nil {
			return err
		}
		a := agent.New(k,
			agent.WithLogger(log),
			agent.WithAddr(cfg.AgentAddr),
			agent.WithSecret(secret),
		)
		server := &http.Server{
			Addr:              cfg.AgentAddr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("agent failed: %w", err)
				return
			}
			done <- nil
		}()

		out := cmd.OutOrStdout()
		printBanner(out)
		fmt.Fprintf(out, "Serving session on http://%s (data: %s)...\n", cfg.AgentAddr, cfg.DataDir)
		fmt.Fprintf(out, "Token routes require the bearer secret in %s\n", filepath.Join(cfg.DataDir, agent.SecretFile))

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("agent shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.Flags().StringVar(&agentAddr, "addr", "", "Listen address (default 127.0.0.1:9193)")
}
