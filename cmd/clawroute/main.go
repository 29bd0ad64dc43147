package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clawroute/clawroute/internal/application"
	"github.com/clawroute/clawroute/internal/infrastructure/config"
	"github.com/clawroute/clawroute/internal/infrastructure/logger"
)

const (
	appName    = "clawroute"
	appVersion = "0.4.2"
)

func main() {
	root := &cobra.Command{
		Use:           appName,
		Short:         "Local Anthropic-compatible gateway over multiple LLM providers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(startCmd(), stopCmd(), statusCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	var (
		configPath string
		port       int
		host       string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			if port > 0 {
				cfg.Gateway.Port = port
			}
			if host != "" {
				cfg.Gateway.Host = host
			}
			if debug {
				cfg.Log.Level = "debug"
			}

			log, err := logger.New(cfg.Log.Level, cfg.Log.Format, "stdout")
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
			defer log.Sync()

			log.Info("Starting clawroute",
				zap.String("version", appVersion),
				zap.String("host", cfg.Gateway.Host),
				zap.Int("port", cfg.Gateway.Port),
				zap.Int("providers", len(cfg.Providers)),
			)

			app, err := application.NewApp(cfg, configPath, log)
			if err != nil {
				log.Error("Failed to initialize application", zap.Error(err))
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := app.Start(ctx); err != nil {
				log.Error("Failed to start application", zap.Error(err))
				return err
			}

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-quit:
				log.Info("Received shutdown signal", zap.String("signal", sig.String()))
			case <-app.ShutdownRequested():
				log.Info("Shutdown requested over HTTP")
			}

			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancelShutdown()

			if err := app.Stop(shutdownCtx); err != nil {
				log.Error("Error during shutdown", zap.Error(err))
				return err
			}

			log.Info("Gateway stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config.yaml")
	cmd.Flags().IntVar(&port, "port", 0, "listen port override")
	cmd.Flags().StringVar(&host, "host", "", "listen host override")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func stopCmd() *cobra.Command {
	var (
		port  int
		force bool
	)

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("http://127.0.0.1:%d/shutdown", port)
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Post(url, "application/json", nil)
			if err != nil {
				if force {
					fmt.Println("gateway unreachable, nothing to stop")
					return nil
				}
				return fmt.Errorf("gateway unreachable on port %d: %w", port, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("shutdown rejected: HTTP %d", resp.StatusCode)
			}
			fmt.Println("shutdown requested")
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 3456, "gateway port")
	cmd.Flags().BoolVar(&force, "force", false, "exit zero even when unreachable")
	return cmd
}

func statusCmd() *cobra.Command {
	var (
		port     int
		detailed bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a running gateway's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("http://127.0.0.1:%d/status", port)
			if detailed {
				url += "?detailed=true"
			}
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(url)
			if err != nil {
				return fmt.Errorf("gateway unreachable on port %d: %w", port, err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			var pretty map[string]any
			if err := json.Unmarshal(body, &pretty); err != nil {
				return fmt.Errorf("unexpected status payload: %w", err)
			}
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 3456, "gateway port")
	cmd.Flags().BoolVar(&detailed, "detailed", false, "include recent attempts")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	}
}
