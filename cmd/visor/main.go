package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/visor-agent/visor/internal/application"
	"github.com/visor-agent/visor/internal/infrastructure/config"
	"github.com/visor-agent/visor/internal/infrastructure/logger"
)

const (
	appName    = "visor"
	appVersion = "0.3.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "visor: closed-loop visual agent driver",
		Long: "visor drives a screen-interacting agent: it executes the current story,\n" +
			"routes every capture through the browser annotator, plans the next story\n" +
			"with a VLM, and records each turn to a run directory.",
		RunE: runServe,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the engine and panel server (default)",
		RunE:  runServe,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "Check the environment",
		RunE:  runDoctor,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting visor",
		zap.String("version", appVersion),
		zap.String("listen", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := application.NewApp(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize application", zap.Error(err))
	}
	if err := app.Start(ctx); err != nil {
		log.Fatal("Failed to start application", zap.Error(err))
	}

	log.Info("Panel ready",
		zap.String("url", fmt.Sprintf("http://%s:%d/", cfg.Server.Host, cfg.Server.Port)),
		zap.String("run_dir", app.RunDir()),
		zap.Bool("paused", app.Engine().Paused()),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := app.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	log.Info("Application stopped successfully")
	return nil
}

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Printf("visor doctor v%s\n\n", appVersion)

	cfg, cfgErr := config.Load()

	checks := []struct {
		name  string
		check func() (string, bool)
	}{
		{"configuration", func() (string, bool) {
			if cfgErr != nil {
				return cfgErr.Error(), false
			}
			return "ok", true
		}},
		{"executor command", func() (string, bool) {
			if cfgErr != nil {
				return "skipped", false
			}
			return checkCommand(cfg.Executor.Command)
		}},
		{"vlm command", func() (string, bool) {
			if cfgErr != nil {
				return "skipped", false
			}
			return checkCommand(cfg.VLM.Command)
		}},
		{"run base dir", func() (string, bool) {
			if cfgErr != nil {
				return "skipped", false
			}
			if err := os.MkdirAll(cfg.Run.BaseDir, 0o755); err != nil {
				return err.Error(), false
			}
			return cfg.Run.BaseDir, true
		}},
	}

	allOK := true
	for _, c := range checks {
		val, ok := c.check()
		icon := "ok "
		if !ok {
			icon = "FAIL"
			allOK = false
		}
		fmt.Printf("  [%s] %s: %s\n", icon, c.name, val)
	}

	fmt.Println()
	if !allOK {
		return fmt.Errorf("some checks failed")
	}
	fmt.Println("All checks passed")
	return nil
}

func checkCommand(argv []string) (string, bool) {
	if len(argv) == 0 {
		return "not configured", false
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return argv[0] + " not found in PATH", false
	}
	return path, true
}
