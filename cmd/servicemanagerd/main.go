package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/openfleet/servicemanager/internal/app"
	"github.com/openfleet/servicemanager/internal/config"
	"github.com/openfleet/servicemanager/pkg/types"
)

func main() {
	configPath := flag.String("config", "/etc/aos/aos_servicemanager.cfg", "configuration file")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(*configPath); err != nil {
		slog.Error("service manager failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sm, err := app.New(ctx, cfg, logClient{})
	if err != nil {
		return err
	}

	slog.Info("service manager started", "workingDir", cfg.WorkingDir)

	<-ctx.Done()

	slog.Info("service manager shutting down")

	return sm.Shutdown()
}

// logClient stands in for the communication manager transport, which is
// wired by the deployment-specific build.
type logClient struct{}

func (logClient) SendRunStatus(statuses []types.RunStatus) error {
	for _, status := range statuses {
		slog.Info("run status", "instanceID", status.InstanceID, "state", status.State.String(),
			"exitCode", status.ExitCode, "error", status.Err)
	}

	return nil
}

func (logClient) SendAlert(alert types.Alert) error {
	slog.Info("alert", "tag", string(alert.Tag()))

	return nil
}

func (logClient) SendMonitoringData(data types.MonitoringData) error {
	slog.Debug("monitoring data", "cpu", data.CPU, "ram", data.RAM)

	return nil
}
