package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chaz8081/blebridge/internal/ble"
	"github.com/chaz8081/blebridge/internal/bluez"
	"github.com/chaz8081/blebridge/internal/config"
	"github.com/chaz8081/blebridge/internal/webhost"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "blebridge",
		Short:        "Bridge a BLE peripheral to a web app over WebSocket and REST",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: ~/.config/blebridge/config.yaml)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "List devices bonded with the adapter",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return listDevices(cmd, cfg)
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := config.WriteDefault()
			if err != nil {
				return err
			}
			if path == "" {
				cmd.Printf("Config already exists at %s\n", config.DefaultConfigPath())
				return nil
			}
			cmd.Printf("Wrote %s\n", path)
			return nil
		},
	}

	root.RunE = serveCmd.RunE
	root.AddCommand(serveCmd, devicesCmd, initCmd)
	return root
}

// loadConfig loads the config from the given path or the default path,
// validates it, and sets up logging.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))
	return cfg, nil
}

func serve(parent context.Context, cfg *config.Config) error {
	printBanner(cfg)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	host := bluez.New(cfg.Bluetooth.Adapter)
	hub := webhost.NewHub(cfg.Server.AllowOrigins, cfg.Server.WriteTimeout)

	manager, err := ble.NewManager(ble.NewTinyGoAdapter(host), host, hub, cfg.Options())
	if err != nil {
		return fmt.Errorf("starting bluetooth manager: %w", err)
	}
	defer func() {
		if err := manager.Close(); err != nil {
			slog.Warn("closing bluetooth manager", "error", err)
		}
	}()

	if !manager.IsBluetoothSupported() {
		slog.Warn("no bluetooth adapter found; calls will fail until one appears", "adapter", cfg.Bluetooth.Adapter)
	}
	if missing := host.Missing(); len(missing) > 0 {
		slog.Warn("bluetooth permissions missing", "missing", strings.Join(missing, ","))
	}

	err = webhost.NewServer(cfg.Server, manager, hub).ListenAndServe(ctx)
	slog.Info("Goodbye!")
	return err
}

func listDevices(cmd *cobra.Command, cfg *config.Config) error {
	host := bluez.New(cfg.Bluetooth.Adapter)
	if !host.Present() {
		return fmt.Errorf("adapter %s not found", cfg.Bluetooth.Adapter)
	}
	devices, err := host.PairedDevices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		cmd.Println("No paired devices")
		return nil
	}
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "Unknown"
		}
		cmd.Printf("%s  %s\n", d.Address, name)
	}
	return nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== blebridge ===")
	fmt.Printf("  Listen:   %s\n", cfg.Server.Listen)
	fmt.Printf("  Adapter:  %s\n", cfg.Bluetooth.Adapter)
	fmt.Printf("  Retries:  %d (every %s)\n", cfg.Bluetooth.MaxRetries, cfg.Bluetooth.RetryDelay)
	fmt.Printf("  Notify:   %t\n", cfg.Bluetooth.Notifications)
	if cfg.Server.StaticDir != "" {
		fmt.Printf("  Static:   %s\n", cfg.Server.StaticDir)
	}
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("=================")
}
