// Package main provides the CLI entry point for the udprelay proxy.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/postalsys/udprelay/internal/config"
	"github.com/postalsys/udprelay/internal/logging"
	"github.com/postalsys/udprelay/internal/proxy"
	"github.com/postalsys/udprelay/internal/service"
	"github.com/postalsys/udprelay/internal/wizard"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "udprelay",
		Short: "udprelay - UDP proxy with systemd integration",
		Long: `udprelay forwards UDP datagrams between clients and a single
upstream address, giving each client its own upstream session.

It integrates with systemd as a Type=notify service: readiness is
reported once the listen socket is bound, the watchdog is fed while
the forwarding loop is healthy, and socket activation is supported.`,
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(serviceCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		configPath   string
		listenAddr   string
		upstreamAddr string
		idleTimeout  time.Duration
		logLevel     string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the UDP proxy",
		Long:  "Start the proxy with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			if _, err := os.Stat(configPath); err == nil {
				cfg, err = config.Load(configPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else if cmd.Flags().Changed("config") {
				return fmt.Errorf("config file not found: %s", configPath)
			} else {
				cfg = config.Default()
			}

			// Flags override the config file.
			if cmd.Flags().Changed("listen") {
				cfg.Proxy.ListenAddress = listenAddr
			}
			if cmd.Flags().Changed("upstream") {
				cfg.Proxy.UpstreamAddress = upstreamAddr
			}
			if cmd.Flags().Changed("idle-timeout") {
				cfg.Proxy.IdleTimeout = idleTimeout
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = logLevel
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			p, err := proxy.New(cfg, logger)
			if err != nil {
				return err
			}

			if err := p.Start(); err != nil {
				return fmt.Errorf("failed to start proxy: %w", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logger.Info("received signal, shutting down", "signal", sig.String())
			case <-p.Done():
				// The forwarding loop died on its own. Stop reports the
				// failure so the supervisor restarts us.
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := p.Stop(ctx); err != nil {
				return fmt.Errorf("proxy failed: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Listen address override (host:port)")
	cmd.Flags().StringVarP(&upstreamAddr, "upstream", "u", "", "Upstream address override (host:port)")
	cmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 0, "Session idle timeout override")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	return cmd
}

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long:  "Generate a configuration file through an interactive wizard.",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := wizard.New()
			_, err := w.Run()
			return err
		},
	}
}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the systemd service",
		Long:  "Install, uninstall, or query the udprelay systemd service.",
	}

	cmd.AddCommand(serviceInstallCmd())
	cmd.AddCommand(serviceUninstallCmd())
	cmd.AddCommand(serviceStatusCmd())

	return cmd
}

func serviceInstallCmd() *cobra.Command {
	var (
		configPath string
		user       string
		group      string
		watchdog   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install as a systemd service",
		Long: `Install udprelay as a systemd Type=notify service.

When the configuration enables socket activation, a companion .socket
unit is installed so systemd owns the listen socket.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !service.IsSupported() {
				return fmt.Errorf("service installation is not supported on this platform")
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			svcCfg := service.DefaultConfig(configPath)
			svcCfg.User = user
			svcCfg.Group = group
			if cmd.Flags().Changed("watchdog") {
				svcCfg.WatchdogSec = watchdog
			}
			if cfg.Proxy.SocketActivation == config.ActivationRequire {
				if cfg.Proxy.ListenAddress == "" {
					return fmt.Errorf("socket activation needs proxy.listen_address to generate the socket unit")
				}
				svcCfg.SocketActivation = true
				svcCfg.ListenAddress = cfg.Proxy.ListenAddress
			}

			return service.Install(svcCfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().StringVar(&user, "user", "", "User to run the service as")
	cmd.Flags().StringVar(&group, "group", "", "Group to run the service as")
	cmd.Flags().DurationVar(&watchdog, "watchdog", 30*time.Second, "Supervisor watchdog timeout (0 disables)")

	return cmd
}

func serviceUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the systemd service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return service.Uninstall("udprelay")
		},
	}
}

func serviceStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := service.Status("udprelay")
			if err != nil {
				return err
			}
			fmt.Println(status)
			return nil
		},
	}
}
