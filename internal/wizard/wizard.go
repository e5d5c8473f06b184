// Package wizard provides an interactive setup wizard for udprelay.
package wizard

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/postalsys/udprelay/internal/config"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// ErrNotInteractive is returned when the wizard runs without a terminal.
var ErrNotInteractive = errors.New("setup wizard requires an interactive terminal")

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, ErrNotInteractive
	}

	w.printBanner()

	configPath, err := w.askConfigPath()
	if err != nil {
		return nil, err
	}

	listenAddr, upstreamAddr, err := w.askAddresses()
	if err != nil {
		return nil, err
	}

	idleTimeout, maxSessions, err := w.askSessionOptions()
	if err != nil {
		return nil, err
	}

	activation, watchdog, err := w.askSupervisorOptions()
	if err != nil {
		return nil, err
	}

	healthEnabled, logLevel, logFormat, err := w.askAdvancedOptions()
	if err != nil {
		return nil, err
	}

	cfg := w.buildConfig(
		listenAddr, upstreamAddr, idleTimeout, maxSessions,
		activation, watchdog, healthEnabled, logLevel, logFormat,
	)

	if err := w.writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	w.printSummary(configPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: configPath,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
  _   _ ____  ____           _
 | | | |  _ \|  _ \ _ __ ___| | __ _ _   _
 | | | | | | | |_) | '__/ _ \ |/ _` + "`" + ` | | | |
 | |_| | |_| |  __/| | |  __/ | (_| | |_| |
  \___/|____/|_|   |_|  \___|_|\__,_|\__, |
                                     |___/
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  UDP Relay Proxy - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askConfigPath() (configPath string, err error) {
	configPath = "./config.yaml"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Where to write the generated configuration."),

			huh.NewInput().
				Title("Config File Path").
				Placeholder("./config.yaml").
				Value(&configPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("config path is required")
					}
					if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
						return fmt.Errorf("config file should have .yaml or .yml extension")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askAddresses() (listenAddr, upstreamAddr string, err error) {
	listenAddr = "0.0.0.0:9999"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Addresses").
				Description("Where clients send datagrams, and where they are forwarded."),

			huh.NewInput().
				Title("Listen Address").
				Description("UDP address clients send to").
				Placeholder("0.0.0.0:9999").
				Value(&listenAddr).
				Validate(validateHostPort),

			huh.NewInput().
				Title("Upstream Address").
				Description("UDP address traffic is forwarded to").
				Placeholder("10.0.0.1:53").
				Value(&upstreamAddr).
				Validate(validateHostPort),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askSessionOptions() (idleTimeout time.Duration, maxSessions int, err error) {
	timeoutStr := "60s"
	maxStr := "1000"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Sessions").
				Description("Each client address gets its own upstream session."),

			huh.NewInput().
				Title("Idle Timeout").
				Description("Sessions idle longer than this are removed (0 disables)").
				Placeholder("60s").
				Value(&timeoutStr).
				Validate(func(s string) error {
					_, err := time.ParseDuration(s)
					return err
				}),

			huh.NewInput().
				Title("Max Sessions").
				Description("Upper bound on concurrent sessions (0 for unlimited)").
				Placeholder("1000").
				Value(&maxStr).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil {
						return fmt.Errorf("must be a number")
					}
					if n < 0 {
						return fmt.Errorf("must not be negative")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err = form.Run(); err != nil {
		return
	}

	idleTimeout, _ = time.ParseDuration(timeoutStr)
	maxSessions, _ = strconv.Atoi(maxStr)
	return
}

func (w *Wizard) askSupervisorOptions() (activation string, watchdog time.Duration, err error) {
	activation = config.ActivationAuto
	watchdogStr := "0s"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Supervisor Integration").
				Description("How udprelay cooperates with systemd."),

			huh.NewSelect[string]().
				Title("Socket Activation").
				Description("Use a listen socket passed by the supervisor").
				Options(
					huh.NewOption("Auto (use if passed, else bind)", config.ActivationAuto),
					huh.NewOption("Require (fail without a passed socket)", config.ActivationRequire),
					huh.NewOption("Off (always bind)", config.ActivationOff),
				).
				Value(&activation),

			huh.NewInput().
				Title("Watchdog Interval").
				Description("Override for keep-alive frequency (0 derives it from WatchdogSec)").
				Placeholder("0s").
				Value(&watchdogStr).
				Validate(func(s string) error {
					_, err := time.ParseDuration(s)
					return err
				}),
		),
	).WithTheme(w.theme)

	if err = form.Run(); err != nil {
		return
	}

	watchdog, _ = time.ParseDuration(watchdogStr)
	return
}

func (w *Wizard) askAdvancedOptions() (healthEnabled bool, logLevel, logFormat string, err error) {
	logLevel = "info"
	logFormat = "journal"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&logLevel),

			huh.NewSelect[string]().
				Title("Log Format").
				Description("Journal prefixes severity for systemd-journald").
				Options(
					huh.NewOption("Journal (recommended under systemd)", "journal"),
					huh.NewOption("Text", "text"),
					huh.NewOption("JSON", "json"),
				).
				Value(&logFormat),

			huh.NewConfirm().
				Title("Enable health endpoint?").
				Description("HTTP endpoint for monitoring (/healthz, /stats, /metrics)").
				Value(&healthEnabled),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) buildConfig(
	listenAddr, upstreamAddr string,
	idleTimeout time.Duration,
	maxSessions int,
	activation string,
	watchdog time.Duration,
	healthEnabled bool,
	logLevel, logFormat string,
) *config.Config {
	cfg := config.Default()

	cfg.Proxy.ListenAddress = listenAddr
	cfg.Proxy.UpstreamAddress = upstreamAddr
	cfg.Proxy.IdleTimeout = idleTimeout
	cfg.Proxy.MaxSessions = maxSessions
	cfg.Proxy.SocketActivation = activation

	cfg.Watchdog.Interval = watchdog

	cfg.Log.Level = logLevel
	cfg.Log.Format = logFormat

	cfg.Health.Enabled = healthEnabled
	if healthEnabled {
		cfg.Health.Address = "127.0.0.1:8080"
	}

	return cfg
}

func (w *Wizard) writeConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# udprelay Configuration
# Generated by setup wizard
# See https://github.com/postalsys/udprelay for documentation

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Listen:       %s\n", cfg.Proxy.ListenAddress)
	fmt.Printf("  Upstream:     %s\n", cfg.Proxy.UpstreamAddress)
	fmt.Printf("  Idle timeout: %s\n", cfg.Proxy.IdleTimeout)
	fmt.Printf("  Activation:   %s\n", cfg.Proxy.SocketActivation)

	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/healthz\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start the proxy:")
	fmt.Printf("    udprelay run -c %s\n", configPath)
	fmt.Println()
	fmt.Println("  To install as a systemd service:")
	fmt.Printf("    sudo udprelay service install -c %s\n", configPath)
	fmt.Println()
}

func validateHostPort(s string) error {
	if s == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("invalid address format (use host:port)")
	}
	return nil
}
