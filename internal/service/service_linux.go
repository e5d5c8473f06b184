//go:build linux

package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const systemdUnitPath = "/etc/systemd/system"

func isRootImpl() bool {
	return os.Getuid() == 0
}

// installImpl writes the unit file(s), reloads systemd and brings the
// service up. With socket activation the .socket unit is what gets enabled
// so the supervisor owns the listen socket across service restarts.
func installImpl(cfg ServiceConfig, execPath string) error {
	unitPath := filepath.Join(systemdUnitPath, cfg.Name+".service")
	socketPath := filepath.Join(systemdUnitPath, cfg.Name+".socket")

	if _, err := os.Stat(unitPath); err == nil {
		return fmt.Errorf("service %s is already installed at %s", cfg.Name, unitPath)
	}

	unit := generateServiceUnit(cfg, execPath)
	if err := os.WriteFile(unitPath, []byte(unit), 0644); err != nil {
		return fmt.Errorf("failed to write systemd unit file: %w", err)
	}
	fmt.Printf("Created systemd unit: %s\n", unitPath)

	if cfg.SocketActivation {
		socket := generateSocketUnit(cfg)
		if err := os.WriteFile(socketPath, []byte(socket), 0644); err != nil {
			os.Remove(unitPath)
			return fmt.Errorf("failed to write systemd socket file: %w", err)
		}
		fmt.Printf("Created systemd socket unit: %s\n", socketPath)
	}

	if output, err := runCommand("systemctl", "daemon-reload"); err != nil {
		os.Remove(unitPath)
		os.Remove(socketPath)
		return fmt.Errorf("failed to reload systemd: %s: %w", output, err)
	}

	// With socket activation the socket unit is the entry point; systemd
	// starts the service on the first datagram.
	startTarget := cfg.Name + ".service"
	if cfg.SocketActivation {
		startTarget = cfg.Name + ".socket"
	}

	if output, err := runCommand("systemctl", "enable", startTarget); err != nil {
		return fmt.Errorf("failed to enable %s: %s: %w", startTarget, output, err)
	}
	fmt.Printf("Enabled: %s\n", startTarget)

	if output, err := runCommand("systemctl", "start", startTarget); err != nil {
		return fmt.Errorf("failed to start %s: %s: %w", startTarget, output, err)
	}
	fmt.Printf("Started: %s\n", startTarget)

	return nil
}

func uninstallImpl(serviceName string) error {
	unitPath := filepath.Join(systemdUnitPath, serviceName+".service")
	socketPath := filepath.Join(systemdUnitPath, serviceName+".socket")

	if _, err := os.Stat(unitPath); os.IsNotExist(err) {
		return fmt.Errorf("service %s is not installed", serviceName)
	}

	for _, unit := range []string{serviceName + ".socket", serviceName + ".service"} {
		if output, err := runCommand("systemctl", "stop", unit); err != nil {
			if !strings.Contains(output, "not loaded") {
				fmt.Printf("Note: could not stop %s: %s\n", unit, strings.TrimSpace(output))
			}
		} else {
			fmt.Printf("Stopped: %s\n", unit)
		}
		if output, err := runCommand("systemctl", "disable", unit); err != nil {
			if !strings.Contains(output, "not loaded") {
				fmt.Printf("Note: could not disable %s: %s\n", unit, strings.TrimSpace(output))
			}
		}
	}

	if err := os.Remove(unitPath); err != nil {
		return fmt.Errorf("failed to remove systemd unit file: %w", err)
	}
	fmt.Printf("Removed systemd unit: %s\n", unitPath)

	if err := os.Remove(socketPath); err == nil {
		fmt.Printf("Removed systemd socket unit: %s\n", socketPath)
	}

	if _, err := runCommand("systemctl", "daemon-reload"); err != nil {
		fmt.Println("Note: failed to reload systemd daemon")
	}
	runCommand("systemctl", "reset-failed", serviceName)

	return nil
}

func statusImpl(serviceName string) (string, error) {
	output, err := runCommand("systemctl", "is-active", serviceName)
	status := strings.TrimSpace(output)

	if err != nil {
		if status == "inactive" || status == "unknown" {
			return status, nil
		}
		return "", fmt.Errorf("failed to get service status: %w", err)
	}

	return status, nil
}

func isInstalledImpl(serviceName string) bool {
	unitPath := filepath.Join(systemdUnitPath, serviceName+".service")
	_, err := os.Stat(unitPath)
	return err == nil
}

// generateServiceUnit produces a Type=notify unit. The service reports
// READY=1 itself once the listen socket is bound, and feeds the watchdog
// while the forwarding loop is healthy.
func generateServiceUnit(cfg ServiceConfig, execPath string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "[Unit]\n")
	fmt.Fprintf(&b, "Description=%s\n", cfg.Description)
	fmt.Fprintf(&b, "Documentation=https://github.com/postalsys/udprelay\n")
	fmt.Fprintf(&b, "After=network-online.target\n")
	fmt.Fprintf(&b, "Wants=network-online.target\n")
	if cfg.SocketActivation {
		fmt.Fprintf(&b, "Requires=%s.socket\n", cfg.Name)
	}
	fmt.Fprintf(&b, "\n[Service]\n")
	fmt.Fprintf(&b, "Type=notify\n")
	fmt.Fprintf(&b, "NotifyAccess=main\n")
	fmt.Fprintf(&b, "ExecStart=%s run -c %s\n", execPath, cfg.ConfigPath)
	fmt.Fprintf(&b, "WorkingDirectory=%s\n", cfg.WorkingDir)
	if cfg.User != "" {
		fmt.Fprintf(&b, "User=%s\n", cfg.User)
	}
	if cfg.Group != "" {
		fmt.Fprintf(&b, "Group=%s\n", cfg.Group)
	}
	if cfg.WatchdogSec > 0 {
		fmt.Fprintf(&b, "WatchdogSec=%d\n", int(cfg.WatchdogSec.Seconds()))
	}
	fmt.Fprintf(&b, "Restart=on-failure\n")
	fmt.Fprintf(&b, "RestartSec=5\n")
	fmt.Fprintf(&b, "TimeoutStopSec=30\n")
	fmt.Fprintf(&b, "\n# Security hardening\n")
	fmt.Fprintf(&b, "NoNewPrivileges=true\n")
	fmt.Fprintf(&b, "ProtectSystem=strict\n")
	fmt.Fprintf(&b, "ProtectHome=read-only\n")
	fmt.Fprintf(&b, "PrivateTmp=true\n")
	fmt.Fprintf(&b, "ReadWritePaths=%s\n", cfg.WorkingDir)
	fmt.Fprintf(&b, "\n# Logging\n")
	fmt.Fprintf(&b, "StandardOutput=journal\n")
	fmt.Fprintf(&b, "StandardError=journal\n")
	fmt.Fprintf(&b, "SyslogIdentifier=%s\n", cfg.Name)
	fmt.Fprintf(&b, "\n[Install]\n")
	fmt.Fprintf(&b, "WantedBy=multi-user.target\n")

	return b.String()
}

// generateSocketUnit produces the companion .socket unit for activation.
func generateSocketUnit(cfg ServiceConfig) string {
	var b strings.Builder

	fmt.Fprintf(&b, "[Unit]\n")
	fmt.Fprintf(&b, "Description=%s (socket)\n", cfg.Description)
	fmt.Fprintf(&b, "\n[Socket]\n")
	fmt.Fprintf(&b, "ListenDatagram=%s\n", cfg.ListenAddress)
	fmt.Fprintf(&b, "ReusePort=true\n")
	fmt.Fprintf(&b, "\n[Install]\n")
	fmt.Fprintf(&b, "WantedBy=sockets.target\n")

	return b.String()
}
