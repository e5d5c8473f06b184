// Package service manages the udprelay systemd service: unit generation,
// installation, and status queries.
package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"
)

// ServiceConfig holds configuration for installing the service.
type ServiceConfig struct {
	// Name is the service name (unit files are <Name>.service / <Name>.socket)
	Name string

	// Description is the service description
	Description string

	// ConfigPath is the absolute path to the config file
	ConfigPath string

	// WorkingDir is the working directory for the service
	WorkingDir string

	// User is the user to run the service as (empty for root)
	User string

	// Group is the group to run the service as (empty for root)
	Group string

	// WatchdogSec is the supervisor watchdog timeout. 0 disables the
	// watchdog in the generated unit.
	WatchdogSec time.Duration

	// ListenAddress is the UDP address a generated socket unit binds.
	// Only used when SocketActivation is true.
	ListenAddress string

	// SocketActivation also installs a .socket unit so the supervisor
	// binds the listen socket and passes it to the service.
	SocketActivation bool
}

// DefaultConfig returns a default service configuration.
func DefaultConfig(configPath string) ServiceConfig {
	absPath, _ := filepath.Abs(configPath)
	workDir := filepath.Dir(absPath)

	return ServiceConfig{
		Name:        "udprelay",
		Description: "UDP relay proxy with systemd watchdog integration",
		ConfigPath:  absPath,
		WorkingDir:  workDir,
		WatchdogSec: 30 * time.Second,
	}
}

// IsRoot returns true if the current process is running with elevated
// privileges.
func IsRoot() bool {
	return isRootImpl()
}

// Install installs udprelay as a systemd service: it writes the unit
// file(s), reloads systemd and enables and starts the service.
func Install(cfg ServiceConfig) error {
	if !IsRoot() {
		return fmt.Errorf("must run as root to install service")
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	return installImpl(cfg, execPath)
}

// Uninstall stops, disables and removes the systemd service.
func Uninstall(serviceName string) error {
	if !IsRoot() {
		return fmt.Errorf("must run as root to uninstall service")
	}
	return uninstallImpl(serviceName)
}

// Status returns the current status of the service.
func Status(serviceName string) (string, error) {
	return statusImpl(serviceName)
}

// IsInstalled checks if the service is already installed.
func IsInstalled(serviceName string) bool {
	return isInstalledImpl(serviceName)
}

// IsSupported returns true if service installation is supported on this
// platform. Only systemd-based Linux systems are supported.
func IsSupported() bool {
	return runtime.GOOS == "linux"
}

// runCommand executes a command and returns combined output.
func runCommand(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	output, err := cmd.CombinedOutput()
	return string(output), err
}
