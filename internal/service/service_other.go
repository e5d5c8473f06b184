//go:build !linux

package service

import "fmt"

func isRootImpl() bool {
	return false
}

func installImpl(cfg ServiceConfig, execPath string) error {
	return fmt.Errorf("service installation requires systemd and is only supported on Linux")
}

func uninstallImpl(serviceName string) error {
	return fmt.Errorf("service management is only supported on Linux")
}

func statusImpl(serviceName string) (string, error) {
	return "", fmt.Errorf("service management is only supported on Linux")
}

func isInstalledImpl(serviceName string) bool {
	return false
}
