//go:build linux

package service

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateServiceUnit(t *testing.T) {
	cfg := ServiceConfig{
		Name:        "udprelay",
		Description: "UDP relay proxy",
		ConfigPath:  "/etc/udprelay/config.yaml",
		WorkingDir:  "/etc/udprelay",
		WatchdogSec: 30 * time.Second,
	}

	unit := generateServiceUnit(cfg, "/usr/local/bin/udprelay")

	for _, want := range []string{
		"Description=UDP relay proxy",
		"Type=notify",
		"NotifyAccess=main",
		"ExecStart=/usr/local/bin/udprelay run -c /etc/udprelay/config.yaml",
		"WorkingDirectory=/etc/udprelay",
		"WatchdogSec=30",
		"Restart=on-failure",
		"WantedBy=multi-user.target",
		"SyslogIdentifier=udprelay",
	} {
		if !strings.Contains(unit, want) {
			t.Errorf("unit file missing %q:\n%s", want, unit)
		}
	}

	if strings.Contains(unit, "User=") {
		t.Error("unit file should not contain User= when unset")
	}
	if strings.Contains(unit, "Requires=") {
		t.Error("unit file should not require a socket unit without activation")
	}
}

func TestGenerateServiceUnit_UserGroup(t *testing.T) {
	cfg := ServiceConfig{
		Name:        "udprelay",
		Description: "UDP relay proxy",
		ConfigPath:  "/etc/udprelay/config.yaml",
		WorkingDir:  "/etc/udprelay",
		User:        "udprelay",
		Group:       "udprelay",
	}

	unit := generateServiceUnit(cfg, "/usr/local/bin/udprelay")

	if !strings.Contains(unit, "User=udprelay\n") {
		t.Error("unit file missing User=")
	}
	if !strings.Contains(unit, "Group=udprelay\n") {
		t.Error("unit file missing Group=")
	}
	if strings.Contains(unit, "WatchdogSec=") {
		t.Error("unit file should not contain WatchdogSec= when disabled")
	}
}

func TestGenerateServiceUnit_SocketActivation(t *testing.T) {
	cfg := ServiceConfig{
		Name:             "udprelay",
		Description:      "UDP relay proxy",
		ConfigPath:       "/etc/udprelay/config.yaml",
		WorkingDir:       "/etc/udprelay",
		ListenAddress:    "0.0.0.0:5353",
		SocketActivation: true,
	}

	unit := generateServiceUnit(cfg, "/usr/local/bin/udprelay")
	if !strings.Contains(unit, "Requires=udprelay.socket") {
		t.Errorf("unit file missing socket requirement:\n%s", unit)
	}

	socket := generateSocketUnit(cfg)
	for _, want := range []string{
		"ListenDatagram=0.0.0.0:5353",
		"WantedBy=sockets.target",
	} {
		if !strings.Contains(socket, want) {
			t.Errorf("socket unit missing %q:\n%s", want, socket)
		}
	}
}
