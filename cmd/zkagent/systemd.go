package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/coreos/go-systemd/v22/dbus"
)

const (
	unitName = "zkagent.service"
	unitPath = "/etc/systemd/system/zkagent.service"
)

// unitTemplate is the systemd unit installed by --install-service.
// Type=notify pairs with the sd_notify calls in the daemon, and
// WatchdogSec with the keepalive loop.
const unitTemplate = `[Unit]
Description=ZKTeco attendance collection agent
After=network-online.target
Wants=network-online.target

[Service]
Type=notify
ExecStart=%s
Restart=on-failure
RestartSec=5
WatchdogSec=30

[Install]
WantedBy=multi-user.target
`

// installService writes the unit file, reloads systemd, enables the unit
// at boot and starts it.
func installService(ctx context.Context, configPath string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}

	execStart := exe
	if configPath != "" {
		execStart += " --config " + configPath
	}

	unit := fmt.Sprintf(unitTemplate, execStart)
	if err := os.WriteFile(unitPath, []byte(unit), 0o644); err != nil {
		return fmt.Errorf("write unit file %s: %w", unitPath, err)
	}

	conn, err := dbus.NewWithContext(ctx)
	if err != nil {
		return fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()

	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("reload systemd: %w", err)
	}
	if _, _, err := conn.EnableUnitFilesContext(ctx, []string{unitName}, false, true); err != nil {
		return fmt.Errorf("enable %s: %w", unitName, err)
	}
	if _, err := conn.StartUnitContext(ctx, unitName, "replace", nil); err != nil {
		return fmt.Errorf("start %s: %w", unitName, err)
	}

	fmt.Printf("Installed and started %s\n", unitName)
	return nil
}

// uninstallService stops the unit, disables it, removes the unit file and
// reloads systemd. Missing pieces are skipped so the command is safe to
// repeat.
func uninstallService(ctx context.Context) error {
	conn, err := dbus.NewWithContext(ctx)
	if err != nil {
		return fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()

	if _, err := conn.StopUnitContext(ctx, unitName, "replace", nil); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: stop %s: %v\n", unitName, err)
	}
	if _, err := conn.DisableUnitFilesContext(ctx, []string{unitName}, false); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: disable %s: %v\n", unitName, err)
	}

	if err := os.Remove(unitPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove unit file %s: %w", unitPath, err)
	}
	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("reload systemd: %w", err)
	}

	fmt.Printf("Uninstalled %s\n", unitName)
	return nil
}

// setAutostart enables or disables the unit at boot without touching its
// running state.
func setAutostart(ctx context.Context, enable bool) error {
	conn, err := dbus.NewWithContext(ctx)
	if err != nil {
		return fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()

	if enable {
		if _, _, err := conn.EnableUnitFilesContext(ctx, []string{unitName}, false, true); err != nil {
			return fmt.Errorf("enable %s: %w", unitName, err)
		}
		fmt.Printf("Enabled %s at boot\n", unitName)
		return nil
	}

	if _, err := conn.DisableUnitFilesContext(ctx, []string{unitName}, false); err != nil {
		return fmt.Errorf("disable %s: %w", unitName, err)
	}
	fmt.Printf("Disabled %s at boot\n", unitName)
	return nil
}
