// zkagent daemon -- ZKTeco attendance collection agent.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	appversion "github.com/attendkit/zkagent/internal/version"
)

var (
	// configPath is the YAML configuration file, defaults when empty.
	configPath string

	// minimized is accepted for compatibility with the desktop build of
	// the agent; the daemon has no window to minimize.
	minimized bool

	installSvc   bool
	uninstallSvc bool
	enableAuto   bool
	disableAuto  bool
)

// rootCmd runs the agent unless one of the service-management flags asks
// for a one-shot action instead.
var rootCmd = &cobra.Command{
	Use:   "zkagent",
	Short: "ZKTeco attendance collection agent",
	Long: "zkagent maintains sessions with networked ZKTeco terminals, captures\n" +
		"realtime punches into an embedded database and forwards them to an\n" +
		"HTTP backend until acknowledged.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		switch {
		case installSvc:
			return installService(cmd.Context(), configPath)
		case uninstallSvc:
			return uninstallService(cmd.Context())
		case enableAuto:
			return setAutostart(cmd.Context(), true)
		case disableAuto:
			return setAutostart(cmd.Context(), false)
		}
		return runAgent(configPath, minimized)
	},
}

// versionCmd prints build information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), appversion.Full("zkagent"))
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "",
		"path to configuration file (YAML)")
	rootCmd.Flags().BoolVar(&minimized, "minimized", false,
		"start minimized (accepted for compatibility, no effect)")
	rootCmd.Flags().BoolVar(&installSvc, "install-service", false,
		"install and start the systemd service, then exit")
	rootCmd.Flags().BoolVar(&uninstallSvc, "uninstall-service", false,
		"stop and remove the systemd service, then exit")
	rootCmd.Flags().BoolVar(&enableAuto, "enable-autostart", false,
		"enable the systemd service at boot, then exit")
	rootCmd.Flags().BoolVar(&disableAuto, "disable-autostart", false,
		"disable the systemd service at boot, then exit")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
