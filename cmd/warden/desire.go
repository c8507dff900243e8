package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/benaskins/warden/internal/daemon"
)

var desireCmd = &cobra.Command{
	Use:       "desire running|stopped",
	Short:     "Record the desired gateway state",
	Long:      "Write desired.json in the state directory. A daemon in reconcile mode picks the change up and drives the gateway toward it.",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(daemon.DesiredRunning), string(daemon.DesiredStopped)},
	RunE: func(cmd *cobra.Command, args []string) error {
		want := daemon.Desired(args[0])
		if want != daemon.DesiredRunning && want != daemon.DesiredStopped {
			return fmt.Errorf("desired state must be %q or %q, got %q", daemon.DesiredRunning, daemon.DesiredStopped, args[0])
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store := daemon.NewDesiredStore(cfg.Supervisor.StateDir)
		if err := store.SetDesired(want); err != nil {
			return err
		}
		fmt.Println(renderOK(fmt.Sprintf("desired state set to %s", want)) + styleMuted.Render(" ("+store.Path()+")"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(desireCmd)
}
