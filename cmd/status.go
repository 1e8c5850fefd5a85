package cmd

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kjulin/opennova/internal/config"
	"github.com/kjulin/opennova/internal/workspace"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a daemon is running for the configured workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			layout := workspace.New(cfg.WorkspaceDir())
			info, err := layout.ReadDaemonFile()
			if err != nil {
				fmt.Println("not running (no daemon file)")
				return nil
			}
			if !processAlive(info.PID) {
				fmt.Printf("not running (stale daemon file, pid %d)\n", info.PID)
				return nil
			}
			fmt.Printf("running: pid %d, port %d, workspace %s\n", info.PID, info.Port, layout.Root)
			return nil
		},
	}
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
