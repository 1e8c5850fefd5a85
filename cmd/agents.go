package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kjulin/opennova/internal/config"
	"github.com/kjulin/opennova/internal/store/agents"
	"github.com/kjulin/opennova/internal/workspace"
)

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the agents defined in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			store, err := agents.Open(workspace.New(cfg.WorkspaceDir()))
			if err != nil {
				return err
			}
			defer store.Close()

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTRUST\tMODEL\tCAPABILITIES")
			for _, a := range store.List() {
				trust := string(a.Trust)
				if trust == "" {
					trust = cfg.DefaultTrust + " (default)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", a.ID, a.Name, trust, a.Model, len(a.Capabilities))
			}
			return w.Flush()
		},
	}
}
