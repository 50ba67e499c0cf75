package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"fwdctl/internal/kube"
)

func newContextsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "contexts",
		Short: "List kubeconfig contexts",
		Long:  `Lists the contexts available in your kubeconfig. The current context is marked with an asterisk.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, current, err := kube.ListContexts()
			if err != nil {
				return fmt.Errorf("reading kubeconfig: %w", err)
			}
			if len(names) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No contexts found in kubeconfig")
				return nil
			}
			for _, name := range names {
				marker := " "
				line := name
				if name == current {
					marker = "*"
					line = styleName.Render(name)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, line)
			}
			return nil
		},
	}
}
