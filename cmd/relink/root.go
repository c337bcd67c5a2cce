package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	Debug      bool
	Output     string // text | json | yaml
}

var validOutputs = []string{"text", "json", "yaml"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "relink",
		Short: "Replace Zotero file attachments with DEVONthink item links",
		Long: `relink pairs each Zotero linked-file attachment with the DEVONthink record
holding the same document, creates a new x-devonthink-item:// attachment,
and only after verifying it removes the old file attachment.

Pairings are kept in a local ledger with rotating backups, so an interrupted
run resumes where it stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validOutputs, opts.Output) {
				return fmt.Errorf("invalid output %q: must be one of %v", opts.Output, validOutputs)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to config file (default: ~/.relink/config.yaml)")
	cmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "debug logging")
	cmd.PersistentFlags().StringVarP(&opts.Output, "output", "o", "text", "output format (text|json|yaml)")

	cmd.AddCommand(newAddCommand(opts))
	cmd.AddCommand(newReviewCommand(opts))
	cmd.AddCommand(newConfirmCommand(opts))
	cmd.AddCommand(newRollbackCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newWakeCommand(opts))
	cmd.AddCommand(newHistoryCommand(opts))
	cmd.AddCommand(newVersionCommand(opts))

	return cmd
}
