package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sawpanic/filterstream/rules"
)

func (a *app) newRulesCmd() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage the filter rules that select streamed posts",
	}
	addRulesFlags(rulesCmd.PersistentFlags())

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List active rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.rulesClient(cmd)
			if err != nil {
				return err
			}
			active, err := client.List(cmd.Context())
			if err != nil {
				return err
			}
			printRules(cmd.OutOrStdout(), active)
			return nil
		},
	}

	addCmd := &cobra.Command{
		Use:   "add <value>",
		Short: "Add a rule alongside the active ones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.rulesClient(cmd)
			if err != nil {
				return err
			}
			tag, _ := cmd.Flags().GetString("tag")
			created, err := client.Create(cmd.Context(), rules.Rule{Value: args[0], Tag: tag})
			if err != nil {
				return err
			}
			printRules(cmd.OutOrStdout(), created)
			return nil
		},
	}
	addTagFlag(addCmd.Flags())

	deleteCmd := &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete rules by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.rulesClient(cmd)
			if err != nil {
				return err
			}
			if err := client.Delete(cmd.Context(), args...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d rule(s)\n", len(args))
			return nil
		},
	}

	overwriteCmd := &cobra.Command{
		Use:   "overwrite <value>",
		Short: "Replace every active rule with one rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.rulesClient(cmd)
			if err != nil {
				return err
			}
			tag, _ := cmd.Flags().GetString("tag")
			created, err := rules.Overwrite(cmd.Context(), client, rules.Rule{Value: args[0], Tag: tag})
			if err != nil {
				return err
			}
			printRules(cmd.OutOrStdout(), created)
			return nil
		},
	}
	addTagFlag(overwriteCmd.Flags())

	validateCmd := &cobra.Command{
		Use:   "validate <value>...",
		Short: "Check rule syntax without applying anything",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.rulesClient(cmd)
			if err != nil {
				return err
			}
			candidates := make([]rules.Rule, len(args))
			for i, v := range args {
				candidates[i] = rules.Rule{Value: v}
			}
			summary, err := client.Validate(cmd.Context(), candidates...)
			var apiErr *rules.APIError
			if err != nil && !errors.As(err, &apiErr) {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "valid: %d invalid: %d\n", summary.Valid, summary.Invalid)
			return err
		},
	}

	rulesCmd.AddCommand(listCmd, addCmd, deleteCmd, overwriteCmd, validateCmd)
	return rulesCmd
}

func (a *app) rulesClient(cmd *cobra.Command) (*rules.Client, error) {
	cfg := a.config.RulesClientConfig()
	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		cfg.DryRun = true
	}
	return rules.NewClient(cfg)
}

func printRules(w io.Writer, list []rules.Rule) {
	if len(list) == 0 {
		fmt.Fprintln(w, "no rules")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTAG\tVALUE")
	for _, r := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ID, r.Tag, r.Value)
	}
	tw.Flush()
}
