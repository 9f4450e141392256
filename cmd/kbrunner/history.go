package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/xp-kbt/kbrunner/internal/content"
	kberrors "github.com/xp-kbt/kbrunner/internal/errors"
	"github.com/xp-kbt/kbrunner/internal/pattern"
	"github.com/xp-kbt/kbrunner/internal/storage"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		limit int
		runID string
	)
	cmd := &cobra.Command{
		Use:   "history [rule]",
		Short: "Show recent test runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.store == nil {
				return kberrors.New(kberrors.ErrStorage, "run history is disabled, set storage.dsn")
			}
			if runID != "" {
				results, err := a.store.TestResults(runID)
				if err != nil {
					return kberrors.Wrap(kberrors.ErrStorage, "reading test results", err)
				}
				renderResults(os.Stdout, results)
				return nil
			}

			rule := ""
			if len(args) == 1 {
				rule = args[0]
			}
			runs, err := a.store.RecentRuns(rule, limit)
			if err != nil {
				return kberrors.Wrap(kberrors.ErrStorage, "reading run history", err)
			}
			renderRuns(os.Stdout, runs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	cmd.Flags().StringVar(&runID, "run", "", "show the test results of one run")
	return cmd
}

func renderRuns(w io.Writer, runs []storage.Run) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Run", "Rule", "Kind", "Started", "Passed", "Failed", "Errored", "Duration"})
	for _, r := range runs {
		table.Append([]string{
			r.ID,
			r.Rule,
			r.Kind,
			r.StartedAt.Local().Format(time.DateTime),
			strconv.Itoa(r.Passed),
			strconv.Itoa(r.Failed),
			strconv.Itoa(r.Errored),
			r.Duration.String(),
		})
	}
	table.Render()
}

func renderResults(w io.Writer, results []storage.TestResult) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Test", "Status", "Diagnostics", "Error"})
	for _, r := range results {
		table.Append([]string{strconv.Itoa(r.TestNumber), r.Status, strconv.Itoa(len(r.Diagnostics)), r.Error})
	}
	table.Render()
}

func newSubRulesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "subrules <ruleDir>",
		Short: "List the sub-rules a correlation references and where they live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rule, err := content.Load(args[0], a.logger)
			if err != nil {
				return err
			}
			code, err := rule.Code()
			if err != nil {
				return err
			}
			names := pattern.ExtractSubRuleReferences(code)
			if len(names) == 0 {
				fmt.Printf("%s references no sub-rules.\n", rule.Name())
				return nil
			}

			loc, err := newLocator(a.cfg, a.logger)
			if err != nil {
				return err
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Sub-rule", "Directory"})
			for _, name := range names {
				dir, err := loc.Find(name)
				if err != nil {
					dir = color.YellowString("not found")
				}
				table.Append([]string{name, dir})
			}
			table.Render()
			return nil
		},
	}
}
