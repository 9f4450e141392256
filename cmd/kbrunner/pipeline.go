package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/xp-kbt/kbrunner/internal/content"
	kberrors "github.com/xp-kbt/kbrunner/internal/errors"
	"github.com/xp-kbt/kbrunner/internal/siemj"
)

// withSpinner shows progress on stderr while fn runs.
func withSpinner(msg string, fn func() error) error {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + msg
	s.Start()
	err := fn()
	s.Stop()
	return err
}

// printSiemjDiagnostics lists the per-file problems a failed siemj run
// reported.
func printSiemjDiagnostics(err error) {
	for _, f := range siemj.Diagnostics(err) {
		fmt.Println(color.New(color.Bold).Sprint(f.Path))
		for _, d := range f.Diagnostics {
			fmt.Printf("  %d:%d %s\n", d.StartLine+1, d.StartColumn+1, d.Message)
		}
	}
}

func newIntegrationCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "integration <ruleDir>",
		Short: "Run the integration tests of a correlation rule through siemj",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rule, err := content.Load(args[0], a.logger)
			if err != nil {
				return err
			}
			m, err := a.manager()
			if err != nil {
				return err
			}

			var res *siemj.IntegrationResult
			err = withSpinner("running integration tests", func() error {
				res, err = m.RunIntegrationTests(cmd.Context(), rule)
				return err
			})
			defer res.Cleanup()
			if res != nil {
				for _, name := range res.MissingSubRules {
					fmt.Println(color.YellowString("! sub-rule %s not found, it was not compiled", name))
				}
			}
			if err != nil {
				printSiemjDiagnostics(err)
				return err
			}
			fmt.Println(color.GreenString("✓ %d integration test(s) of %s passed", len(rule.IntegrationTests()), rule.Name()))
			return nil
		},
	}
}

func newNormalizeCmd(a *app) *cobra.Command {
	var enrich bool
	cmd := &cobra.Command{
		Use:   "normalize <ruleDir> <rawEventsFile>",
		Short: "Normalize raw events with the content root's formulas",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rule, err := content.Load(args[0], a.logger)
			if err != nil {
				return err
			}
			m, err := a.manager()
			if err != nil {
				return err
			}

			var events string
			err = withSpinner("normalizing events", func() error {
				if enrich {
					events, err = m.NormalizeAndEnrich(cmd.Context(), rule, args[1])
				} else {
					events, err = m.Normalize(cmd.Context(), rule, args[1])
				}
				return err
			})
			if err != nil {
				printSiemjDiagnostics(err)
				return err
			}
			fmt.Println(events)
			return nil
		},
	}
	cmd.Flags().BoolVar(&enrich, "enrich", false, "enrich the normalized events")
	return cmd
}

func newBuildCmd(a *app) *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:       "build schema|normalizations|wld|localizations",
		Short:     "Build content root artifacts",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"schema", "normalizations", "wld", "localizations"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if root == "" {
				roots := a.cfg.ContentRootPaths()
				if len(roots) == 0 {
					return kberrors.New(kberrors.ErrMissingParam, "no content root configured")
				}
				root = roots[0]
			}
			m, err := a.manager()
			if err != nil {
				return err
			}
			return runBuild(cmd.Context(), m, args[0], root)
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "content root (defaults to the first configured one)")
	return cmd
}

func runBuild(ctx context.Context, m *siemj.Manager, what, root string) error {
	var artifacts []string
	err := withSpinner("building "+what, func() error {
		var (
			path string
			err  error
		)
		switch what {
		case "schema":
			path, err = m.BuildSchema(ctx, root)
		case "normalizations":
			path, err = m.BuildNormalizations(ctx, root)
		case "wld":
			path, err = m.BuildWLD(ctx, root)
		case "localizations":
			artifacts, err = m.BuildLocalizations(ctx)
			return err
		default:
			return kberrors.Newf(kberrors.ErrValidation, "unknown build target %q", what)
		}
		artifacts = []string{path}
		return err
	})
	if err != nil {
		printSiemjDiagnostics(err)
		return err
	}
	for _, p := range artifacts {
		fmt.Println(color.GreenString("✓ %s", p))
	}
	return nil
}

func newLocaCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "loca <ruleDir>",
		Short: "Show localization examples produced by a rule's integration tests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rule, err := content.Load(args[0], a.logger)
			if err != nil {
				return err
			}
			m, err := a.manager()
			if err != nil {
				return err
			}

			var examples []content.LocalizationExample
			err = withSpinner("building localization examples", func() error {
				res, err := m.RunIntegrationTests(cmd.Context(), rule)
				defer res.Cleanup()
				if err != nil {
					return err
				}
				examples, err = m.BuildLocalizationExamplesFromIntegrationTests(cmd.Context(), rule, res.TmpDir)
				return err
			})
			if err != nil {
				printSiemjDiagnostics(err)
				return err
			}

			if a.store != nil {
				added, err := a.store.SaveLocalizationExamples(rule.Name(), examples)
				if err != nil {
					a.logger.Warn().Err(err).Msg("localization examples not archived")
				} else {
					a.logger.Info().Int("new", added).Msg("localization examples archived")
				}
			}
			renderLocalizations(os.Stdout, examples)
			return nil
		},
	}
}

func renderLocalizations(w io.Writer, examples []content.LocalizationExample) {
	if len(examples) == 0 {
		fmt.Fprintln(w, "No localization examples.")
		return
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Correlation", "RU", "EN"})
	table.SetAutoWrapText(true)
	for _, e := range examples {
		table.Append([]string{e.CorrelationName, strings.TrimSpace(e.RuText), strings.TrimSpace(e.EnText)})
	}
	table.Render()
}
