package siemj

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xp-kbt/kbrunner/internal/content"
	kberrors "github.com/xp-kbt/kbrunner/internal/errors"
	"github.com/xp-kbt/kbrunner/internal/pattern"
	"github.com/xp-kbt/kbrunner/internal/testcase"
)

// IntegrationResult describes one integration test run. TmpDir holds the
// per-test artifacts until Cleanup is called.
type IntegrationResult struct {
	TmpDir string
	Output string
	// MissingSubRules lists referenced sub-rules the locator could not find.
	MissingSubRules []string

	keep bool
}

// Cleanup removes the artifacts unless temp files are configured to be kept.
func (r *IntegrationResult) Cleanup() error {
	if r == nil || r.keep || r.TmpDir == "" {
		return nil
	}
	return os.RemoveAll(r.TmpDir)
}

// RunIntegrationTests copies the rule's integration tests into a temp tree
// and lets siemj normalize, enrich, correlate and enrich again each test's
// raw events. Normalized events found in the tree are cached on the tests.
// The result is returned together with a siemj failure so that the
// artifacts can still be inspected.
func (m *Manager) RunIntegrationTests(ctx context.Context, rule *content.Rule) (*IntegrationResult, error) {
	tests := rule.IntegrationTests()
	if len(tests) == 0 {
		return nil, kberrors.New(kberrors.ErrMissingParam, "the rule has no integration tests").
			WithDetails("rule", rule.Name())
	}
	for _, t := range tests {
		if err := t.CheckRunnable(); err != nil {
			return nil, err
		}
	}

	contentRoot, err := rule.ContentRoot(m.cfg)
	if err != nil {
		return nil, err
	}
	rootFolder, err := m.prepare(ctx, contentRoot)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(m.cfg.TmpDirectoryPath(rootFolder), 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}
	tmpDir, err := os.MkdirTemp(m.cfg.TmpDirectoryPath(rootFolder), "tests-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}
	result := &IntegrationResult{TmpDir: tmpDir, keep: m.cfg.Runner.KeepTempFiles}

	testsDir := filepath.Join(tmpDir, rule.Name(), testcase.TestsDirName)
	for _, t := range tests {
		if err := writeFile(filepath.Join(testsDir, filepath.Base(t.RawEventsFilePath())), t.RawEvents()); err != nil {
			return result, err
		}
		if err := writeFile(filepath.Join(testsDir, filepath.Base(t.TestCodeFilePath())), t.TestCode()); err != nil {
			return result, err
		}
	}

	rulesSrc, missing := m.correlationSources(rule)
	result.MissingSubRules = missing

	b := NewConfigBuilder(m.cfg, contentRoot)
	b.AddNormalizationsGraphBuilding(false)
	b.AddTablesSchemaBuilding()
	b.AddTablesDBBuilding()
	b.AddEnrichmentsGraphBuilding()
	b.AddCorrelationsGraphBuilding(rulesSrc...)
	b.AddRulesTesting(filepath.Dir(testsDir), tmpDir)

	result.Output, err = m.buildAndRun(ctx, contentRoot, b)
	if err != nil {
		return result, err
	}

	for _, t := range tests {
		path, err := testcase.FindArtifact(tmpDir, testcase.ArtifactEnrichedNormalized, rule.Name(), t.Number())
		if err != nil {
			return result, err
		}
		if path == "" {
			m.logger.Warn().Str("rule", rule.Name()).Int("test", t.Number()).Msg("no normalized events for integration test")
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return result, fmt.Errorf("reading %s: %w", path, err)
		}
		events, err := pattern.RemoveFieldsFromJSONL(string(data), "body")
		if err != nil {
			return result, err
		}
		t.SetNormalizedEvents(events)
	}
	return result, nil
}

// correlationSources returns the directories to compile into the
// correlation graph: the rule itself and, for correlations, every sub-rule
// the locator can find.
func (m *Manager) correlationSources(rule *content.Rule) ([]string, []string) {
	src := []string{rule.Dir()}
	if rule.Kind() != content.KindCorrelation || m.Locator == nil {
		return src, nil
	}

	code, err := rule.Code()
	if err != nil {
		m.logger.Warn().Err(err).Msg("cannot read rule to resolve sub-rules")
		return src, nil
	}

	var missing []string
	for _, name := range pattern.ExtractSubRuleReferences(code) {
		if name == rule.Name() {
			continue
		}
		dir, err := m.Locator.Find(name)
		if err != nil {
			m.logger.Warn().Str("sub_rule", name).Msg("sub-rule not found in content roots")
			missing = append(missing, name)
			continue
		}
		src = append(src, dir)
	}
	return src, missing
}
