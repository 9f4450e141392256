package siemj

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/xp-kbt/kbrunner/internal/content"
	kberrors "github.com/xp-kbt/kbrunner/internal/errors"
	"github.com/xp-kbt/kbrunner/internal/jsonutil"
	"github.com/xp-kbt/kbrunner/internal/pattern"
	"github.com/xp-kbt/kbrunner/internal/testcase"
)

// AllCorrelatedEventsFileName collects the correlated events handed to the
// localization stage.
const AllCorrelatedEventsFileName = "all_corr_events.json"

const localizationRecordSchema = `{
	"type": "object",
	"required": ["correlation_name", "text"],
	"properties": {
		"correlation_name": {"type": "string"},
		"text": {"type": "string"}
	}
}`

var recordSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(localizationRecordSchema))
})

// BuildLocalizationExamplesFromIntegrationTests renders the enriched
// correlated events left by an integration test run in tmpDir.
func (m *Manager) BuildLocalizationExamplesFromIntegrationTests(ctx context.Context, rule *content.Rule, tmpDir string) ([]content.LocalizationExample, error) {
	if _, err := os.Stat(tmpDir); err != nil {
		return nil, kberrors.Wrap(kberrors.ErrNotFound, "integration test files were not produced", err).
			WithDetails("path", tmpDir)
	}

	files, err := testcase.FindArtifacts(tmpDir, testcase.ArtifactEnrichedCorrelated, rule.Name(), 0)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		m.logger.Info().Str("rule", rule.Name()).Msg("integration tests produced no correlated events")
		return nil, nil
	}

	var events []string
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", f, err)
		}
		if e := strings.TrimRight(string(data), " \t\r\n"); e != "" {
			events = append(events, e)
		}
	}
	return m.BuildLocalizationExamples(ctx, rule, events, tmpDir)
}

// BuildLocalizationExamples renders correlatedEvents with the rule's
// localization templates. Examples of other rules that fired are dropped
// for correlations.
func (m *Manager) BuildLocalizationExamples(ctx context.Context, rule *content.Rule, correlatedEvents []string, tmpDir string) ([]content.LocalizationExample, error) {
	if _, err := os.Stat(rule.Dir()); err != nil {
		return nil, kberrors.Wrap(kberrors.ErrNotFound, "rule directory does not exist", err).
			WithDetails("path", rule.Dir())
	}
	if _, err := os.Stat(tmpDir); err != nil {
		return nil, kberrors.Wrap(kberrors.ErrNotFound, "integration test files were not produced", err).
			WithDetails("path", tmpDir)
	}

	var nonEmpty []string
	for _, e := range correlatedEvents {
		if e != "" {
			nonEmpty = append(nonEmpty, e)
		}
	}
	allEventsPath := filepath.Join(tmpDir, AllCorrelatedEventsFileName)
	if err := writeFile(allEventsPath, strings.Join(nonEmpty, "\n")); err != nil {
		return nil, err
	}

	contentRoot, err := rule.ContentRoot(m.cfg)
	if err != nil {
		return nil, err
	}
	rootFolder, err := m.prepare(ctx, contentRoot)
	if err != nil {
		return nil, err
	}
	for _, p := range []string{m.cfg.RuRuleLocalizationFilePath(rootFolder), m.cfg.EnRuleLocalizationFilePath(rootFolder)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("removing previous localization: %w", err)
		}
	}

	b := NewConfigBuilder(m.cfg, contentRoot)
	b.AddLocalizationsBuilding(rule.Dir(), allEventsPath)
	if _, err := m.buildAndRun(ctx, contentRoot, b); err != nil {
		return nil, err
	}

	examples, err := m.readLocalizationExamples(rootFolder)
	if err != nil {
		return nil, err
	}
	if rule.Kind() == content.KindCorrelation {
		own := examples[:0]
		for _, e := range examples {
			if e.CorrelationName == rule.Name() {
				own = append(own, e)
			}
		}
		examples = own
	}
	return examples, nil
}

// readLocalizationExamples pairs the Russian and English event files line by
// line. Lines without text and lines without an English counterpart are
// skipped, and so are duplicate pairs.
func (m *Manager) readLocalizationExamples(rootFolder string) ([]content.LocalizationExample, error) {
	ru, err := readOptional(m.cfg.RuRuleLocalizationFilePath(rootFolder))
	if err != nil || ru == "" {
		return nil, err
	}
	en, err := readOptional(m.cfg.EnRuleLocalizationFilePath(rootFolder))
	if err != nil || en == "" {
		return nil, err
	}

	ruLines := pattern.SplitLines(ru)
	enLines := pattern.SplitLines(en)

	type pair struct{ ru, en string }
	seen := make(map[pair]bool)
	var examples []content.LocalizationExample
	for i, line := range ruLines {
		ruRecord, err := m.parseRecord(line)
		if err != nil {
			return nil, err
		}
		if ruRecord == nil || ruRecord.GetString("text") == "" {
			continue
		}
		if i >= len(enLines) {
			continue
		}
		enRecord, err := m.parseRecord(enLines[i])
		if err != nil {
			return nil, err
		}
		if enRecord == nil {
			continue
		}

		ex := content.LocalizationExample{
			CorrelationName: ruRecord.GetString("correlation_name"),
			RuText:          ruRecord.GetString("text"),
			EnText:          enRecord.GetString("text"),
		}
		key := pair{ex.RuText, ex.EnText}
		if ex.RuText == "" || ex.EnText == "" || seen[key] {
			continue
		}
		seen[key] = true
		examples = append(examples, ex)
	}
	return examples, nil
}

// parseRecord validates one localized event. A record without the required
// fields yields nil; text that is not JSON is an error.
func (m *Manager) parseRecord(line string) (*jsonutil.Object, error) {
	schema, err := recordSchema()
	if err != nil {
		return nil, fmt.Errorf("compiling localization record schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewStringLoader(line))
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrParse, "cannot parse localization from test", err)
	}
	if !result.Valid() {
		m.logger.Warn().Str("error", result.Errors()[0].String()).Msg("skipping localization record")
		return nil, nil
	}
	obj, err := jsonutil.ParseObject([]byte(line))
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrParse, "cannot parse localization from test", err)
	}
	return obj, nil
}

func readOptional(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}
