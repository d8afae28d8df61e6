// Package jobspec loads job specifications from tester INI files or YAML
// documents that point at one.
package jobspec

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"optibatch/internal/domain"
	"optibatch/internal/infra/inifile"

	"gopkg.in/yaml.v3"
)

// SectionBatch holds batch-only settings inside an INI job file. It is never
// copied into generated configs.
const SectionBatch = "Batch"

// Loader implements domain.JobSpecLoader.
type Loader struct{}

// NewLoader creates a Loader.
func NewLoader() *Loader { return &Loader{} }

// Load reads an .ini or .yaml/.yml job specification.
func (l *Loader) Load(path string) (domain.JobSpec, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return l.loadYAML(path)
	default:
		doc, err := inifile.Load(path)
		if err != nil {
			return domain.JobSpec{}, &domain.ConfigError{Path: path, Err: err}
		}
		return FromTemplate(doc, path)
	}
}

// FromTemplate builds a spec from a parsed tester config. Symbol may hold a
// comma separated list; the optional [Batch] section adds batch settings.
func FromTemplate(doc *inifile.Document, path string) (domain.JobSpec, error) {
	tester := doc.Section(inifile.SectionTester)
	if tester == nil {
		return domain.JobSpec{}, &domain.ConfigError{Path: path, Err: fmt.Errorf("missing [%s] section", inifile.SectionTester)}
	}
	inputs := doc.Section(inifile.SectionTesterInputs)
	if inputs == nil {
		return domain.JobSpec{}, &domain.ConfigError{Path: path, Err: fmt.Errorf("missing [%s] section", inifile.SectionTesterInputs)}
	}

	get := func(key string) string {
		v, _ := tester.Get(key)
		return strings.TrimSpace(v)
	}

	spec := domain.JobSpec{
		ExpertPath:            get("Expert"),
		Symbols:               domain.ParseSymbols(get("Symbol")),
		Period:                get("Period"),
		Model:                 get("Model"),
		Optimization:          get("Optimization"),
		OptimizationCriterion: get("OptimizationCriterion"),
		Currency:              get("Currency"),
		Leverage:              get("Leverage"),
		ForwardMode:           get("ForwardMode"),
		TemplatePath:          path,
	}

	var err error
	if spec.FromDate, err = parseDate("FromDate", get("FromDate")); err != nil {
		return domain.JobSpec{}, err
	}
	if spec.ToDate, err = parseDate("ToDate", get("ToDate")); err != nil {
		return domain.JobSpec{}, err
	}
	if raw := get("ForwardDate"); raw != "" {
		fd, err := parseDate("ForwardDate", raw)
		if err != nil {
			return domain.JobSpec{}, err
		}
		spec.ForwardDate = &fd
	}
	if raw := get("Deposit"); raw != "" {
		if spec.Deposit, err = strconv.ParseFloat(raw, 64); err != nil {
			return domain.JobSpec{}, domain.NewValidationError("deposit", "invalid number %q", raw)
		}
	}

	for _, kv := range inputs.Keys {
		spec.Params = append(spec.Params, domain.DecodeParamRange(kv.Key, kv.Value))
	}

	if batch := doc.Section(SectionBatch); batch != nil {
		if v, ok := batch.Get("Name"); ok {
			spec.Name = strings.TrimSpace(v)
		}
		if v, ok := batch.Get("Symbols"); ok {
			spec.Symbols = domain.ParseSymbols(v)
		}
		if v, ok := batch.Get("StrategyVersion"); ok {
			spec.StrategyVersion = strings.TrimSpace(v)
		}
		if v, ok := batch.Get("SplitMonths"); ok {
			split, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return domain.JobSpec{}, domain.NewValidationError("split_months", "invalid boolean %q", v)
			}
			spec.SplitMonths = split
		}
	}
	return spec, nil
}

func parseDate(field, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(domain.TesterDateLayout, raw, time.UTC)
	if err != nil {
		return time.Time{}, domain.NewValidationError(field, "invalid date %q, want YYYY.MM.DD", raw)
	}
	return t, nil
}

// symbolList accepts either a YAML sequence or a comma separated string.
type symbolList []string

func (s *symbolList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*s = domain.ParseSymbols(value.Value)
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		out := make([]string, 0, len(list))
		for _, v := range list {
			out = append(out, strings.TrimSpace(v))
		}
		*s = out
		return nil
	}
	return fmt.Errorf("symbols: expected string or list, got %v", value.Tag)
}

// document is the YAML job file. Empty fields keep the template's value.
type document struct {
	Name                  string            `yaml:"name"`
	Template              string            `yaml:"template"`
	Expert                string            `yaml:"expert"`
	StrategyVersion       string            `yaml:"strategy_version"`
	Symbols               symbolList        `yaml:"symbols"`
	Period                string            `yaml:"period"`
	Model                 string            `yaml:"model"`
	Optimization          string            `yaml:"optimization"`
	OptimizationCriterion string            `yaml:"optimization_criterion"`
	Deposit               *float64          `yaml:"deposit"`
	Currency              string            `yaml:"currency"`
	Leverage              string            `yaml:"leverage"`
	FromDate              string            `yaml:"from_date"`
	ToDate                string            `yaml:"to_date"`
	ForwardMode           string            `yaml:"forward_mode"`
	ForwardDate           string            `yaml:"forward_date"`
	SplitMonths           *bool             `yaml:"split_months"`
	Params                map[string]string `yaml:"params"`
}

func (l *Loader) loadYAML(path string) (domain.JobSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.JobSpec{}, &domain.ConfigError{Path: path, Err: err}
	}
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return domain.JobSpec{}, &domain.ConfigError{Path: path, Err: fmt.Errorf("decode yaml: %w", err)}
	}
	if doc.Template == "" {
		return domain.JobSpec{}, domain.NewValidationError("template", "must not be empty")
	}
	tplPath := doc.Template
	if !filepath.IsAbs(tplPath) {
		tplPath = filepath.Join(filepath.Dir(path), tplPath)
	}
	tpl, err := inifile.Load(tplPath)
	if err != nil {
		return domain.JobSpec{}, &domain.ConfigError{Path: tplPath, Err: err}
	}
	spec, err := FromTemplate(tpl, tplPath)
	if err != nil {
		return domain.JobSpec{}, err
	}
	return doc.apply(spec)
}

func (d document) apply(spec domain.JobSpec) (domain.JobSpec, error) {
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&spec.Name, d.Name)
	override(&spec.ExpertPath, d.Expert)
	override(&spec.StrategyVersion, d.StrategyVersion)
	override(&spec.Period, d.Period)
	override(&spec.Model, d.Model)
	override(&spec.Optimization, d.Optimization)
	override(&spec.OptimizationCriterion, d.OptimizationCriterion)
	override(&spec.Currency, d.Currency)
	override(&spec.Leverage, d.Leverage)
	override(&spec.ForwardMode, d.ForwardMode)
	if d.Symbols != nil {
		spec.Symbols = []string(d.Symbols)
	}
	if d.Deposit != nil {
		spec.Deposit = *d.Deposit
	}
	if d.SplitMonths != nil {
		spec.SplitMonths = *d.SplitMonths
	}

	var err error
	if d.FromDate != "" {
		if spec.FromDate, err = parseDate("from_date", d.FromDate); err != nil {
			return domain.JobSpec{}, err
		}
	}
	if d.ToDate != "" {
		if spec.ToDate, err = parseDate("to_date", d.ToDate); err != nil {
			return domain.JobSpec{}, err
		}
	}
	if d.ForwardDate != "" {
		fd, err := parseDate("forward_date", d.ForwardDate)
		if err != nil {
			return domain.JobSpec{}, err
		}
		spec.ForwardDate = &fd
	}

	for name, raw := range d.Params {
		replaced := false
		for i := range spec.Params {
			if spec.Params[i].Name == name {
				spec.Params[i] = domain.DecodeParamRange(name, raw)
				replaced = true
				break
			}
		}
		if !replaced {
			return domain.JobSpec{}, domain.NewValidationError("params", "unknown parameter %q", name)
		}
	}
	return spec, nil
}
