// internal/domain/jobspec.go
package domain

import (
	"path/filepath"
	"strings"
	"time"
)

const (
	// TesterDateLayout is the date format used by tester configs and report titles.
	TesterDateLayout = "2006.01.02"
	// NameDateLayout is the compact date format used in unit and file names.
	NameDateLayout = "20060102"
	// MonthLayout formats the month a run covers.
	MonthLayout = "2006-01"
)

// ParamRange is one strategy input as declared in [TesterInputs]:
// name=default||start||step||end||Y/N. Raw strings are kept so that a
// rendered config reproduces the template verbatim.
type ParamRange struct {
	Name     string    `json:"name" yaml:"name"`
	Default  string    `json:"default" yaml:"default"`
	Start    string    `json:"start,omitempty" yaml:"start,omitempty"`
	Step     string    `json:"step,omitempty" yaml:"step,omitempty"`
	End      string    `json:"end,omitempty" yaml:"end,omitempty"`
	Optimize bool      `json:"optimize" yaml:"optimize"`
	Kind     ValueKind `json:"kind,omitempty" yaml:"kind,omitempty"`
}

// JobSpec describes one optimization batch. It is treated as immutable once
// validated.
type JobSpec struct {
	Name                  string       `json:"name,omitempty" yaml:"name,omitempty"`
	ExpertPath            string       `json:"expert" yaml:"expert"`
	StrategyVersion       string       `json:"strategy_version,omitempty" yaml:"strategy_version,omitempty"`
	Symbols               []string     `json:"symbols" yaml:"symbols"`
	Period                string       `json:"period" yaml:"period"`
	Model                 string       `json:"model" yaml:"model"`
	Optimization          string       `json:"optimization" yaml:"optimization"`
	OptimizationCriterion string       `json:"optimization_criterion" yaml:"optimization_criterion"`
	Deposit               float64      `json:"deposit" yaml:"deposit"`
	Currency              string       `json:"currency" yaml:"currency"`
	Leverage              string       `json:"leverage" yaml:"leverage"`
	FromDate              time.Time    `json:"from_date" yaml:"from_date"`
	ToDate                time.Time    `json:"to_date" yaml:"to_date"`
	ForwardMode           string       `json:"forward_mode,omitempty" yaml:"forward_mode,omitempty"`
	ForwardDate           *time.Time   `json:"forward_date,omitempty" yaml:"forward_date,omitempty"`
	Params                []ParamRange `json:"params" yaml:"params"`
	SplitMonths           bool         `json:"split_months" yaml:"split_months"`
	TemplatePath          string       `json:"template_path" yaml:"template_path"`
}

// ParseSymbols splits a comma separated symbol list. Blank entries are kept
// so that Validate can reject them.
func ParseSymbols(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

// ExpertName is the expert file name without directories or extension.
func (s JobSpec) ExpertName() string {
	p := strings.ReplaceAll(s.ExpertPath, `\`, "/")
	base := filepath.Base(p)
	if base == "." || base == "/" {
		return ""
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Validate checks the job spec once, before any file is written or process
// launched.
func (s JobSpec) Validate() error {
	if strings.TrimSpace(s.ExpertPath) == "" {
		return NewValidationError("expert", "must not be empty")
	}
	if len(s.Symbols) == 0 {
		return NewValidationError("symbols", "at least one symbol is required")
	}
	seen := make(map[string]struct{}, len(s.Symbols))
	for i, sym := range s.Symbols {
		if strings.TrimSpace(sym) == "" {
			return NewValidationError("symbols", "entry %d is empty", i)
		}
		if _, dup := seen[sym]; dup {
			return NewValidationError("symbols", "duplicate symbol %q", sym)
		}
		seen[sym] = struct{}{}
	}
	if s.FromDate.IsZero() || s.ToDate.IsZero() {
		return NewValidationError("date_range", "from and to dates are required")
	}
	if s.ToDate.Before(s.FromDate) {
		return NewValidationError("date_range", "to date %s is before from date %s",
			s.ToDate.Format(TesterDateLayout), s.FromDate.Format(TesterDateLayout))
	}
	if s.ForwardDate != nil && (s.ForwardDate.Before(s.FromDate) || s.ForwardDate.After(s.ToDate)) {
		return NewValidationError("forward_date", "must lie within the date range")
	}
	if s.Deposit < 0 {
		return NewValidationError("deposit", "must not be negative")
	}
	if strings.TrimSpace(s.TemplatePath) == "" {
		return NewValidationError("template_path", "must not be empty")
	}
	names := make(map[string]struct{}, len(s.Params))
	for _, p := range s.Params {
		if strings.TrimSpace(p.Name) == "" {
			return NewValidationError("params", "parameter name must not be empty")
		}
		if _, dup := names[p.Name]; dup {
			return NewValidationError("params", "duplicate parameter %q", p.Name)
		}
		names[p.Name] = struct{}{}
	}
	return nil
}

// TypeMap returns the declared kind of every input parameter. Parameters
// without an explicit kind are inferred from their default value.
func (s JobSpec) TypeMap() TypeMap {
	types := make(TypeMap, len(s.Params))
	for _, p := range s.Params {
		kind := p.Kind
		if kind == "" {
			kind = InferKind(p.Default)
		}
		types[p.Name] = kind
	}
	return types
}

// TesterInputs returns the raw [TesterInputs] entries keyed by name.
func (s JobSpec) TesterInputs() map[string]string {
	inputs := make(map[string]string, len(s.Params))
	for _, p := range s.Params {
		inputs[p.Name] = p.Encode()
	}
	return inputs
}

// Encode renders the range in tester syntax.
func (p ParamRange) Encode() string {
	if p.Start == "" && p.Step == "" && p.End == "" && !p.Optimize {
		return p.Default
	}
	flag := "N"
	if p.Optimize {
		flag = "Y"
	}
	return strings.Join([]string{p.Default, p.Start, p.Step, p.End, flag}, "||")
}

// DecodeParamRange parses a tester input value of the form
// default||start||step||end||Y/N. A plain value yields a fixed parameter.
func DecodeParamRange(name, raw string) ParamRange {
	parts := strings.Split(raw, "||")
	p := ParamRange{Name: name, Default: strings.TrimSpace(parts[0])}
	if len(parts) > 1 {
		p.Start = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 {
		p.Step = strings.TrimSpace(parts[2])
	}
	if len(parts) > 3 {
		p.End = strings.TrimSpace(parts[3])
	}
	if len(parts) > 4 {
		p.Optimize = strings.EqualFold(strings.TrimSpace(parts[4]), "Y")
	}
	p.Kind = InferKind(p.Default)
	return p
}
