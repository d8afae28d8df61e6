// Package matrix expands a job specification into per-symbol, per-window
// tester configurations.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"optibatch/internal/domain"
	"optibatch/internal/infra/inifile"
	"optibatch/internal/infra/textenc"
	"optibatch/internal/jobspec"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Window is an inclusive date range.
type Window struct {
	From time.Time
	To   time.Time
}

// Windows slices [from, to] into test windows. Without splitting the whole
// range is one window. With splitting only complete calendar months are
// returned; partial months at either end come back as dropped.
func Windows(from, to time.Time, split bool) (windows, dropped []Window) {
	if !split {
		return []Window{{From: from, To: to}}, nil
	}
	start := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, from.Location())
	if from.Day() != 1 {
		dropped = append(dropped, Window{From: from, To: minTime(start.AddDate(0, 1, -1), to)})
		start = start.AddDate(0, 1, 0)
	}
	for !start.After(to) {
		end := start.AddDate(0, 1, -1)
		if end.After(to) {
			dropped = append(dropped, Window{From: start, To: to})
			break
		}
		windows = append(windows, Window{From: start, To: end})
		start = start.AddDate(0, 1, 0)
	}
	return windows, dropped
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

// Generator renders ConfigUnits from a template.
type Generator struct {
	encoding textenc.Encoding
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewGenerator creates a Generator writing files in enc.
func NewGenerator(enc textenc.Encoding, logger *slog.Logger) *Generator {
	if enc == "" {
		enc = textenc.UTF16LE
	}
	return &Generator{
		encoding: enc,
		logger:   logger.With("component", "matrix-generator"),
		tracer:   otel.Tracer("optibatch-matrix"),
	}
}

// Plan computes the units of spec under batchDir without touching the disk.
// Units are ordered by symbol (as listed in the job) and then chronologically.
func (g *Generator) Plan(spec domain.JobSpec, batchDir string) ([]domain.ConfigUnit, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	windows, dropped := Windows(spec.FromDate, spec.ToDate, spec.SplitMonths)
	for _, w := range dropped {
		g.logger.Warn("dropping partial month",
			"from", w.From.Format(domain.TesterDateLayout),
			"to", w.To.Format(domain.TesterDateLayout))
	}
	if len(windows) == 0 {
		g.logger.Warn("no full calendar month in date range",
			"from", spec.FromDate.Format(domain.TesterDateLayout),
			"to", spec.ToDate.Format(domain.TesterDateLayout))
	}

	units := make([]domain.ConfigUnit, 0, len(spec.Symbols)*len(windows))
	for _, symbol := range spec.Symbols {
		symbolDir := filepath.Join(batchDir, symbol)
		for _, w := range windows {
			name := domain.UnitName(symbol, w.From, w.To)
			units = append(units, domain.ConfigUnit{
				Symbol:     symbol,
				From:       w.From,
				To:         w.To,
				Name:       name,
				ConfigPath: filepath.Join(symbolDir, name+".ini"),
				ReportPath: filepath.Join(symbolDir, name+".xml"),
				FullMonth:  domain.IsFullMonth(w.From, w.To),
			})
		}
	}
	return units, nil
}

// Generate plans the units and writes one config file per unit. Every file
// is rendered before the first one is written, and files created by a
// failed call are removed again.
func (g *Generator) Generate(ctx context.Context, spec domain.JobSpec, batchDir string) ([]domain.ConfigUnit, error) {
	ctx, span := g.tracer.Start(ctx, "matrix.Generate", trace.WithAttributes(
		attribute.String("batch.dir", batchDir),
		attribute.Int("symbols", len(spec.Symbols)),
	))
	defer span.End()

	units, err := g.Plan(spec, batchDir)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	tpl, err := LoadTemplate(spec.TemplatePath)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	docs := make([]*inifile.Document, len(units))
	for i, u := range units {
		docs[i] = Render(tpl, spec, u)
	}

	var created []string
	rollback := func() {
		for _, p := range created {
			if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				g.logger.Warn("failed to remove partial config", "path", p, "error", err)
			}
		}
	}
	for i, u := range units {
		if err := ctx.Err(); err != nil {
			rollback()
			return nil, err
		}
		_, statErr := os.Stat(u.ConfigPath)
		if err := inifile.Save(u.ConfigPath, docs[i], g.encoding); err != nil {
			span.RecordError(err)
			rollback()
			return nil, fmt.Errorf("write config %s: %w", u.Name, err)
		}
		if errors.Is(statErr, fs.ErrNotExist) {
			created = append(created, u.ConfigPath)
		}
	}
	span.SetAttributes(attribute.Int("units", len(units)))
	g.logger.Info("generated configs", "units", len(units), "batch_dir", batchDir)
	return units, nil
}

// LoadTemplate reads a template and checks its required sections.
func LoadTemplate(path string) (*inifile.Document, error) {
	doc, err := inifile.Load(path)
	if err != nil {
		return nil, &domain.ConfigError{Path: path, Err: err}
	}
	for _, name := range []string{inifile.SectionTester, inifile.SectionTesterInputs} {
		if doc.Section(name) == nil {
			return nil, &domain.ConfigError{Path: path, Err: fmt.Errorf("missing [%s] section", name)}
		}
	}
	return doc, nil
}

// Render derives the config of one unit from the template.
func Render(tpl *inifile.Document, spec domain.JobSpec, u domain.ConfigUnit) *inifile.Document {
	doc := tpl.Clone()
	kept := doc.Sections[:0]
	for _, s := range doc.Sections {
		if s.Name != jobspec.SectionBatch {
			kept = append(kept, s)
		}
	}
	doc.Sections = kept

	tester := doc.EnsureSection(inifile.SectionTester)
	setIf := func(key, value string) {
		if value != "" {
			tester.Set(key, value)
		}
	}
	setIf("Expert", spec.ExpertPath)
	setIf("Period", spec.Period)
	setIf("Model", spec.Model)
	setIf("Optimization", spec.Optimization)
	setIf("OptimizationCriterion", spec.OptimizationCriterion)
	setIf("Currency", spec.Currency)
	setIf("Leverage", spec.Leverage)
	setIf("ForwardMode", spec.ForwardMode)
	if spec.Deposit > 0 {
		tester.Set("Deposit", strconv.FormatFloat(spec.Deposit, 'f', -1, 64))
	}
	if spec.ForwardDate != nil {
		tester.Set("ForwardDate", spec.ForwardDate.Format(domain.TesterDateLayout))
	}

	tester.Set("Symbol", u.Symbol)
	tester.Set("FromDate", u.From.Format(domain.TesterDateLayout))
	tester.Set("ToDate", u.To.Format(domain.TesterDateLayout))
	tester.Set("Report", u.Name)

	inputs := doc.EnsureSection(inifile.SectionTesterInputs)
	for _, p := range spec.Params {
		inputs.Set(p.Name, p.Encode())
	}
	return doc
}
