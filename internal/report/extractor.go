// Package report parses tester optimization reports (XML Spreadsheet 2003)
// into result rows.
package report

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"optibatch/internal/domain"
	"optibatch/internal/infra/textenc"
)

// Column headers the tester writes for pass metrics. Anything else in the
// header row is an input parameter.
const (
	colPass           = "Pass"
	colResult         = "Result"
	colProfit         = "Profit"
	colExpectedPayoff = "Expected Payoff"
	colProfitFactor   = "Profit Factor"
	colRecoveryFactor = "Recovery Factor"
	colSharpeRatio    = "Sharpe Ratio"
	colCustom         = "Custom"
	colEquityDD       = "Equity DD %"
	colDrawdown       = "Drawdown"
	colTrades         = "Trades"
	colBackResult     = "Back Result"
	colForwardResult  = "Forward Result"
)

var metricColumns = map[string]struct{}{
	colPass: {}, colResult: {}, colProfit: {}, colExpectedPayoff: {},
	colProfitFactor: {}, colRecoveryFactor: {}, colSharpeRatio: {}, colCustom: {},
	colEquityDD: {}, colDrawdown: {}, colTrades: {}, colBackResult: {}, colForwardResult: {},
}

// Report is the parsed content of one report file.
type Report struct {
	Path      string
	Expert    string
	Symbol    string
	Period    string
	StartDate time.Time
	EndDate   time.Time
	Rows      []domain.ResultRow
	// Discarded counts rows dropped for having no trades.
	Discarded int
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithScore replaces the custom score policy.
func WithScore(f domain.ScoreFunc) Option {
	return func(e *Extractor) { e.score = f }
}

// Extractor turns report files into result rows.
type Extractor struct {
	score  domain.ScoreFunc
	logger *slog.Logger
}

// NewExtractor creates an Extractor using domain.DefaultScore unless
// overridden.
func NewExtractor(logger *slog.Logger, opts ...Option) *Extractor {
	e := &Extractor{
		score:  domain.DefaultScore,
		logger: logger.With("component", "report-extractor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type workbook struct {
	XMLName    xml.Name    `xml:"Workbook"`
	Title      string      `xml:"DocumentProperties>Title"`
	Worksheets []worksheet `xml:"Worksheet"`
}

type worksheet struct {
	Rows []row `xml:"Table>Row"`
}

type row struct {
	Cells []cell `xml:"Cell"`
}

type cell struct {
	Index int    `xml:"Index,attr"`
	Data  string `xml:"Data"`
}

// values lays the cells out by column, honouring ss:Index gaps.
func (r row) values() []string {
	var out []string
	for _, c := range r.Cells {
		if c.Index > 0 {
			for len(out) < c.Index-1 {
				out = append(out, "")
			}
		}
		out = append(out, strings.TrimSpace(c.Data))
	}
	return out
}

// Extract parses the report at path. Input columns are typed with types;
// columns missing from types are inferred.
func (e *Extractor) Extract(path string, types domain.TypeMap) (*Report, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.ParseError{Path: path, Err: err}
	}
	wb, err := decodeWorkbook(raw)
	if err != nil {
		return nil, &domain.ParseError{Path: path, Err: err}
	}

	rep := &Report{Path: path}
	if err := parseTitle(wb.Title, rep); err != nil {
		return nil, &domain.ParseError{Path: path, Err: err}
	}

	var rows []row
	for _, ws := range wb.Worksheets {
		if len(ws.Rows) > 0 {
			rows = ws.Rows
			break
		}
	}
	if len(rows) == 0 {
		return nil, &domain.ParseError{Path: path, Err: fmt.Errorf("no header row")}
	}
	headers := rows[0].values()
	if !hasColumn(headers, colProfit) || !hasColumn(headers, colTrades) {
		return nil, &domain.ParseError{Path: path, Err: fmt.Errorf("header row lacks %s/%s columns", colProfit, colTrades)}
	}
	_, hasPayoff := indexOf(headers, colExpectedPayoff)
	_, hasRecovery := indexOf(headers, colRecoveryFactor)

	for i, r := range rows[1:] {
		cells := r.values()
		if len(cells) == 0 {
			continue
		}
		record := make(map[string]string, len(headers))
		for j, h := range headers {
			if h == "" {
				continue
			}
			if j < len(cells) {
				record[h] = cells[j]
			} else {
				record[h] = ""
			}
		}

		m := domain.Metrics{
			Result:         number(record[colResult]),
			Profit:         number(record[colProfit]),
			Trades:         int(number(record[colTrades])),
			SharpeRatio:    number(record[colSharpeRatio]),
			ProfitFactor:   number(record[colProfitFactor]),
			RecoveryFactor: number(record[colRecoveryFactor]),
			ExpectedPayoff: number(record[colExpectedPayoff]),
		}
		if v, ok := record[colDrawdown]; ok {
			m.Drawdown = number(v)
		} else {
			m.Drawdown = number(record[colEquityDD])
		}
		if m.Trades == 0 {
			rep.Discarded++
			continue
		}
		if !hasPayoff {
			m.ExpectedPayoff = m.Profit / float64(m.Trades)
		}
		if !hasRecovery {
			m.RecoveryFactor = 0
			if m.Drawdown != 0 {
				m.RecoveryFactor = m.Profit / m.Drawdown
			}
		}
		m.CustomScore = e.score(m)

		params := domain.Params{}
		for _, h := range headers {
			if _, metric := metricColumns[h]; metric || h == "" {
				continue
			}
			if kind, ok := types[h]; ok {
				params[h] = domain.CoerceValue(record[h], kind)
			} else {
				params[h] = domain.InferValue(record[h])
			}
		}

		rep.Rows = append(rep.Rows, domain.ResultRow{
			Symbol:     rep.Symbol,
			Period:     rep.Period,
			StartDate:  rep.StartDate,
			EndDate:    rep.EndDate,
			PassNumber: i,
			Params:     params,
			Metrics:    m,
		})
	}

	e.logger.Info("parsed report",
		"report", filepath.Base(path),
		"symbol", rep.Symbol,
		"rows", len(rep.Rows),
		"discarded", rep.Discarded)
	return rep, nil
}

func decodeWorkbook(raw []byte) (*workbook, error) {
	text, err := textenc.Decode(raw)
	if err != nil {
		return nil, err
	}
	dec := xml.NewDecoder(strings.NewReader(text))
	// the bytes are already UTF-8 whatever the declaration says
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) { return input, nil }
	var wb workbook
	if err := dec.Decode(&wb); err != nil {
		return nil, fmt.Errorf("decode xml: %w", err)
	}
	return &wb, nil
}

// parseTitle reads "EXPERT SYMBOL[,PERIOD] ... YYYY.MM.DD-YYYY.MM.DD".
func parseTitle(title string, rep *Report) error {
	fields := strings.Fields(title)
	if len(fields) < 3 {
		return fmt.Errorf("unrecognized title %q", title)
	}
	rep.Expert = fields[0]
	symPeriod := strings.SplitN(fields[1], ",", 2)
	rep.Symbol = symPeriod[0]
	if len(symPeriod) == 2 {
		rep.Period = symPeriod[1]
	}
	bounds := strings.Split(fields[len(fields)-1], "-")
	if len(bounds) != 2 || rep.Symbol == "" {
		return fmt.Errorf("unrecognized title %q", title)
	}
	var err error
	if rep.StartDate, err = time.ParseInLocation(domain.TesterDateLayout, bounds[0], time.UTC); err != nil {
		return fmt.Errorf("title start date: %w", err)
	}
	if rep.EndDate, err = time.ParseInLocation(domain.TesterDateLayout, bounds[1], time.UTC); err != nil {
		return fmt.Errorf("title end date: %w", err)
	}
	return nil
}

func indexOf(headers []string, name string) (int, bool) {
	for i, h := range headers {
		if h == name {
			return i, true
		}
	}
	return -1, false
}

func hasColumn(headers []string, name string) bool {
	_, ok := indexOf(headers, name)
	return ok
}

func number(s string) float64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

const workbookCloseTag = "</Workbook>"

// IsComplete reports whether the report at path exists, is non-empty and
// ends with the closing Workbook tag. A missing file is not an error.
func IsComplete(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	size := info.Size()
	if size == 0 {
		return false, nil
	}

	head := make([]byte, 2)
	if _, err := f.ReadAt(head, 0); err != nil && err != io.EOF {
		return false, err
	}
	wide := bytes.Equal(head, []byte{0xFF, 0xFE})

	const tailSize = 256
	off := size - tailSize
	if off < 0 {
		off = 0
	}
	if wide && off%2 == 1 {
		off++
	}
	tail := make([]byte, size-off)
	if _, err := f.ReadAt(tail, off); err != nil && err != io.EOF {
		return false, err
	}

	enc := textenc.UTF8
	if wide {
		enc = textenc.UTF16LE
	}
	text, err := textenc.DecodeAs(tail, enc)
	if err != nil {
		return false, nil
	}
	return strings.HasSuffix(strings.TrimSpace(text), workbookCloseTag), nil
}
