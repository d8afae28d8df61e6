package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func validSpec() JobSpec {
	return JobSpec{
		ExpertPath:   `Experts\Advisors\MACD Sample.ex5`,
		Symbols:      []string{"EURUSD", "GBPUSD"},
		Period:       "H1",
		FromDate:     date(2024, 1, 1),
		ToDate:       date(2024, 3, 31),
		TemplatePath: "template.ini",
		Params: []ParamRange{
			{Name: "TakeProfit", Default: "50", Start: "10", Step: "10", End: "100", Optimize: true},
			{Name: "Lots", Default: "0.1"},
		},
	}
}

func TestParseSymbols(t *testing.T) {
	assert.Equal(t, []string{"EURUSD", "GBPUSD"}, ParseSymbols(" EURUSD , GBPUSD"))
	assert.Equal(t, []string{"EURUSD", ""}, ParseSymbols("EURUSD,"))
	assert.Nil(t, ParseSymbols("  "))
}

func TestJobSpecExpertName(t *testing.T) {
	assert.Equal(t, "MACD Sample", validSpec().ExpertName())
	assert.Equal(t, "Moving", JobSpec{ExpertPath: "Moving.ex5"}.ExpertName())
}

func TestJobSpecValidate(t *testing.T) {
	require.NoError(t, validSpec().Validate())

	cases := map[string]func(s *JobSpec){
		"no expert":       func(s *JobSpec) { s.ExpertPath = "" },
		"no symbols":      func(s *JobSpec) { s.Symbols = nil },
		"empty symbol":    func(s *JobSpec) { s.Symbols = []string{"EURUSD", " "} },
		"duplicate":       func(s *JobSpec) { s.Symbols = []string{"EURUSD", "EURUSD"} },
		"missing date":    func(s *JobSpec) { s.FromDate = time.Time{} },
		"reversed range":  func(s *JobSpec) { s.FromDate, s.ToDate = s.ToDate, s.FromDate },
		"no template":     func(s *JobSpec) { s.TemplatePath = "" },
		"unnamed param":   func(s *JobSpec) { s.Params = append(s.Params, ParamRange{Default: "1"}) },
		"forward outside": func(s *JobSpec) { d := date(2025, 1, 1); s.ForwardDate = &d },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := validSpec()
			mutate(&s)
			err := s.Validate()
			require.Error(t, err)
			assert.True(t, IsValidation(err))
		})
	}
}

func TestParamRangeCodec(t *testing.T) {
	p := DecodeParamRange("TakeProfit", "50||10||10||100||Y")
	assert.Equal(t, ParamRange{Name: "TakeProfit", Default: "50", Start: "10", Step: "10", End: "100", Optimize: true, Kind: KindInt}, p)
	assert.Equal(t, "50||10||10||100||Y", p.Encode())

	fixed := DecodeParamRange("Comment", "hello")
	assert.Equal(t, "hello", fixed.Encode())
	assert.Equal(t, KindString, fixed.Kind)
}

func TestJobSpecTypeMap(t *testing.T) {
	types := validSpec().TypeMap()
	assert.Equal(t, KindInt, types["TakeProfit"])
	assert.Equal(t, KindFloat, types["Lots"])
}

func TestUnitNaming(t *testing.T) {
	assert.Equal(t, "EURUSD.20240201_20240229", UnitName("EURUSD", date(2024, 2, 1), date(2024, 2, 29)))
	assert.True(t, IsFullMonth(date(2024, 2, 1), date(2024, 2, 29)))
	assert.False(t, IsFullMonth(date(2024, 2, 1), date(2024, 2, 28)))
	assert.False(t, IsFullMonth(date(2024, 1, 15), date(2024, 2, 14)))
	assert.Equal(t, "2024-02", RunMonth(date(2024, 2, 1)))
}

func TestJobMetadataValidate(t *testing.T) {
	meta := MetadataFromSpec("20240101_120000_MACD Sample", validSpec())
	require.NoError(t, meta.Validate())
	assert.Equal(t, "MACD Sample", meta.ExpertName)
	assert.Equal(t, "50||10||10||100||Y", meta.TesterInputs["TakeProfit"])

	meta.JobID = ""
	assert.True(t, IsValidation(meta.Validate()))
}
