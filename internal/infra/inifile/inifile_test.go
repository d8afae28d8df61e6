package inifile

import (
	"os"
	"path/filepath"
	"testing"

	"optibatch/internal/infra/textenc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const template = "[Tester]\r\n" +
	"Expert=Advisors\\MACD Sample.ex5\r\n" +
	"Symbol=EURUSD\r\n" +
	"Period=H1\r\n" +
	"FromDate=2024.01.01\r\n" +
	"ToDate=2024.03.31\r\n" +
	"\r\n" +
	"[TesterInputs]\r\n" +
	"; strategy inputs\r\n" +
	"TakeProfit=50||10||10||100||Y\r\n" +
	"Comment=a;b\r\n"

func TestParseUTF16(t *testing.T) {
	raw, err := textenc.Encode(template, textenc.UTF16LE)
	require.NoError(t, err)

	doc, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, textenc.UTF16LE, doc.Encoding)
	require.Len(t, doc.Sections, 2)

	tester := doc.Section("tester")
	require.NotNil(t, tester)
	v, ok := tester.Get("symbol")
	assert.True(t, ok)
	assert.Equal(t, "EURUSD", v)
	v, _ = tester.Get("Expert")
	assert.Equal(t, `Advisors\MACD Sample.ex5`, v)

	inputs := doc.Section(SectionTesterInputs)
	require.NotNil(t, inputs)
	assert.Equal(t, []KV{
		{Key: "TakeProfit", Value: "50||10||10||100||Y"},
		{Key: "Comment", Value: "a;b"},
	}, inputs.Keys)
}

func TestSetPreservesOrderAndSpelling(t *testing.T) {
	doc, err := Parse([]byte(template))
	require.NoError(t, err)
	assert.Equal(t, textenc.UTF8, doc.Encoding)

	clone := doc.Clone()
	tester := clone.Section(SectionTester)
	tester.Set("SYMBOL", "GBPUSD")
	tester.Set("Report", "reports\\GBPUSD")

	assert.Equal(t, "Symbol", tester.Keys[1].Key)
	assert.Equal(t, "GBPUSD", tester.Keys[1].Value)
	assert.Equal(t, KV{Key: "Report", Value: `reports\GBPUSD`}, tester.Keys[len(tester.Keys)-1])

	orig, _ := doc.Section(SectionTester).Get("Symbol")
	assert.Equal(t, "EURUSD", orig, "clone must not alias the source")
}

func TestSaveRoundTrip(t *testing.T) {
	doc, err := Parse([]byte(template))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "EURUSD", "unit.ini")
	require.NoError(t, Save(path, doc, textenc.UTF16LE))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFE}, raw[:2])

	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, doc.Render(), back.Render())
	assert.NoFileExists(t, path+".tmp")
}
