package lifecycle

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"optibatch/internal/infra/textenc"
)

// LogLine is one decoded tester log line.
type LogLine struct {
	File string
	Text string
	Time time.Time
	// HasTime is false when no timestamp could be parsed.
	HasTime bool
}

type fileState struct {
	offset   int64
	encoding textenc.Encoding
	// sniffed is false while the encoding is a guess made on an empty file.
	sniffed bool
}

// Tailer follows the newest *.log file in a directory, returning only bytes
// appended since the previous poll.
type Tailer struct {
	dir      string
	baseDate time.Time
	files    map[string]*fileState
	seen     map[string]struct{}
}

// NewTailer creates a Tailer over dir. Time-of-day stamps in files whose
// name carries no date are anchored to baseDate.
func NewTailer(dir string, baseDate time.Time) *Tailer {
	return &Tailer{
		dir:      dir,
		baseDate: baseDate,
		files:    make(map[string]*fileState),
		seen:     make(map[string]struct{}),
	}
}

// Prime moves the offset of every existing log file to its current end so
// that content written before a launch is never read.
func (t *Tailer) Prime() error {
	paths, err := filepath.Glob(filepath.Join(t.dir, "*.log"))
	if err != nil {
		return err
	}
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		enc, sniffed, err := sniffEncoding(p)
		if err != nil {
			continue
		}
		t.files[p] = &fileState{offset: info.Size(), encoding: enc, sniffed: sniffed}
	}
	return nil
}

// Poll reads complete new lines from the newest log file. Lines already
// returned are skipped.
func (t *Tailer) Poll() ([]LogLine, error) {
	path, err := newestLog(t.dir)
	if err != nil || path == "" {
		return nil, err
	}
	st, ok := t.files[path]
	if !ok {
		enc, sniffed, err := sniffEncoding(path)
		if err != nil {
			return nil, err
		}
		st = &fileState{encoding: enc, sniffed: sniffed}
		t.files[path] = st
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < st.offset {
		// truncated or rotated in place
		st.offset = 0
		st.sniffed = false
	}
	if info.Size() == st.offset {
		return nil, nil
	}
	if _, err := f.Seek(st.offset, io.SeekStart); err != nil {
		return nil, err
	}
	chunk, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if st.offset == 0 && !st.sniffed && len(chunk) >= 2 {
		st.encoding = textenc.Detect(chunk)
		st.sniffed = true
	}

	end := completeLinesEnd(chunk, st.encoding)
	if end == 0 {
		return nil, nil
	}
	text, err := textenc.DecodeAs(chunk[:end], st.encoding)
	if err != nil {
		return nil, err
	}
	st.offset += int64(end)

	base, ok := dateFromName(path)
	if !ok {
		base = t.baseDate
	}
	var out []LogLine
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimRight(raw, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		key := filepath.Base(path) + "\x00" + line
		if _, dup := t.seen[key]; dup {
			continue
		}
		t.seen[key] = struct{}{}
		ll := LogLine{File: path, Text: line}
		ll.Time, ll.HasTime = parseLineTime(line, base)
		out = append(out, ll)
	}
	return out, nil
}

// completeLinesEnd returns the length of the prefix of b that ends on a line
// break, so that a half-written line is left for the next poll.
func completeLinesEnd(b []byte, enc textenc.Encoding) int {
	if enc == textenc.UTF16LE {
		for i := len(b) - 2; i >= 0; i-- {
			if i%2 == 0 && b[i] == '\n' && b[i+1] == 0 {
				return i + 2
			}
		}
		return 0
	}
	if i := bytes.LastIndexByte(b, '\n'); i >= 0 {
		return i + 1
	}
	return 0
}

// sniffEncoding guesses the encoding of path from its first bytes. The
// second result is false for an empty file, whose guess is provisional.
func sniffEncoding(path string) (textenc.Encoding, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", false, err
	}
	defer f.Close()
	head := make([]byte, 512)
	n, err := f.Read(head)
	if err != nil && err != io.EOF {
		return "", false, err
	}
	if n == 0 {
		// tester logs are UTF-16LE unless proven otherwise
		return textenc.UTF16LE, false, nil
	}
	return textenc.Detect(head[:n]), true, nil
}

func newestLog(dir string) (string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.log"))
	if err != nil {
		return "", err
	}
	var newest string
	var newestMod time.Time
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		mod := info.ModTime()
		if newest == "" || mod.After(newestMod) || (mod.Equal(newestMod) && p > newest) {
			newest, newestMod = p, mod
		}
	}
	return newest, nil
}

// dateFromName reads the YYYYMMDD.log naming of tester logs.
func dateFromName(path string) (time.Time, bool) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	d, err := time.ParseInLocation("20060102", base, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

var fullStamp = regexp.MustCompile(`^\d{4}\.\d{2}\.\d{2} \d{2}:\d{2}:\d{2}(\.\d{3})?`)

// parseLineTime extracts the timestamp of a log line. Two shapes are
// recognized: a leading "YYYY.MM.DD HH:MM:SS[.fff]" and the tab separated
// tester format whose third field is "HH:MM:SS.fff", anchored to base.
func parseLineTime(line string, base time.Time) (time.Time, bool) {
	if m := fullStamp.FindString(line); m != "" {
		layout := "2006.01.02 15:04:05"
		if len(m) > len(layout) {
			layout += ".000"
		}
		if t, err := time.ParseInLocation(layout, m, time.Local); err == nil {
			return t, true
		}
	}
	fields := strings.Split(line, "\t")
	if len(fields) < 3 {
		return time.Time{}, false
	}
	stamp := strings.TrimSpace(fields[2])
	layout := "15:04:05.000"
	if !strings.Contains(stamp, ".") {
		layout = "15:04:05"
	}
	tod, err := time.Parse(layout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	y, mo, d := base.Date()
	return time.Date(y, mo, d, tod.Hour(), tod.Minute(), tod.Second(), tod.Nanosecond(), time.Local), true
}
