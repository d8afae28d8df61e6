// Package inifile reads and writes strategy tester configuration files.
// Section and key order is preserved so rendered files stay diffable
// against their template.
package inifile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"optibatch/internal/infra/textenc"

	"gopkg.in/ini.v1"
)

const (
	SectionTester       = "Tester"
	SectionTesterInputs = "TesterInputs"
)

// KV is one key=value line.
type KV struct {
	Key   string
	Value string
}

// Section is an ordered list of keys.
type Section struct {
	Name string
	Keys []KV
}

// Document is a parsed configuration file.
type Document struct {
	Sections []*Section
	// Encoding the document was read with; used by Save when unset.
	Encoding textenc.Encoding
}

var loadOptions = ini.LoadOptions{
	KeyValueDelimiters:      "=",
	IgnoreInlineComment:     true,
	IgnoreContinuation:      true,
	PreserveSurroundedQuote: true,
	SkipUnrecognizableLines: true,
}

// Parse decodes raw file bytes (UTF-16LE or UTF-8) into a Document.
func Parse(raw []byte) (*Document, error) {
	enc := textenc.Detect(raw)
	text, err := textenc.DecodeAs(raw, enc)
	if err != nil {
		return nil, err
	}
	f, err := ini.LoadSources(loadOptions, []byte(text))
	if err != nil {
		return nil, fmt.Errorf("parse ini: %w", err)
	}
	doc := &Document{Encoding: enc}
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection && len(sec.Keys()) == 0 {
			continue
		}
		s := &Section{Name: sec.Name()}
		for _, k := range sec.Keys() {
			s.Keys = append(s.Keys, KV{Key: k.Name(), Value: k.Value()})
		}
		doc.Sections = append(doc.Sections, s)
	}
	return doc, nil
}

// Load reads and parses the file at path.
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Section returns the section named name, compared case-insensitively.
func (d *Document) Section(name string) *Section {
	for _, s := range d.Sections {
		if strings.EqualFold(s.Name, name) {
			return s
		}
	}
	return nil
}

// EnsureSection returns the named section, appending it when absent.
func (d *Document) EnsureSection(name string) *Section {
	if s := d.Section(name); s != nil {
		return s
	}
	s := &Section{Name: name}
	d.Sections = append(d.Sections, s)
	return s
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	out := &Document{Encoding: d.Encoding, Sections: make([]*Section, 0, len(d.Sections))}
	for _, s := range d.Sections {
		keys := make([]KV, len(s.Keys))
		copy(keys, s.Keys)
		out.Sections = append(out.Sections, &Section{Name: s.Name, Keys: keys})
	}
	return out
}

// Get returns the value of key, compared case-insensitively.
func (s *Section) Get(key string) (string, bool) {
	if s == nil {
		return "", false
	}
	for _, kv := range s.Keys {
		if strings.EqualFold(kv.Key, key) {
			return kv.Value, true
		}
	}
	return "", false
}

// Set overwrites key in place, keeping the template's spelling of the key,
// or appends it.
func (s *Section) Set(key, value string) {
	for i, kv := range s.Keys {
		if strings.EqualFold(kv.Key, key) {
			s.Keys[i].Value = value
			return
		}
	}
	s.Keys = append(s.Keys, KV{Key: key, Value: value})
}

// Render formats the document as key=value lines with CRLF endings.
func (d *Document) Render() string {
	var b strings.Builder
	for i, s := range d.Sections {
		if i > 0 {
			b.WriteString("\r\n")
		}
		b.WriteString("[" + s.Name + "]\r\n")
		for _, kv := range s.Keys {
			b.WriteString(kv.Key + "=" + kv.Value + "\r\n")
		}
	}
	return b.String()
}

// Encode renders the document in enc.
func (d *Document) Encode(enc textenc.Encoding) ([]byte, error) {
	return textenc.Encode(d.Render(), enc)
}

// Save writes the document to path through a temporary file, creating
// parent directories.
func Save(path string, d *Document, enc textenc.Encoding) error {
	if enc == "" {
		enc = d.Encoding
	}
	data, err := d.Encode(enc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
