package traceio

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"

	"github.com/luxfi/pisa-lower/internal/pisaerr"
)

// Manifest is the parsed form of a line-oriented FHEContext/TestVector
// manifest: an ordered list of sections, each an ordered list of
// key=filename entries. Section order is not meaningful, but it is kept
// across a load/store cycle, as is within-section key order.
type Manifest struct {
	Sections []ManifestSection
}

// ManifestSection is one `[section_name]` block and its key=filename
// entries, in the order they were written.
type ManifestSection struct {
	Name    string
	Entries []ManifestEntry
}

// ManifestEntry is a single `key=filename` line.
type ManifestEntry struct {
	Key      string
	Filename string
}

// Get returns the section with the given name, or nil.
func (m *Manifest) Get(name string) *ManifestSection {
	for i := range m.Sections {
		if m.Sections[i].Name == name {
			return &m.Sections[i]
		}
	}
	return nil
}

// Set appends key=filename to the named section, creating it if absent.
func (m *Manifest) Set(section, key, filename string) {
	s := m.Get(section)
	if s == nil {
		m.Sections = append(m.Sections, ManifestSection{Name: section})
		s = &m.Sections[len(m.Sections)-1]
	}
	s.Entries = append(s.Entries, ManifestEntry{Key: key, Filename: filename})
}

// Lookup returns the filename for key within section, if present.
func (s *ManifestSection) Lookup(key string) (string, bool) {
	for _, e := range s.Entries {
		if e.Key == key {
			return e.Filename, true
		}
	}
	return "", false
}

// ReadManifest parses a line-oriented manifest: `[section]` headers and
// `key=filename` lines beneath each. Only ASCII whitespace is trimmed, per
// the source contract — extending to Unicode whitespace would break
// round-trip on filenames that legitimately contain non-ASCII space-like
// runes.
//
// Lines with no '=' or more than one '=' after trimming are logged as
// warnings and skipped. A manifest with no bracketed section at all is
// rejected with MalformedManifest.
func ReadManifest(r io.Reader) (*Manifest, error) {
	scanner := bufio.NewScanner(r)
	var m Manifest
	var current *ManifestSection
	sawSection := false

	for scanner.Scan() {
		line := trimASCIISpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			name := trimASCIISpace(line[1 : len(line)-1])
			m.Sections = append(m.Sections, ManifestSection{Name: name})
			current = &m.Sections[len(m.Sections)-1]
			sawSection = true
			continue
		}

		eq := strings.Count(line, "=")
		if eq != 1 {
			log.Printf("traceio: malformed manifest line skipped: %q", line)
			continue
		}
		if current == nil {
			log.Printf("traceio: key=filename line before any section skipped: %q", line)
			continue
		}

		idx := strings.IndexByte(line, '=')
		key := trimASCIISpace(line[:idx])
		filename := trimASCIISpace(line[idx+1:])
		current.Entries = append(current.Entries, ManifestEntry{Key: key, Filename: filename})
	}
	if err := scanner.Err(); err != nil {
		return nil, pisaerr.Wrap(pisaerr.IoError, "read manifest", err)
	}

	if !sawSection {
		return nil, pisaerr.New(pisaerr.InputError, "MalformedManifest: no bracketed section")
	}

	return &m, nil
}

// WriteManifest serializes m back to text form: one `[section]` header per
// section followed by its key=filename lines, within-section order
// preserved. Section order follows m.Sections; callers that need
// deterministic output across independently-built Manifests should sort
// m.Sections by Name first.
func WriteManifest(w io.Writer, m *Manifest) error {
	bw := bufio.NewWriter(w)
	for _, s := range m.Sections {
		if _, err := fmt.Fprintf(bw, "[%s]\n", s.Name); err != nil {
			return pisaerr.Wrap(pisaerr.IoError, "write manifest section", err)
		}
		for _, e := range s.Entries {
			if _, err := fmt.Fprintf(bw, "%s=%s\n", e.Key, e.Filename); err != nil {
				return pisaerr.Wrap(pisaerr.IoError, "write manifest entry", err)
			}
		}
	}
	if err := bw.Flush(); err != nil {
		return pisaerr.Wrap(pisaerr.IoError, "flush manifest", err)
	}
	return nil
}

// SortSections orders m.Sections by name, for callers that want
// deterministic section ordering on write (round-trip only requires
// within-section order, but a stable overall order makes diffs readable).
func (m *Manifest) SortSections() {
	sort.Slice(m.Sections, func(i, j int) bool { return m.Sections[i].Name < m.Sections[j].Name })
}

// trimASCIISpace trims leading/trailing ASCII space, tab, CR and LF only.
func trimASCIISpace(s string) string {
	start := 0
	for start < len(s) && isASCIISpace(s[start]) {
		start++
	}
	end := len(s)
	for end > start && isASCIISpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isASCIISpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}
