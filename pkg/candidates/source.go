// Package candidates produces the ordered probe inputs for each probe kind.
package candidates

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/probe"
)

// Source yields the candidates of one probe kind.
type Source interface {
	Kind() probe.Kind
	Candidates() ([]probe.Candidate, error)
}

// List is a static source backed by a slice of values.
type List struct {
	kind   probe.Kind
	values []string
}

// NewList creates a static source. Blank values are skipped and duplicates
// removed, keeping first-seen order.
func NewList(kind probe.Kind, values []string) *List {
	return &List{kind: kind, values: values}
}

func (l *List) Kind() probe.Kind { return l.kind }

func (l *List) Candidates() ([]probe.Candidate, error) {
	return fromValues(l.kind, l.values), nil
}

// File reads a wordlist from disk, one entry per line. Lines starting with
// '#' are comments.
type File struct {
	kind probe.Kind
	path string
}

// NewFile creates a file-backed source.
func NewFile(kind probe.Kind, path string) *File {
	return &File{kind: kind, path: path}
}

func (f *File) Kind() probe.Kind { return f.kind }

// Candidates reads the file. An unreadable file is a batch-level error.
func (f *File) Candidates() ([]probe.Candidate, error) {
	words, err := ReadWordlist(f.path)
	if err != nil {
		return nil, err
	}
	return fromValues(f.kind, words), nil
}

// ReadWordlist loads a wordlist from filename.
func ReadWordlist(filename string) ([]string, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open wordlist: %w", err)
	}
	defer file.Close()

	var words []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		word := strings.TrimSpace(scanner.Text())
		if word != "" && !strings.HasPrefix(word, "#") {
			words = append(words, word)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read wordlist %s: %w", filename, err)
	}

	return words, nil
}

// Concat merges sources of the same kind, keeping first-seen order and
// dropping duplicates.
func Concat(sources ...Source) ([]probe.Candidate, error) {
	var out []probe.Candidate
	seen := make(map[probe.Candidate]bool)

	for _, src := range sources {
		cands, err := src.Candidates()
		if err != nil {
			return nil, fmt.Errorf("%s candidates: %w", src.Kind(), err)
		}
		for _, c := range cands {
			if seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
		}
	}

	return out, nil
}

func fromValues(kind probe.Kind, values []string) []probe.Candidate {
	out := make([]probe.Candidate, 0, len(values))
	seen := make(map[string]bool, len(values))

	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, probe.Candidate{Kind: kind, Value: v})
	}

	return out
}
