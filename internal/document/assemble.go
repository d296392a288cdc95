package document

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
)

// ErrIncomplete matches any *IncompleteError.
var ErrIncomplete = errors.New("document incomplete")

// IncompleteError reports unverified sections blocking assembly.
type IncompleteError struct {
	Verified   int
	Total      int
	Unverified []int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("document incomplete: %d/%d sections verified (unverified: %v)",
		e.Verified, e.Total, e.Unverified)
}

// Is makes errors.Is(err, ErrIncomplete) true.
func (e *IncompleteError) Is(target error) bool { return target == ErrIncomplete }

// Assemble concatenates sections in id order, each followed by a blank line.
// It fails unless every section is verified.
func Assemble(doc Document) (string, error) {
	sections := append([]Section(nil), doc.Sections...)
	sort.SliceStable(sections, func(i, j int) bool { return sections[i].SectionID < sections[j].SectionID })

	var unverified []int
	for _, s := range sections {
		if !s.Verified {
			unverified = append(unverified, s.SectionID)
		}
	}
	if len(unverified) > 0 {
		return "", &IncompleteError{
			Verified:   len(sections) - len(unverified),
			Total:      len(sections),
			Unverified: unverified,
		}
	}

	var b strings.Builder
	for _, s := range sections {
		b.WriteString(s.Content)
		b.WriteString("\n\n")
	}
	return b.String(), nil
}

// RenderHTML converts assembled markdown to an HTML fragment.
func RenderHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return buf.String(), nil
}
