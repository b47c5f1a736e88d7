// Package chunker splits documents into ordered, size-bounded pieces for synthesis.
package chunker

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxLength is the chunk size used when none is configured.
const DefaultMaxLength = 4500

const (
	paragraphSeparator = "\n\n"
	sentenceSeparator  = " "
)

// ErrEmptyInput is returned when the document has no text to narrate.
var ErrEmptyInput = errors.New("document is empty")

var (
	blankLine   = regexp.MustCompile(`\n[ \t]*\n`)
	sentenceEnd = regexp.MustCompile(`[.!?]\s+`)
)

// Chunk is one ordered slice of a document.
type Chunk struct {
	Index int
	Text  string
}

// Len returns the chunk length in runes.
func (c Chunk) Len() int { return utf8.RuneCountInString(c.Text) }

// Split breaks text into chunks of at most maxLength runes. Paragraphs are
// packed greedily; a paragraph that is too long on its own is packed
// sentence by sentence. A single sentence longer than maxLength is emitted
// whole.
func Split(text string, maxLength int) ([]Chunk, error) {
	if maxLength <= 0 {
		return nil, fmt.Errorf("max length must be positive, got %d", maxLength)
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}

	p := packer{max: maxLength}
	for _, para := range paragraphs(text) {
		if utf8.RuneCountInString(para) <= maxLength {
			p.add(para, paragraphSeparator)
			continue
		}
		p.flush()
		for _, sentence := range sentences(para) {
			p.add(sentence, sentenceSeparator)
		}
		p.flush()
	}
	p.flush()
	return p.chunks, nil
}

func paragraphs(text string) []string {
	var out []string
	for _, part := range blankLine.Split(text, -1) {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// sentences splits on terminal punctuation followed by whitespace, keeping
// the punctuation with the sentence it ends.
func sentences(para string) []string {
	var out []string
	start := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(para, -1) {
		if s := strings.TrimSpace(para[start : loc[0]+1]); s != "" {
			out = append(out, s)
		}
		start = loc[1]
	}
	if s := strings.TrimSpace(para[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

type packer struct {
	max     int
	current strings.Builder
	length  int
	chunks  []Chunk
}

func (p *packer) add(unit, sep string) {
	n := utf8.RuneCountInString(unit)
	if p.length > 0 && p.length+len(sep)+n > p.max {
		p.flush()
	}
	if p.length > 0 {
		p.current.WriteString(sep)
		p.length += len(sep)
	}
	p.current.WriteString(unit)
	p.length += n
}

func (p *packer) flush() {
	if p.length == 0 {
		return
	}
	p.chunks = append(p.chunks, Chunk{Index: len(p.chunks), Text: p.current.String()})
	p.current.Reset()
	p.length = 0
}
