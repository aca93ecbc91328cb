// Package chunker splits training text into bounded chunks for memory-store ingestion.
package chunker

import (
	"regexp"
	"strings"
)

// MaxChunkSize is the hard upper bound on chunk length in characters,
// roughly 200 tokens for the memory store.
const MaxChunkSize = 800

// joinerLen accounts for the blank-line joiner inserted between buffered sections.
const joinerLen = 2

var sectionSplit = regexp.MustCompile(`\n{2,}`)

// TrainingChunk is one bounded slice of training text, ordered by Ordinal.
type TrainingChunk struct {
	Content string
	Ordinal int
}

// Chunk splits text into chunks of at most MaxChunkSize characters.
// Sections (runs of text separated by two or more newlines) are packed into
// chunks in order; a section that cannot fit on its own is hard-split into
// fixed-size slices as a last resort. Empty or whitespace-only input yields nil.
func Chunk(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= MaxChunkSize {
		return []string{text}
	}

	var chunks []string
	var buf strings.Builder

	flush := func() {
		if buf.Len() > 0 {
			chunks = append(chunks, buf.String())
			buf.Reset()
		}
	}

	for _, section := range sectionSplit.Split(text, -1) {
		section = strings.TrimSpace(section)
		if section == "" {
			continue
		}

		if buf.Len() > 0 && buf.Len()+joinerLen+len(section) > MaxChunkSize {
			flush()
		}

		if len(section) > MaxChunkSize {
			flush()
			for start := 0; start < len(section); start += MaxChunkSize {
				end := start + MaxChunkSize
				if end > len(section) {
					end = len(section)
				}
				chunks = append(chunks, section[start:end])
			}
			continue
		}

		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(section)
	}
	flush()

	return chunks
}

// ChunkWithOrdinals returns the chunks of text annotated with their position,
// so stored chunks can reconstruct the original order.
func ChunkWithOrdinals(text string) []TrainingChunk {
	parts := Chunk(text)
	if len(parts) == 0 {
		return nil
	}
	out := make([]TrainingChunk, len(parts))
	for i, p := range parts {
		out[i] = TrainingChunk{Content: p, Ordinal: i}
	}
	return out
}
