// Package knowledge turns community forum threads into searchable chunks.
package knowledge

import (
	"strings"
)

// DefaultChunkSize is the target chunk length in characters.
const DefaultChunkSize = 1500

const messageSeparator = "\n\n"

// Chunk packs whole messages into windows of at most size characters. A
// message is never split; one longer than size becomes its own chunk.
// The same input always yields the same chunks.
func Chunk(messages []string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}

	var chunks []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, m := range messages {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(messageSeparator)+len(m) > size {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(messageSeparator)
		}
		current.WriteString(m)
		if current.Len() >= size {
			flush()
		}
	}
	flush()
	return chunks
}

// SplitMessages splits raw thread content on blank lines.
func SplitMessages(raw string) []string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	var out []string
	for _, p := range strings.Split(raw, messageSeparator) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
