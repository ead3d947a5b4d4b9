package transfer

import (
	"encoding/base64"
	"strings"
)

// EscapeSingleQuoted escapes s for use inside a single-quoted shell word by
// closing the quote, adding an escaped quote and reopening it.
func EscapeSingleQuoted(s string) string {
	return strings.ReplaceAll(s, "'", `'\''`)
}

// Encode returns the standard base64 encoding of data.
func Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// Chunk splits s into pieces of at most size bytes. The last piece may be
// shorter. An empty s yields no chunks.
func Chunk(s string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	chunks := make([]string, 0, (len(s)+size-1)/size)
	for len(s) > size {
		chunks = append(chunks, s[:size])
		s = s[size:]
	}
	if s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}

// splitLines returns the lines of content without terminators. A trailing
// newline does not start an extra empty line.
func splitLines(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	if content == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(content, "\n"), "\n")
}
