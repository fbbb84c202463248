// Package chunker splits source files into overlapping, line-aligned
// chunks suitable for embedding.
package chunker

import (
	"strings"

	"github.com/raphaelgruber/coderag/internal/models"
)

const (
	// DefaultMaxChars bounds the size of a single chunk.
	DefaultMaxChars = 10000
	// DefaultOverlap is the approximate character overlap carried from
	// the tail of one chunk into the head of the next.
	DefaultOverlap = 200
)

// Chunk splits text into line-aligned chunks of at most maxChars
// characters with roughly overlap characters of shared tail between
// consecutive chunks. Line ranges are 1-based and inclusive. Chunks
// that are empty after trimming whitespace are dropped.
func Chunk(filePath, text string, maxChars, overlap int) []models.Chunk {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if overlap < 0 || overlap >= maxChars {
		overlap = DefaultOverlap
	}

	lines := strings.Split(text, "\n")

	var chunks []models.Chunk
	start := 0
	for start < len(lines) {
		size := 0
		end := start
		for end < len(lines) {
			lineLen := len(lines[end]) + 1 // newline
			if size+lineLen > maxChars && end > start {
				break
			}
			size += lineLen
			end++
		}

		content := strings.Join(lines[start:end], "\n")
		if strings.TrimSpace(content) != "" {
			chunks = append(chunks, models.Chunk{
				FilePath:   filePath,
				Content:    content,
				StartLine:  start + 1,
				EndLine:    end,
				ChunkIndex: len(chunks),
			})
		}

		if end >= len(lines) {
			break
		}
		next := backUp(lines, end, overlap)
		if next <= start {
			// Overlap would swallow the whole chunk; advance instead.
			next = end
		}
		start = next
	}

	return chunks
}

// backUp walks backwards from end until roughly overlap characters of
// complete lines are covered, so the next chunk starts on a line
// boundary. It never backs up past the previous chunk start.
func backUp(lines []string, end, overlap int) int {
	covered := 0
	start := end
	for start > 0 && covered < overlap {
		covered += len(lines[start-1]) + 1
		start--
	}
	if start == end {
		// Zero overlap requested; continue from the break point.
		return end
	}
	return start
}
