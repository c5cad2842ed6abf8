// Package chunker splits extracted document text into overlapping windows.
package chunker

import "strings"

const MinChunkSize = 200

// separators in decreasing break quality.
var separators = [][]rune{
	[]rune("\n\n"),
	[]rune("\n"),
	[]rune(". "),
}

// Split cuts text into character windows of chunkSize with chunkOverlap characters
// shared between neighbours. Cuts prefer paragraph, line and sentence breaks.
func Split(text string, chunkSize, chunkOverlap int) []string {
	if chunkSize < MinChunkSize {
		chunkSize = MinChunkSize
	}
	if chunkOverlap < 0 {
		chunkOverlap = 0
	}
	if chunkOverlap > chunkSize/2 {
		chunkOverlap = chunkSize / 2
	}

	runes := []rune(text)
	n := len(runes)
	var chunks []string

	start := 0
	for start < n {
		end := start + chunkSize
		if end > n {
			end = n
		}

		cut := end
		if end < n {
			if bp := breakPoint(runes[start:end]); bp > chunkOverlap {
				cut = start + bp
			}
		}

		if chunk := strings.TrimSpace(string(runes[start:cut])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if cut >= n {
			break
		}

		next := cut - chunkOverlap
		if next <= start {
			next = start + chunkSize - chunkOverlap
		}
		start = next
	}
	return chunks
}

// breakPoint returns the offset just past the last occurrence of the best
// separator present in window, or -1.
func breakPoint(window []rune) int {
	for _, sep := range separators {
		if i := lastIndex(window, sep); i >= 0 {
			return i + len(sep)
		}
	}
	return -1
}

func lastIndex(s, sep []rune) int {
	for i := len(s) - len(sep); i >= 0; i-- {
		match := true
		for j := range sep {
			if s[i+j] != sep[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
