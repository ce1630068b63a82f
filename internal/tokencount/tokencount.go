// Package tokencount estimates token counts for usage reporting. It uses the
// cl100k_base BPE vocabulary when the encoding loads, and falls back to a
// bytes/4 heuristic otherwise. Both sides of the wire treat the numbers as
// best-effort estimates.
package tokencount

import (
	"log"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func loadEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Printf("[TokenCount] cl100k_base unavailable, using byte heuristic: %v", err)
			return
		}
		encoding = enc
	})
	return encoding
}

// Count returns the token count of text. Empty text counts as zero.
func Count(text string) int {
	if text == "" {
		return 0
	}
	if enc := loadEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return fallback(text)
}

func fallback(text string) int {
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}
