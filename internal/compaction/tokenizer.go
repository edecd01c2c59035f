package compaction

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// tokenEncoding is lazily initialized on first use and cached for the
// process lifetime; cl100k_base is the encoding shared by GPT-4/3.5-class
// models and close enough to Anthropic/Google tokenization for budgeting
// purposes, matching the original implementation's encoder choice.
var (
	tokenEncodingOnce sync.Once
	tokenEncoding     *tiktoken.Tiktoken
)

func loadTokenEncoding() *tiktoken.Tiktoken {
	tokenEncodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			tokenEncoding = nil
			return
		}
		tokenEncoding = enc
	})
	return tokenEncoding
}

// countTokens returns an exact BPE token count for text when the cl100k_base
// encoder is available, falling back to the ceil(chars/4) heuristic when it
// is not (e.g. the encoder's ranks file failed to load offline).
func countTokens(text string) int {
	if text == "" {
		return 0
	}
	if enc := loadTokenEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}
