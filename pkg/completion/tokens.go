package completion

import (
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// CountTokens counts BPE tokens for a piece of text using the cl100k_base
// encoding. Falls back to a rune-count estimate if the tokenizer cannot be
// loaded.
func CountTokens(text string) int {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return utf8.RuneCountInString(text) / 4
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return utf8.RuneCountInString(text) / 4
	}
	return len(ids)
}
