package provider

import "unicode"

// EstimateTokens approximates the token count of text by counting its
// non-whitespace characters (roughly four characters per token, matching common
// BPE tokenizer averages for English prose), rounded up so estimates never
// under-reserve. This is the one piece of this package built on the standard
// library rather than a third-party tokenizer: no BPE/tiktoken-style
// tokenizer package appears anywhere in the retrieved examples, so there is
// no ecosystem choice grounded in the corpus to adopt here (see DESIGN.md).
//
// The estimate only needs to be a conservative upper bound for the reserved
// amount passed to client.Lock; the counter settles the authoritative count
// from the provider's own usage reporting on report().
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}

	chars := 0
	for _, r := range text {
		if !unicode.IsSpace(r) {
			chars++
		}
	}

	const charsPerToken = 4
	tokens := chars / charsPerToken
	if chars%charsPerToken != 0 {
		tokens++
	}
	if tokens == 0 {
		tokens = 1
	}

	return tokens
}
