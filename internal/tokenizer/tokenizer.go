package tokenizer

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	// Decode renders ids as text. With skipSpecial set, special tokens such
	// as end-of-text markers are left out of the result.
	Decode(ids []int, skipSpecial bool) (string, error)
	EOSID() int
	VocabSize() int
}
