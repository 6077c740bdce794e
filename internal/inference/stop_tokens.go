package inference

import (
	"slices"

	"github.com/samcharles93/tinystory/internal/checkpoint"
	"github.com/samcharles93/tinystory/internal/tokenizer"
)

// BuildStopTokens merges the end-of-sequence ids of the checkpoint configs
// with the tokenizer's own. Ids outside [0, vocab) are dropped.
func BuildStopTokens(tok tokenizer.Tokenizer, ck *checkpoint.Checkpoint, vocab int) []int {
	var ids []int
	if ck != nil {
		ids = append(ids, ck.EOSTokenIDs()...)
	}
	if tok != nil {
		ids = append(ids, tok.EOSID())
	}

	stop := ids[:0:0]
	for _, id := range ids {
		if id < 0 || (vocab > 0 && id >= vocab) || slices.Contains(stop, id) {
			continue
		}
		stop = append(stop, id)
	}
	return stop
}
