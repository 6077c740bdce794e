package tokenizer

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// HFTokenizer is a byte-level BPE tokenizer loaded from a Hugging Face
// tokenizer.json.
type HFTokenizer struct {
	encoder      map[string]int
	decoder      []string
	bpeRanks     map[Pair]int
	byteEncoder  map[byte]string
	byteDecoder  map[string]byte
	splitter     *splitter
	addBOS       bool
	addEOS       bool
	bosID        int
	eosID        int
	padID        int
	unkID        int
	ignoreMerges bool
	cleanup      bool

	added      []string // added token contents, longest first
	addedIDs   map[int]struct{}
	specialIDs map[int]struct{}

	mu    sync.Mutex
	cache map[string][]string
}

type preTokenizerJSON struct {
	Type           string `json:"type"`
	AddPrefixSpace bool   `json:"add_prefix_space"`
	UseRegex       *bool  `json:"use_regex"`
	Pattern        struct {
		Regex string `json:"Regex"`
	} `json:"pattern"`
	Pretokenizers []preTokenizerJSON `json:"pretokenizers"`
}

type templatePiece struct {
	SpecialToken *struct {
		ID string `json:"id"`
	} `json:"SpecialToken"`
	Sequence *struct {
		ID string `json:"id"`
	} `json:"Sequence"`
}

type postProcessorJSON struct {
	Type          string          `json:"type"`
	Single        []templatePiece `json:"single"`
	SpecialTokens map[string]struct {
		IDs []int `json:"ids"`
	} `json:"special_tokens"`
	Processors []postProcessorJSON `json:"processors"`
}

type addedTokenJSON struct {
	ID      int    `json:"id"`
	Content string `json:"content"`
	Special bool   `json:"special"`
}

type hfTokenizerJSON struct {
	Model struct {
		Type         string         `json:"type"`
		Vocab        map[string]int `json:"vocab"`
		Merges       []any          `json:"merges"`
		IgnoreMerges bool           `json:"ignore_merges"`
		UnkToken     string         `json:"unk_token"`
	} `json:"model"`
	PreTokenizer  *preTokenizerJSON  `json:"pre_tokenizer"`
	PostProcessor *postProcessorJSON `json:"post_processor"`
	AddedTokens   []addedTokenJSON   `json:"added_tokens"`
}

type hfTokenizerConfig struct {
	AddBOS  *bool           `json:"add_bos_token"`
	AddEOS  *bool           `json:"add_eos_token"`
	BOS     json.RawMessage `json:"bos_token"`
	EOS     json.RawMessage `json:"eos_token"`
	PAD     json.RawMessage `json:"pad_token"`
	UNK     json.RawMessage `json:"unk_token"`
	Cleanup *bool           `json:"clean_up_tokenization_spaces"`
}

// LoadHF reads tokenizer.json and, when tokConfig is non-empty and exists,
// tokenizer_config.json.
func LoadHF(tokJSON, tokConfig string) (*HFTokenizer, error) {
	data, err := os.ReadFile(tokJSON)
	if err != nil {
		return nil, err
	}
	var cfg []byte
	if tokConfig != "" {
		raw, err := os.ReadFile(tokConfig)
		switch {
		case err == nil:
			cfg = raw
		case !os.IsNotExist(err):
			return nil, err
		}
	}
	return LoadHFBytes(data, cfg)
}

func LoadHFBytes(tokJSON []byte, tokConfig []byte) (*HFTokenizer, error) {
	var tj hfTokenizerJSON
	if err := json.Unmarshal(tokJSON, &tj); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}
	return build(tj, tokConfig)
}

func build(tj hfTokenizerJSON, tokConfig []byte) (*HFTokenizer, error) {
	if strings.ToUpper(tj.Model.Type) != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model: %q", tj.Model.Type)
	}
	if len(tj.Model.Vocab) == 0 {
		return nil, errors.New("empty vocab")
	}

	encoder := make(map[string]int, len(tj.Model.Vocab)+len(tj.AddedTokens))
	maxID := -1
	for tok, id := range tj.Model.Vocab {
		if id < 0 {
			return nil, fmt.Errorf("negative id for %q", tok)
		}
		encoder[tok] = id
		maxID = max(maxID, id)
	}
	for _, at := range tj.AddedTokens {
		maxID = max(maxID, at.ID)
	}
	decoder := make([]string, maxID+1)
	for tok, id := range tj.Model.Vocab {
		decoder[id] = tok
	}

	addedIDs := make(map[int]struct{}, len(tj.AddedTokens))
	specialIDs := make(map[int]struct{})
	added := make([]string, 0, len(tj.AddedTokens))
	for _, at := range tj.AddedTokens {
		if at.ID < 0 || at.Content == "" {
			continue
		}
		decoder[at.ID] = at.Content
		encoder[at.Content] = at.ID
		addedIDs[at.ID] = struct{}{}
		if at.Special {
			specialIDs[at.ID] = struct{}{}
		}
		added = append(added, at.Content)
	}
	slices.SortStableFunc(added, func(a, b string) int { return len(b) - len(a) })

	bpeRanks, err := parseMerges(tj.Model.Merges)
	if err != nil {
		return nil, err
	}

	pattern, prefixSpace := preTokenizerPattern(tj.PreTokenizer)
	sp, err := newSplitter(pattern, prefixSpace)
	if err != nil {
		return nil, err
	}

	var cfg hfTokenizerConfig
	if len(tokConfig) > 0 {
		if err := json.Unmarshal(tokConfig, &cfg); err != nil {
			return nil, fmt.Errorf("parse tokenizer_config.json: %w", err)
		}
	}

	lookup := func(raw json.RawMessage) int {
		if s := tokenContent(raw); s != "" {
			if id, ok := encoder[s]; ok {
				return id
			}
		}
		return -1
	}

	tok := &HFTokenizer{
		encoder:      encoder,
		decoder:      decoder,
		bpeRanks:     bpeRanks,
		splitter:     sp,
		bosID:        lookup(cfg.BOS),
		eosID:        lookup(cfg.EOS),
		padID:        lookup(cfg.PAD),
		unkID:        -1,
		ignoreMerges: tj.Model.IgnoreMerges,
		cleanup:      cfg.Cleanup == nil || *cfg.Cleanup,
		added:        added,
		addedIDs:     addedIDs,
		specialIDs:   specialIDs,
		cache:        make(map[string][]string),
	}
	tok.byteEncoder, tok.byteDecoder = bytesToUnicode()
	if id, ok := encoder[tj.Model.UnkToken]; ok && tj.Model.UnkToken != "" {
		tok.unkID = id
	}
	if tj.PostProcessor != nil {
		tok.applyTemplate(*tj.PostProcessor, encoder)
	}
	if cfg.AddBOS != nil {
		tok.addBOS = *cfg.AddBOS
	}
	if cfg.AddEOS != nil {
		tok.addEOS = *cfg.AddEOS
	}

	// GPT-2 style checkpoints name a single <|endoftext|> token that serves
	// as BOS, EOS and PAD.
	if tok.eosID < 0 {
		if id, ok := encoder[endOfText]; ok {
			tok.eosID = id
		}
	}
	if tok.bosID < 0 && tok.addBOS {
		tok.addBOS = false
	}
	return tok, nil
}

func parseMerges(raw []any) (map[Pair]int, error) {
	ranks := make(map[Pair]int, len(raw))
	rank := 0
	for i, m := range raw {
		var p Pair
		switch v := m.(type) {
		case string:
			line := strings.TrimSpace(v)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			a, b, ok := strings.Cut(line, " ")
			if !ok || strings.Contains(b, " ") {
				return nil, fmt.Errorf("merge %d: malformed %q", i, v)
			}
			p = Pair{A: a, B: b}
		case []any:
			if len(v) != 2 {
				return nil, fmt.Errorf("merge %d: want 2 parts, have %d", i, len(v))
			}
			a, aok := v[0].(string)
			b, bok := v[1].(string)
			if !aok || !bok {
				return nil, fmt.Errorf("merge %d: non-string part", i)
			}
			p = Pair{A: a, B: b}
		default:
			return nil, fmt.Errorf("merge %d: unexpected type %T", i, m)
		}
		if _, ok := ranks[p]; !ok {
			ranks[p] = rank
			rank++
		}
	}
	return ranks, nil
}

// preTokenizerPattern walks the pre-tokenizer tree and returns the split
// regex plus whether a ByteLevel step adds a prefix space.
func preTokenizerPattern(pre *preTokenizerJSON) (string, bool) {
	if pre == nil {
		return gpt2Pattern, false
	}
	var pattern string
	var prefixSpace, byteLevelRegex bool
	var walk func(p preTokenizerJSON)
	walk = func(p preTokenizerJSON) {
		switch p.Type {
		case "Sequence":
			for _, child := range p.Pretokenizers {
				walk(child)
			}
		case "Split":
			if pattern == "" {
				pattern = p.Pattern.Regex
			}
		case "ByteLevel":
			prefixSpace = prefixSpace || p.AddPrefixSpace
			if p.UseRegex == nil || *p.UseRegex {
				byteLevelRegex = true
			}
		}
	}
	walk(*pre)
	if pattern == "" && byteLevelRegex {
		pattern = gpt2Pattern
	}
	return pattern, prefixSpace
}

// applyTemplate derives BOS/EOS insertion from a TemplateProcessing
// post-processor: special tokens before the sequence are BOS, after it EOS.
func (t *HFTokenizer) applyTemplate(pp postProcessorJSON, encoder map[string]int) {
	if pp.Type == "Sequence" {
		for _, p := range pp.Processors {
			t.applyTemplate(p, encoder)
		}
		return
	}
	if pp.Type != "TemplateProcessing" {
		return
	}
	seen := false
	for _, piece := range pp.Single {
		switch {
		case piece.Sequence != nil:
			seen = true
		case piece.SpecialToken != nil:
			id, ok := encoder[piece.SpecialToken.ID]
			if spec, found := pp.SpecialTokens[piece.SpecialToken.ID]; found && len(spec.IDs) > 0 {
				id, ok = spec.IDs[0], true
			}
			if !ok {
				continue
			}
			if seen {
				t.eosID, t.addEOS = id, true
			} else {
				t.bosID, t.addBOS = id, true
			}
		}
	}
}

// tokenContent accepts both the plain string and the AddedToken object forms
// used in tokenizer_config.json.
func tokenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Content
	}
	return ""
}

func (t *HFTokenizer) Encode(text string) ([]int, error) {
	var ids []int
	if t.addBOS {
		ids = append(ids, t.bosID)
	}
	for _, part := range splitSpecials(text, t.added) {
		if part.isSpecial {
			ids = append(ids, t.encoder[part.text])
			continue
		}
		for _, piece := range t.splitter.split(part.text) {
			for _, bpeTok := range t.bpe(t.byteEncode(piece)) {
				id, ok := t.encoder[bpeTok]
				if !ok {
					if t.unkID >= 0 {
						ids = append(ids, t.unkID)
						continue
					}
					return nil, fmt.Errorf("unknown token: %q", bpeTok)
				}
				ids = append(ids, id)
			}
		}
	}
	if t.addEOS && t.eosID >= 0 {
		ids = append(ids, t.eosID)
	}
	return ids, nil
}

func (t *HFTokenizer) Decode(ids []int, skipSpecial bool) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		if _, ok := t.specialIDs[id]; ok && skipSpecial {
			continue
		}
		token := t.decoder[id]
		if _, ok := t.addedIDs[id]; ok {
			b = append(b, token...)
			continue
		}
		for _, r := range token {
			if by, ok := t.byteDecoder[string(r)]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
	}
	s := strings.ToValidUTF8(string(b), "\uFFFD")
	if t.cleanup {
		s = cleanUpTokenizationSpaces(s)
	}
	return s, nil
}

var cleanupRules = [][2]string{
	{" .", "."}, {" ?", "?"}, {" !", "!"}, {" ,", ","}, {" ' ", "'"},
	{" n't", "n't"}, {" 'm", "'m"}, {" 's", "'s"}, {" 've", "'ve"}, {" 're", "'re"},
}

// cleanUpTokenizationSpaces removes the spaces that word-level tokenizers
// leave before punctuation and English contractions.
func cleanUpTokenizationSpaces(s string) string {
	for _, r := range cleanupRules {
		s = strings.ReplaceAll(s, r[0], r[1])
	}
	return s
}

func (t *HFTokenizer) BOSID() int     { return t.bosID }
func (t *HFTokenizer) EOSID() int     { return t.eosID }
func (t *HFTokenizer) PadID() int     { return t.padID }
func (t *HFTokenizer) AddBOS() bool   { return t.addBOS }
func (t *HFTokenizer) AddEOS() bool   { return t.addEOS }
func (t *HFTokenizer) VocabSize() int { return len(t.decoder) }

func (t *HFTokenizer) IsSpecial(id int) bool {
	_, ok := t.specialIDs[id]
	return ok
}

func (t *HFTokenizer) TokenString(id int) string {
	if id < 0 || id >= len(t.decoder) {
		return ""
	}
	return t.decoder[id]
}

func (t *HFTokenizer) byteEncode(s string) string {
	var b strings.Builder
	for _, by := range []byte(s) {
		b.WriteString(t.byteEncoder[by])
	}
	return b.String()
}

func (t *HFTokenizer) bpe(token string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.cache[token]; ok {
		return v
	}
	if t.ignoreMerges {
		if _, ok := t.encoder[token]; ok {
			out := []string{token}
			t.cache[token] = out
			return out
		}
	}
	word := splitRunes(token)
	pairs := getPairs(word)
	for len(pairs) > 0 {
		bestRank := int(^uint(0) >> 1)
		bestPair := Pair{}
		found := false
		for p := range pairs {
			if rank, ok := t.bpeRanks[p]; ok && rank < bestRank {
				bestRank = rank
				bestPair = p
				found = true
			}
		}
		if !found {
			break
		}
		word = mergePair(word, bestPair)
		if len(word) == 1 {
			break
		}
		pairs = getPairs(word)
	}
	t.cache[token] = word
	return word
}
