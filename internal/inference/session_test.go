package inference

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/tinystory/internal/backend"
	"github.com/samcharles93/tinystory/internal/checkpoint"
	"github.com/samcharles93/tinystory/internal/checkpoint/checkpointtest"
	"github.com/samcharles93/tinystory/internal/logger"
	"github.com/samcharles93/tinystory/internal/tokenizer"
	"github.com/samcharles93/tinystory/internal/tokenizer/tokenizertest"
)

func plenty() (backend.Memory, error) {
	return backend.Memory{Total: 1 << 40, Available: 1 << 40}, nil
}

// storyToken returns the single id the story tokenizer assigns to word.
func storyToken(t *testing.T, word string) int {
	t.Helper()
	tok, err := tokenizer.LoadHFBytes(tokenizertest.JSON(tokenizertest.StoryMerges), tokenizertest.ConfigJSON())
	require.NoError(t, err)
	ids, err := tok.Encode(word)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	return ids[0]
}

func testOptions(dir string) Options {
	return Options{
		ModelDir: dir,
		Backend:  "auto",
		Probe:    backend.Static{Reason: "test host"},
		Memory:   plenty,
		Logger:   logger.Discard(),
	}
}

func openSession(t *testing.T, opts checkpointtest.Options) *Session {
	t.Helper()
	s, err := Open(context.Background(), testOptions(checkpointtest.Write(t, opts)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoryEndToEnd(t *testing.T) {
	t.Parallel()
	you := storyToken(t, " you")
	dir := checkpointtest.Write(t, checkpointtest.Options{Favor: you})

	var out bytes.Buffer
	res, err := Story(context.Background(), testOptions(dir), RequestOptions{}, &out)
	require.NoError(t, err)

	want := DefaultPrompt + strings.Repeat(" you", DefaultMaxLength-4)
	assert.Equal(t, "Generated Story: "+want+"\n", out.String())
	assert.Equal(t, want, res.Text)
	assert.Len(t, res.IDs, DefaultMaxLength)
	assert.Equal(t, StopLength, res.Stats.StopReason)
	assert.Equal(t, backend.CPU, res.Encoding.Device)
}

func TestStoryVocabMergesTokenizer(t *testing.T) {
	t.Parallel()
	you := storyToken(t, " you")
	fast := checkpointtest.Write(t, checkpointtest.Options{Favor: you})
	slow := checkpointtest.Write(t, checkpointtest.Options{Favor: you, SlowTokenizer: true})

	var want, got bytes.Buffer
	_, err := Story(context.Background(), testOptions(fast), RequestOptions{MaxLength: ptr(12)}, &want)
	require.NoError(t, err)
	res, err := Story(context.Background(), testOptions(slow), RequestOptions{MaxLength: ptr(12)}, &got)
	require.NoError(t, err)

	assert.Equal(t, want.String(), got.String())
	assert.Len(t, res.IDs, 12)
}

func TestStoryOutputProperties(t *testing.T) {
	t.Parallel()
	s := openSession(t, checkpointtest.Options{Favor: storyToken(t, " are")})

	req := ResolveRequest(RequestOptions{}, s.Defaults)
	first, err := s.Generate(context.Background(), req, nil)
	require.NoError(t, err)
	second, err := s.Generate(context.Background(), req, nil)
	require.NoError(t, err)

	assert.Equal(t, first.Text, second.Text, "greedy output must be reproducible")
	assert.True(t, strings.HasPrefix(first.Text, DefaultPrompt))
	assert.NotEqual(t, DefaultPrompt, first.Text)

	again, err := s.Encode(first.Text)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(again.IDs), DefaultMaxLength)
}

func TestStoryStopsAtEndOfText(t *testing.T) {
	t.Parallel()
	s := openSession(t, checkpointtest.Options{Favor: checkpointtest.EOS()})

	res, err := s.Generate(context.Background(), ResolveRequest(RequestOptions{}, s.Defaults), nil)
	require.NoError(t, err)
	assert.Equal(t, StopEOS, res.Stats.StopReason)
	assert.Equal(t, checkpointtest.EOS(), res.IDs[len(res.IDs)-1])
	assert.Equal(t, DefaultPrompt, res.Text, "special tokens are elided")
}

func TestStoryGPTNeo(t *testing.T) {
	t.Parallel()
	you := storyToken(t, " you")
	s := openSession(t, checkpointtest.Options{Family: checkpoint.FamilyGPTNeo, Layers: 3, Favor: you})

	res, err := s.Generate(context.Background(), ResolveRequest(RequestOptions{MaxLength: ptr(8)}, s.Defaults), nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultPrompt+strings.Repeat(" you", 4), res.Text)
	assert.Equal(t, EngineNative, s.Engine)
	assert.Equal(t, checkpoint.FamilyGPTNeo, s.Summary().ModelType)
}

func TestStoryStreaming(t *testing.T) {
	t.Parallel()
	s := openSession(t, checkpointtest.Options{Favor: storyToken(t, " you")})

	var deltas []string
	res, err := s.Generate(context.Background(), ResolveRequest(RequestOptions{MaxLength: ptr(7)}, s.Defaults),
		func(delta string) error {
			deltas = append(deltas, delta)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{" you", " you", " you"}, deltas)
	assert.Equal(t, res.Text, DefaultPrompt+strings.Join(deltas, ""))
}

func TestStoryPromptAtLimit(t *testing.T) {
	t.Parallel()
	s := openSession(t, checkpointtest.Options{Favor: storyToken(t, " you")})

	res, err := s.Generate(context.Background(), ResolveRequest(RequestOptions{MaxLength: ptr(4)}, s.Defaults), nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultPrompt, res.Text)
	assert.Zero(t, res.Stats.TokensGenerated)
}

func TestStoryMissingDirectory(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	_, err := Story(context.Background(), testOptions(filepath.Join(t.TempDir(), "nope")), RequestOptions{}, &out)

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Empty(t, out.String())
}

func TestOpenLoadErrors(t *testing.T) {
	t.Parallel()

	empty := t.TempDir()

	noTokenizer := checkpointtest.Write(t, checkpointtest.Options{})
	require.NoError(t, os.Remove(filepath.Join(noTokenizer, checkpoint.TokenizerFile)))

	badTokenizer := checkpointtest.Write(t, checkpointtest.Options{})
	require.NoError(t, os.WriteFile(filepath.Join(badTokenizer, checkpoint.TokenizerFile), []byte("{"), 0o644))

	smallVocab := checkpointtest.Write(t, checkpointtest.Options{})
	cfg := checkpointtest.ConfigJSON(checkpointtest.Options{})
	cfg["vocab_size"] = 100
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(smallVocab, checkpoint.ConfigFile), raw, 0o644))

	truncated := checkpointtest.Write(t, checkpointtest.Options{})
	require.NoError(t, os.WriteFile(filepath.Join(truncated, checkpoint.SafetensorsFile), []byte{1, 2, 3}, 0o644))

	negative := checkpointtest.Write(t, checkpointtest.Options{})
	header := []byte(`{"wte.weight":{"dtype":"F32","shape":[1],"data_offsets":[-4096,4]}}`)
	raw = binary.LittleEndian.AppendUint64(nil, uint64(len(header)))
	raw = append(append(raw, header...), make([]byte, 4)...)
	require.NoError(t, os.WriteFile(filepath.Join(negative, checkpoint.SafetensorsFile), raw, 0o644))

	for name, dir := range map[string]string{
		"empty":           empty,
		"no tokenizer":    noTokenizer,
		"bad tokenizer":   badTokenizer,
		"small vocab":     smallVocab,
		"truncated":       truncated,
		"negative offset": negative,
		"blank path":      "",
	} {
		_, err := Open(context.Background(), testOptions(dir))
		var loadErr *LoadError
		assert.True(t, errors.As(err, &loadErr), "%s: %v", name, err)
	}
}

func TestOpenResourceErrors(t *testing.T) {
	t.Parallel()
	dir := checkpointtest.Write(t, checkpointtest.Options{})

	tight := testOptions(dir)
	tight.Memory = func() (backend.Memory, error) { return backend.Memory{Total: 1024, Available: 16}, nil }
	_, err := Open(context.Background(), tight)
	var resErr *ResourceError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, backend.CPU, resErr.Device)
	var mem *backend.InsufficientMemoryError
	assert.ErrorAs(t, err, &mem)

	cuda := testOptions(dir)
	cuda.Backend = "cuda"
	_, err = Open(context.Background(), cuda)
	require.ErrorAs(t, err, &resErr)
	assert.ErrorIs(t, err, backend.ErrAcceleratorUnavailable)

	// An accelerator is present but the checkpoint has no onnx export.
	cudaNoExport := testOptions(dir)
	cudaNoExport.Backend = "cuda"
	cudaNoExport.Probe = backend.Static{Runtime: true, Accelerator: true}
	_, err = Open(context.Background(), cudaNoExport)
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, backend.CUDA, resErr.Device)
}

func TestOpenFallsBackToCPU(t *testing.T) {
	t.Parallel()
	opts := testOptions(checkpointtest.Write(t, checkpointtest.Options{}))
	opts.Probe = backend.Static{Runtime: true, Accelerator: true}

	s, err := Open(context.Background(), opts)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, backend.CPU, s.Device)
	assert.Equal(t, EngineNative, s.Engine)
}

func TestOpenUnknownMemoryIsNotFatal(t *testing.T) {
	t.Parallel()
	opts := testOptions(checkpointtest.Write(t, checkpointtest.Options{}))
	opts.Memory = func() (backend.Memory, error) { return backend.Memory{}, backend.ErrMemoryUnknown }

	s, err := Open(context.Background(), opts)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestEncode(t *testing.T) {
	t.Parallel()
	s := openSession(t, checkpointtest.Options{})

	enc, err := s.Encode(DefaultPrompt)
	require.NoError(t, err)
	assert.Equal(t, []int{storyToken(t, "how"), storyToken(t, " you"), storyToken(t, " are"), ','}, enc.IDs)
	assert.Equal(t, []int{1, 1, 1, 1}, enc.AttentionMask)
	assert.Equal(t, backend.CPU, enc.Device)

	_, err = s.Encode("")
	require.Error(t, err)
}

func TestGenerateAfterClose(t *testing.T) {
	t.Parallel()
	s := openSession(t, checkpointtest.Options{})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Generate(context.Background(), ResolveRequest(RequestOptions{}, s.Defaults), nil)
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
}

func TestGenerateEmptyPrompt(t *testing.T) {
	t.Parallel()
	s := openSession(t, checkpointtest.Options{})
	_, err := s.Generate(context.Background(), ResolveRequest(RequestOptions{Prompt: ptr("")}, s.Defaults), nil)
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
}

func TestSessionUsesGenerationConfig(t *testing.T) {
	t.Parallel()
	s := openSession(t, checkpointtest.Options{
		Generation: `{"do_sample": true, "top_k": 1, "eos_token_id": 3}`,
	})
	assert.True(t, s.Defaults.DoSample)
	require.NotNil(t, s.Defaults.TopK)
	assert.Equal(t, 1, *s.Defaults.TopK)
	assert.Equal(t, []int{3, checkpointtest.EOS()}, s.StopTokens)
}
