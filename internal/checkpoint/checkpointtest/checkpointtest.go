// Package checkpointtest writes tiny, hand-weighted sentiment checkpoints for tests.
//
// The weights are chosen so the classifier is interpretable: words from
// PositiveWords push hidden unit 2, words from NegativeWords push hidden unit
// 3, attention is uniform and the classifier reads unit 2 as the positive logit
// and unit 3 as the negative logit. A review therefore classifies by which list
// contributes more tokens; ties and neutral text land on class 0.
package checkpointtest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"review-sentiment/internal/checkpoint"
)

const (
	dim    = 4
	heads  = 2
	hidden = 8
)

// PositiveWords and NegativeWords carry sentiment in the generated checkpoint.
var (
	PositiveWords = []string{"great", "wonderful", "loved", "brilliant", "masterpiece"}
	NegativeWords = []string{"awful", "terrible", "boring", "hated", "worst"}
)

var neutralWords = []string{
	"the", "a", "movie", "film", "was", "is", "it", "this", "i", "and", "acting", "plot",
	"un", "##believ", "##able", ",", ".", "!",
}

// Options tweaks the generated checkpoint.
type Options struct {
	// Layers defaults to 1.
	Layers int
	// MaxPosition defaults to 32.
	MaxPosition int
	// ModelMaxLength is written to tokenizer_config.json; it defaults to
	// MaxPosition.
	ModelMaxLength int
	// ClassifierBias is added to the two logits.
	ClassifierBias [2]float32
	// SkipTokenizerConfig leaves tokenizer_config.json out of the directory.
	SkipTokenizerConfig bool
	// Omit lists checkpoint files that should not be written.
	Omit []string
}

// Vocab returns the vocabulary written to vocab.txt.
func Vocab() []string {
	vocab := []string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]"}
	vocab = append(vocab, neutralWords...)
	vocab = append(vocab, PositiveWords...)
	vocab = append(vocab, NegativeWords...)
	return vocab
}

// Write creates a checkpoint directory under t.TempDir and returns its path.
func Write(t testing.TB, opts Options) string {
	t.Helper()
	if opts.Layers <= 0 {
		opts.Layers = 1
	}
	if opts.MaxPosition <= 0 {
		opts.MaxPosition = 32
	}
	if opts.ModelMaxLength <= 0 {
		opts.ModelMaxLength = opts.MaxPosition
	}
	dir := t.TempDir()
	omit := make(map[string]struct{}, len(opts.Omit))
	for _, name := range opts.Omit {
		omit[name] = struct{}{}
	}
	skip := func(name string) bool {
		_, ok := omit[name]
		return ok
	}

	vocab := Vocab()
	if !skip(checkpoint.VocabFile) {
		writeFile(t, filepath.Join(dir, checkpoint.VocabFile), []byte(strings.Join(vocab, "\n")+"\n"))
	}

	if !skip(checkpoint.ConfigFile) {
		writeJSON(t, filepath.Join(dir, checkpoint.ConfigFile), map[string]any{
			"model_type":              "distilbert",
			"vocab_size":              len(vocab),
			"dim":                     dim,
			"n_layers":                opts.Layers,
			"n_heads":                 heads,
			"hidden_dim":              hidden,
			"max_position_embeddings": opts.MaxPosition,
			"activation":              "gelu",
			"id2label":                map[string]string{"0": "NEGATIVE", "1": "POSITIVE"},
		})
	}

	if !opts.SkipTokenizerConfig && !skip(checkpoint.TokenizerConfigFile) {
		writeJSON(t, filepath.Join(dir, checkpoint.TokenizerConfigFile), map[string]any{
			"do_lower_case":    true,
			"model_max_length": opts.ModelMaxLength,
			"unk_token":        "[UNK]",
			"cls_token":        "[CLS]",
			"sep_token":        "[SEP]",
			"pad_token":        "[PAD]",
			"mask_token":       "[MASK]",
		})
	}

	if !skip(checkpoint.WeightsFile) {
		tensors := Tensors(vocab, opts)
		if err := checkpoint.WriteSafetensors(filepath.Join(dir, checkpoint.WeightsFile), tensors); err != nil {
			t.Fatalf("write safetensors: %v", err)
		}
	}
	return dir
}

// Tensors builds the weight set described in the package documentation.
func Tensors(vocab []string, opts Options) map[string]*checkpoint.Tensor {
	positive := wordSet(PositiveWords)
	negative := wordSet(NegativeWords)

	words := zeros(len(vocab), dim)
	for i, tok := range vocab {
		if _, ok := positive[tok]; ok {
			words.Data[i*dim+2] = 1
		}
		if _, ok := negative[tok]; ok {
			words.Data[i*dim+3] = 1
		}
	}

	tensors := map[string]*checkpoint.Tensor{
		"distilbert.embeddings.word_embeddings.weight":     words,
		"distilbert.embeddings.position_embeddings.weight": zeros(opts.MaxPosition, dim),
		"distilbert.embeddings.LayerNorm.weight":           ones(dim),
		"distilbert.embeddings.LayerNorm.bias":             zeros(dim),
		"pre_classifier.weight":                            identity(dim),
		"pre_classifier.bias":                              zeros(dim),
	}

	classifier := zeros(2, dim)
	classifier.Data[0*dim+3] = 1
	classifier.Data[1*dim+2] = 1
	tensors["classifier.weight"] = classifier
	tensors["classifier.bias"] = &checkpoint.Tensor{Shape: []int{2}, Data: []float32{opts.ClassifierBias[0], opts.ClassifierBias[1]}}

	for l := 0; l < opts.Layers; l++ {
		prefix := "distilbert.transformer.layer." + strconv.Itoa(l) + "."
		for _, lin := range []string{"q_lin", "k_lin"} {
			tensors[prefix+"attention."+lin+".weight"] = zeros(dim, dim)
			tensors[prefix+"attention."+lin+".bias"] = zeros(dim)
		}
		for _, lin := range []string{"v_lin", "out_lin"} {
			tensors[prefix+"attention."+lin+".weight"] = identity(dim)
			tensors[prefix+"attention."+lin+".bias"] = zeros(dim)
		}
		tensors[prefix+"sa_layer_norm.weight"] = ones(dim)
		tensors[prefix+"sa_layer_norm.bias"] = zeros(dim)
		tensors[prefix+"ffn.lin1.weight"] = zeros(hidden, dim)
		tensors[prefix+"ffn.lin1.bias"] = zeros(hidden)
		tensors[prefix+"ffn.lin2.weight"] = zeros(dim, hidden)
		tensors[prefix+"ffn.lin2.bias"] = zeros(dim)
		tensors[prefix+"output_layer_norm.weight"] = ones(dim)
		tensors[prefix+"output_layer_norm.bias"] = zeros(dim)
	}
	return tensors
}

func zeros(shape ...int) *checkpoint.Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &checkpoint.Tensor{Shape: shape, Data: make([]float32, n)}
}

func ones(n int) *checkpoint.Tensor {
	t := zeros(n)
	for i := range t.Data {
		t.Data[i] = 1
	}
	return t
}

func identity(n int) *checkpoint.Tensor {
	t := zeros(n, n)
	for i := 0; i < n; i++ {
		t.Data[i*n+i] = 1
	}
	return t
}

func wordSet(words []string) map[string]struct{} {
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}

func writeJSON(t testing.TB, path string, value any) {
	t.Helper()
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		t.Fatalf("marshal %s: %v", filepath.Base(path), err)
	}
	writeFile(t, path, data)
}

func writeFile(t testing.TB, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", filepath.Base(path), err)
	}
}
