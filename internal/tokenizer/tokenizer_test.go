package tokenizer

import (
	"reflect"
	"strings"
	"testing"

	"review-sentiment/internal/checkpoint"
)

var testVocab = []string{
	"[PAD]", "[UNK]", "[CLS]", "[SEP]",
	"the", "movie", "was", "great", "un", "##believ", "##able", "!", ",", "cafe", "好", "[MASK]",
}

func newTestTokenizer(t *testing.T) *Tokenizer {
	t.Helper()
	tok, err := New(testVocab, OptionsFrom(checkpoint.TokenizerConfig{}))
	if err != nil {
		t.Fatalf("new tokenizer: %v", err)
	}
	return tok
}

func TestTokenize(t *testing.T) {
	tok := newTestTokenizer(t)

	tests := []struct {
		name     string
		text     string
		expected []string
	}{
		{"lowercase and punctuation", "The movie was GREAT!", []string{"the", "movie", "was", "great", "!"}},
		{"wordpiece", "unbelievable", []string{"un", "##believ", "##able"}},
		{"unknown word", "popcorn", []string{"[UNK]"}},
		{"prefix and continuation", "unbeliev", []string{"un", "##believ"}},
		{"partial match is unknown", "unbelievx", []string{"[UNK]"}},
		{"accents stripped", "Café", []string{"cafe"}},
		{"control chars and whitespace", "the\u0000\tmovie\n", []string{"the", "movie"}},
		{"chinese split", "好好", []string{"好", "好"}},
		{"empty", "", nil},
		{"only spaces", "   ", nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tok.Tokenize(tc.text)
			if !reflect.DeepEqual(got, tc.expected) {
				t.Fatalf("expected %v got %v", tc.expected, got)
			}
		})
	}
}

func TestEncodeAddsSpecialTokens(t *testing.T) {
	tok := newTestTokenizer(t)

	enc := tok.Encode("the movie, great")
	wantTokens := []string{"[CLS]", "the", "movie", ",", "great", "[SEP]"}
	if !reflect.DeepEqual(enc.Tokens, wantTokens) {
		t.Fatalf("expected tokens %v got %v", wantTokens, enc.Tokens)
	}
	wantIDs := []int{2, 4, 5, 12, 7, 3}
	if !reflect.DeepEqual(enc.IDs, wantIDs) {
		t.Fatalf("expected ids %v got %v", wantIDs, enc.IDs)
	}
	for i, m := range enc.AttentionMask {
		if m != 1 {
			t.Fatalf("mask %d: expected 1 got %d", i, m)
		}
	}
}

func TestTokenizeKeepsSpecialTokens(t *testing.T) {
	tok := newTestTokenizer(t)

	tests := []struct {
		name     string
		text     string
		expected []string
	}{
		{"mask after word", "great [MASK]", []string{"great", "[MASK]"}},
		{"no surrounding spaces", "great[SEP]movie", []string{"great", "[SEP]", "movie"}},
		{"several specials", "[CLS][PAD] the", []string{"[CLS]", "[PAD]", "the"}},
		{"case sensitive", "[mask]", []string{"[UNK]", "[UNK]", "[UNK]"}},
		{"unknown bracket word", "[FOO]", []string{"[UNK]", "[UNK]", "[UNK]"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tok.Tokenize(tc.text)
			if !reflect.DeepEqual(got, tc.expected) {
				t.Fatalf("expected %v got %v", tc.expected, got)
			}
		})
	}

	enc := tok.Encode("great [MASK]")
	if want := []int{2, 7, 15, 3}; !reflect.DeepEqual(enc.IDs, want) {
		t.Fatalf("expected ids %v got %v", want, enc.IDs)
	}
}

func TestSpecialTokenMissingFromVocabIsText(t *testing.T) {
	tok, err := New(testVocab[:len(testVocab)-1], Options{})
	if err != nil {
		t.Fatalf("new tokenizer: %v", err)
	}
	got := tok.Tokenize("[MASK]")
	if !reflect.DeepEqual(got, []string{"[UNK]", "[UNK]", "[UNK]"}) {
		t.Fatalf("unexpected tokens %v", got)
	}
}

func TestEncodeEmpty(t *testing.T) {
	tok := newTestTokenizer(t)
	enc := tok.Encode("")
	if enc.Len() != 2 || enc.IDs[0] != 2 || enc.IDs[1] != 3 {
		t.Fatalf("expected [CLS] [SEP] got %v", enc.Tokens)
	}
}

func TestEncodeLongWordIsUnknown(t *testing.T) {
	tok := newTestTokenizer(t)
	enc := tok.Encode(strings.Repeat("a", maxInputCharsPerWord+1))
	if enc.Len() != 3 || enc.Tokens[1] != "[UNK]" {
		t.Fatalf("expected single unknown token got %v", enc.Tokens)
	}
}

func TestCasedTokenizerKeepsCase(t *testing.T) {
	lower := false
	tok, err := New(append(testVocab, "Great"), OptionsFrom(checkpoint.TokenizerConfig{DoLowerCase: &lower}))
	if err != nil {
		t.Fatalf("new tokenizer: %v", err)
	}
	got := tok.Tokenize("Great great")
	if !reflect.DeepEqual(got, []string{"Great", "great"}) {
		t.Fatalf("unexpected tokens %v", got)
	}
}

func TestNewRequiresSpecialTokens(t *testing.T) {
	if _, err := New([]string{"the", "movie"}, Options{}); err == nil {
		t.Fatalf("expected error for vocabulary without special tokens")
	}
}
