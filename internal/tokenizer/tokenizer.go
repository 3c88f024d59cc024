package tokenizer

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"review-sentiment/internal/checkpoint"
)

const (
	defaultUnk  = "[UNK]"
	defaultCls  = "[CLS]"
	defaultSep  = "[SEP]"
	defaultPad  = "[PAD]"
	defaultMask = "[MASK]"

	maxInputCharsPerWord = 100
	continuationPrefix   = "##"
)

// Encoding is the model input derived from one review.
type Encoding struct {
	IDs           []int
	AttentionMask []int
	Tokens        []string
}

// Len returns the number of positions including special tokens.
func (e Encoding) Len() int {
	return len(e.IDs)
}

// Options controls text normalisation before WordPiece.
type Options struct {
	LowerCase    bool
	StripAccents bool
	ChineseChars bool
	UnkToken     string
	ClsToken     string
	SepToken     string
	PadToken     string
	MaskToken    string
}

// OptionsFrom maps tokenizer_config.json settings onto Options.
func OptionsFrom(cfg checkpoint.TokenizerConfig) Options {
	return Options{
		LowerCase:    cfg.LowerCase(),
		StripAccents: cfg.StripAccentsEnabled(),
		ChineseChars: cfg.ChineseChars(),
		UnkToken:     string(cfg.UnkToken),
		ClsToken:     string(cfg.ClsToken),
		SepToken:     string(cfg.SepToken),
		PadToken:     string(cfg.PadToken),
		MaskToken:    string(cfg.MaskToken),
	}
}

// Tokenizer is a BERT WordPiece tokenizer. It holds no mutable state after
// construction and may be shared between goroutines.
type Tokenizer struct {
	ids      map[string]int
	opts     Options
	unkID    int
	clsID    int
	sepID    int
	specials []string
}

// New builds a tokenizer over vocab, where a token's id is its index.
func New(vocab []string, opts Options) (*Tokenizer, error) {
	if opts.UnkToken == "" {
		opts.UnkToken = defaultUnk
	}
	if opts.ClsToken == "" {
		opts.ClsToken = defaultCls
	}
	if opts.SepToken == "" {
		opts.SepToken = defaultSep
	}
	if opts.PadToken == "" {
		opts.PadToken = defaultPad
	}
	if opts.MaskToken == "" {
		opts.MaskToken = defaultMask
	}

	ids := make(map[string]int, len(vocab))
	for i, tok := range vocab {
		ids[tok] = i
	}
	tok := &Tokenizer{ids: ids, opts: opts}
	for _, special := range []struct {
		name string
		dst  *int
	}{
		{opts.UnkToken, &tok.unkID},
		{opts.ClsToken, &tok.clsID},
		{opts.SepToken, &tok.sepID},
	} {
		id, ok := ids[special.name]
		if !ok {
			return nil, fmt.Errorf("special token %s missing from vocabulary", special.name)
		}
		*special.dst = id
	}

	seen := make(map[string]struct{})
	for _, name := range []string{opts.UnkToken, opts.ClsToken, opts.SepToken, opts.PadToken, opts.MaskToken} {
		if _, ok := ids[name]; !ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		tok.specials = append(tok.specials, name)
	}
	sort.Slice(tok.specials, func(i, j int) bool { return len(tok.specials[i]) > len(tok.specials[j]) })
	return tok, nil
}

// Encode wraps the WordPiece tokens of text in [CLS] ... [SEP]. No truncation
// or padding is applied, so every attention mask entry is 1.
func (t *Tokenizer) Encode(text string) Encoding {
	pieces := t.Tokenize(text)
	enc := Encoding{
		IDs:           make([]int, 0, len(pieces)+2),
		AttentionMask: make([]int, 0, len(pieces)+2),
		Tokens:        make([]string, 0, len(pieces)+2),
	}
	push := func(tok string, id int) {
		enc.Tokens = append(enc.Tokens, tok)
		enc.IDs = append(enc.IDs, id)
		enc.AttentionMask = append(enc.AttentionMask, 1)
	}

	push(t.opts.ClsToken, t.clsID)
	for _, piece := range pieces {
		id, ok := t.ids[piece]
		if !ok {
			piece, id = t.opts.UnkToken, t.unkID
		}
		push(piece, id)
	}
	push(t.opts.SepToken, t.sepID)
	return enc
}

// Tokenize returns WordPiece tokens for text. Special tokens typed verbatim in
// the text, such as [MASK], are kept whole and skip normalisation; the
// surrounding [CLS] and [SEP] are not added.
func (t *Tokenizer) Tokenize(text string) []string {
	var out []string
	for _, seg := range t.splitSpecial(text) {
		if seg.special {
			out = append(out, seg.text)
			continue
		}
		for _, word := range t.basicTokenize(seg.text) {
			out = append(out, t.wordPiece(word)...)
		}
	}
	return out
}

type segment struct {
	text    string
	special bool
}

// splitSpecial cuts text around exact, case-sensitive occurrences of the
// special tokens, longest first.
func (t *Tokenizer) splitSpecial(text string) []segment {
	var segs []segment
	start := 0
	for i := 0; i < len(text); {
		matched := ""
		for _, sp := range t.specials {
			if strings.HasPrefix(text[i:], sp) {
				matched = sp
				break
			}
		}
		if matched == "" {
			i++
			continue
		}
		if start < i {
			segs = append(segs, segment{text: text[start:i]})
		}
		segs = append(segs, segment{text: matched, special: true})
		i += len(matched)
		start = i
	}
	if start < len(text) {
		segs = append(segs, segment{text: text[start:]})
	}
	return segs
}

func (t *Tokenizer) basicTokenize(text string) []string {
	text = cleanText(text)
	if t.opts.ChineseChars {
		text = padChineseChars(text)
	}

	var accents transform.Transformer
	if t.opts.StripAccents {
		accents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)))
	}

	var words []string
	for _, token := range strings.Fields(text) {
		if t.opts.LowerCase {
			token = strings.ToLower(token)
		}
		if accents != nil {
			if stripped, _, err := transform.String(accents, token); err == nil {
				token = stripped
			}
			accents.Reset()
		}
		words = append(words, splitPunctuation(token)...)
	}
	return words
}

// wordPiece applies greedy longest-match-first segmentation. A word that
// cannot be fully segmented becomes a single unknown token.
func (t *Tokenizer) wordPiece(word string) []string {
	chars := []rune(word)
	if len(chars) > maxInputCharsPerWord {
		return []string{t.opts.UnkToken}
	}

	var pieces []string
	start := 0
	for start < len(chars) {
		end := len(chars)
		match := ""
		for start < end {
			candidate := string(chars[start:end])
			if start > 0 {
				candidate = continuationPrefix + candidate
			}
			if _, ok := t.ids[candidate]; ok {
				match = candidate
				break
			}
			end--
		}
		if match == "" {
			return []string{t.opts.UnkToken}
		}
		pieces = append(pieces, match)
		start = end
	}
	return pieces
}

func cleanText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == 0 || r == utf8.RuneError || isControl(r) {
			continue
		}
		if isWhitespace(r) {
			b.WriteByte(' ')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func padChineseChars(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if isChineseChar(r) {
			b.WriteByte(' ')
			b.WriteRune(r)
			b.WriteByte(' ')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func splitPunctuation(token string) []string {
	var out []string
	var current []rune
	for _, r := range token {
		if isPunctuation(r) {
			if len(current) > 0 {
				out = append(out, string(current))
				current = current[:0]
			}
			out = append(out, string(r))
			continue
		}
		current = append(current, r)
	}
	if len(current) > 0 {
		out = append(out, string(current))
	}
	return out
}

func isWhitespace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return unicode.Is(unicode.Zs, r)
}

func isControl(r rune) bool {
	switch r {
	case '\t', '\n', '\r':
		return false
	}
	return unicode.In(r, unicode.Cc, unicode.Cf)
}

// isPunctuation treats every non-alphanumeric ASCII symbol as punctuation,
// matching BERT, in addition to the Unicode P categories.
func isPunctuation(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

func isChineseChar(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2B73F) ||
		(r >= 0x2B740 && r <= 0x2B81F) ||
		(r >= 0x2B820 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}
