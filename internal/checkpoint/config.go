package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// ModelConfig mirrors the fields of a DistilBERT config.json that the forward
// pass needs.
type ModelConfig struct {
	ModelType             string            `json:"model_type"`
	VocabSize             int               `json:"vocab_size"`
	Dim                   int               `json:"dim"`
	Layers                int               `json:"n_layers"`
	Heads                 int               `json:"n_heads"`
	HiddenDim             int               `json:"hidden_dim"`
	MaxPositionEmbeddings int               `json:"max_position_embeddings"`
	Activation            string            `json:"activation"`
	ID2Label              map[string]string `json:"id2label"`
}

// TokenizerConfig carries the optional tokenizer_config.json settings.
type TokenizerConfig struct {
	DoLowerCase          *bool        `json:"do_lower_case"`
	StripAccents         *bool        `json:"strip_accents"`
	TokenizeChineseChars *bool        `json:"tokenize_chinese_chars"`
	ModelMaxLength       float64      `json:"model_max_length"`
	UnkToken             SpecialToken `json:"unk_token"`
	ClsToken             SpecialToken `json:"cls_token"`
	SepToken             SpecialToken `json:"sep_token"`
	PadToken             SpecialToken `json:"pad_token"`
	MaskToken            SpecialToken `json:"mask_token"`
}

// SpecialToken accepts both the plain string form and the
// {"content": "..."} object newer tokenizer configs write.
type SpecialToken string

func (s *SpecialToken) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		*s = SpecialToken(plain)
		return nil
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("special token: %w", err)
	}
	*s = SpecialToken(obj.Content)
	return nil
}

func readModelConfig(path string) (ModelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ModelConfig{}, err
	}
	var cfg ModelConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return ModelConfig{}, fmt.Errorf("unmarshal model config: %w", err)
	}
	if strings.TrimSpace(cfg.Activation) == "" {
		cfg.Activation = "gelu"
	}
	if err := cfg.Validate(); err != nil {
		return ModelConfig{}, err
	}
	return cfg, nil
}

// Validate checks the dimensions are usable for a forward pass.
func (c ModelConfig) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return errors.New("vocab_size must be positive")
	case c.Dim <= 0:
		return errors.New("dim must be positive")
	case c.Heads <= 0:
		return errors.New("n_heads must be positive")
	case c.Dim%c.Heads != 0:
		return fmt.Errorf("dim %d is not divisible by n_heads %d", c.Dim, c.Heads)
	case c.Layers < 0:
		return errors.New("n_layers must not be negative")
	case c.HiddenDim <= 0:
		return errors.New("hidden_dim must be positive")
	case c.MaxPositionEmbeddings <= 0:
		return errors.New("max_position_embeddings must be positive")
	}
	switch strings.ToLower(c.Activation) {
	case "gelu", "relu":
	default:
		return fmt.Errorf("unsupported activation %q", c.Activation)
	}
	if len(c.ID2Label) != 0 && len(c.ID2Label) != 2 {
		return fmt.Errorf("expected 2 labels, found %d", len(c.ID2Label))
	}
	return nil
}

// Labels returns the id2label names ordered by class index.
func (c ModelConfig) Labels() []string {
	if len(c.ID2Label) == 0 {
		return []string{"LABEL_0", "LABEL_1"}
	}
	type entry struct {
		idx  int
		name string
	}
	entries := make([]entry, 0, len(c.ID2Label))
	for k, v := range c.ID2Label {
		idx, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		entries = append(entries, entry{idx: idx, name: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].idx < entries[j].idx })
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.name)
	}
	return out
}

func readTokenizerConfig(path string) (TokenizerConfig, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return TokenizerConfig{}, false, nil
	}
	if err != nil {
		return TokenizerConfig{}, false, err
	}
	var cfg TokenizerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return TokenizerConfig{}, false, fmt.Errorf("unmarshal tokenizer config: %w", err)
	}
	return cfg, true, nil
}

// LowerCase reports whether input should be lowercased; BERT uncased is the default.
func (c TokenizerConfig) LowerCase() bool {
	if c.DoLowerCase == nil {
		return true
	}
	return *c.DoLowerCase
}

// StripAccentsEnabled follows the HF rule: unset means "same as lowercase".
func (c TokenizerConfig) StripAccentsEnabled() bool {
	if c.StripAccents == nil {
		return c.LowerCase()
	}
	return *c.StripAccents
}

// ChineseChars reports whether CJK ideographs are split into single tokens.
func (c TokenizerConfig) ChineseChars() bool {
	if c.TokenizeChineseChars == nil {
		return true
	}
	return *c.TokenizeChineseChars
}

// MaxLength is the longest encoding the tokenizer allows: model_max_length
// when it is set and tighter than limit, limit otherwise. Unbounded
// sentinels such as 1e30 fall back to limit.
func (c TokenizerConfig) MaxLength(limit int) int {
	if c.ModelMaxLength > 0 && c.ModelMaxLength < float64(limit) {
		return int(c.ModelMaxLength)
	}
	return limit
}
