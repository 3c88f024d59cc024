package checkpoint

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// File names expected inside a checkpoint directory.
const (
	ConfigFile          = "config.json"
	VocabFile           = "vocab.txt"
	TokenizerConfigFile = "tokenizer_config.json"
	WeightsFile         = "model.safetensors"
)

// Checkpoint is the decoded, read-only content of a checkpoint directory.
type Checkpoint struct {
	Dir       string
	Config    ModelConfig
	Tokenizer TokenizerConfig
	Vocab     []string
	Tensors   map[string]*Tensor
}

// Load reads a checkpoint from a local directory. It never touches the
// network. Every failure is reported as a *LoadError.
func Load(dir string) (*Checkpoint, error) {
	dir = filepath.Clean(dir)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, loadErr(dir, "", err)
	}
	if !info.IsDir() {
		return nil, loadErr(dir, "", errors.New("not a directory"))
	}

	for _, name := range []string{ConfigFile, VocabFile, WeightsFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, loadErr(dir, name, errors.New("required file missing"))
			}
			return nil, loadErr(dir, name, err)
		}
	}

	cfg, err := readModelConfig(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, loadErr(dir, ConfigFile, err)
	}

	tokCfg, found, err := readTokenizerConfig(filepath.Join(dir, TokenizerConfigFile))
	if err != nil {
		return nil, loadErr(dir, TokenizerConfigFile, err)
	}
	if !found {
		logrus.WithField("dir", dir).Debug("tokenizer_config.json absent, using BERT uncased defaults")
	}

	vocab, err := readVocab(filepath.Join(dir, VocabFile))
	if err != nil {
		return nil, loadErr(dir, VocabFile, err)
	}
	if len(vocab) > cfg.VocabSize {
		return nil, loadErr(dir, VocabFile, fmt.Errorf("vocabulary has %d entries but vocab_size is %d", len(vocab), cfg.VocabSize))
	}

	tensors, err := ReadSafetensors(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, loadErr(dir, WeightsFile, err)
	}

	logrus.WithFields(logrus.Fields{
		"dir":      dir,
		"vocab":    len(vocab),
		"tensors":  len(tensors),
		"layers":   cfg.Layers,
		"dim":      cfg.Dim,
		"max_len":  cfg.MaxPositionEmbeddings,
		"lower":    tokCfg.LowerCase(),
		"tok_conf": found,
	}).Info("checkpoint files decoded")

	return &Checkpoint{
		Dir:       dir,
		Config:    cfg,
		Tokenizer: tokCfg,
		Vocab:     vocab,
		Tensors:   tensors,
	}, nil
}

// LoadConfig reads and validates only config.json, for directories whose
// weights are consumed by another runtime.
func LoadConfig(dir string) (ModelConfig, error) {
	dir = filepath.Clean(dir)
	cfg, err := readModelConfig(filepath.Join(dir, ConfigFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ModelConfig{}, loadErr(dir, ConfigFile, errors.New("required file missing"))
		}
		return ModelConfig{}, loadErr(dir, ConfigFile, err)
	}
	return cfg, nil
}

func readVocab(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var vocab []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		vocab = append(vocab, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan vocabulary: %w", err)
	}
	if len(vocab) == 0 {
		return nil, errors.New("vocabulary is empty")
	}
	return vocab, nil
}
