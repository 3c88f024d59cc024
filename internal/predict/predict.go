// Package predict turns review text into a "Positive" or "Negative" label
// using a checkpoint loaded once at startup.
package predict

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"review-sentiment/internal/checkpoint"
	"review-sentiment/internal/model"
	"review-sentiment/internal/onnx"
	"review-sentiment/internal/tokenizer"
)

// Labels returned by Predict.
const (
	Positive = "Positive"
	Negative = "Negative"
)

// Backends accepted by WithBackend. Auto picks ONNX when the checkpoint
// directory holds model.onnx and the native safetensors runtime otherwise.
const (
	BackendAuto   = "auto"
	BackendNative = "native"
	BackendONNX   = "onnx"
)

const positiveClass = 1

// InferenceError wraps a failure while tokenizing or running the model.
type InferenceError struct {
	Stage string
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference %s: %v", e.Stage, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// Result is the outcome of one prediction. Tokens is zero when the backend
// does not expose its encoding.
type Result struct {
	Label    string
	Class    int
	Tokens   int
	Duration time.Duration
}

// Info describes the loaded checkpoint.
type Info struct {
	Backend    string
	Dir        string
	Config     checkpoint.ModelConfig
	Parameters int
	MaxLength  int
}

type loadOptions struct {
	backend   string
	modelOpts []model.Option
}

// Option customises Load.
type Option func(*loadOptions)

// WithBackend selects the inference runtime; empty means BackendAuto.
func WithBackend(name string) Option {
	return func(o *loadOptions) {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			o.backend = name
		}
	}
}

// WithWorkers bounds the goroutines the native forward pass uses per
// projection.
func WithWorkers(n int) Option {
	return func(o *loadOptions) {
		o.modelOpts = append(o.modelOpts, model.WithWorkers(n))
	}
}

// Predictor holds the runtime shared by every prediction. The native runtime
// is read-only, so a Predictor may serve concurrent callers.
type Predictor struct {
	info      Info
	tokenizer *tokenizer.Tokenizer
	model     *model.Model
	onnx      *onnx.Classifier
}

// Load reads the checkpoint at dir and builds a ready Predictor. All failures
// are *checkpoint.LoadError.
func Load(dir string, opts ...Option) (*Predictor, error) {
	lo := loadOptions{backend: BackendAuto}
	for _, opt := range opts {
		opt(&lo)
	}
	dir = filepath.Clean(dir)
	start := time.Now()

	backend := lo.backend
	if backend == BackendAuto {
		backend = BackendNative
		if _, err := os.Stat(filepath.Join(dir, onnx.ModelFile)); err == nil {
			backend = BackendONNX
		}
	}

	var (
		p   *Predictor
		err error
	)
	switch backend {
	case BackendNative:
		p, err = loadNative(dir, lo.modelOpts)
	case BackendONNX:
		p, err = loadONNX(dir)
	default:
		return nil, &checkpoint.LoadError{Dir: dir, Err: fmt.Errorf("unknown backend %q", lo.backend)}
	}
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"dir":        p.info.Dir,
		"backend":    p.info.Backend,
		"parameters": p.info.Parameters,
		"max_length": p.info.MaxLength,
		"duration":   time.Since(start).Round(time.Millisecond),
	}).Info("sentiment model ready")
	return p, nil
}

func loadNative(dir string, opts []model.Option) (*Predictor, error) {
	ckpt, err := checkpoint.Load(dir)
	if err != nil {
		return nil, err
	}
	tok, err := tokenizer.New(ckpt.Vocab, tokenizer.OptionsFrom(ckpt.Tokenizer))
	if err != nil {
		return nil, &checkpoint.LoadError{Dir: ckpt.Dir, File: checkpoint.VocabFile, Err: err}
	}
	m, err := model.New(ckpt, opts...)
	if err != nil {
		return nil, &checkpoint.LoadError{Dir: ckpt.Dir, File: checkpoint.WeightsFile, Err: err}
	}
	return &Predictor{
		info: Info{
			Backend:    BackendNative,
			Dir:        ckpt.Dir,
			Config:     m.Config(),
			Parameters: m.Parameters(),
			MaxLength:  ckpt.Tokenizer.MaxLength(m.MaxSequence()),
		},
		tokenizer: tok,
		model:     m,
	}, nil
}

func loadONNX(dir string) (*Predictor, error) {
	for _, name := range []string{onnx.ModelFile, onnx.TokenizerFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				err = errors.New("required file missing")
			}
			return nil, &checkpoint.LoadError{Dir: dir, File: name, Err: err}
		}
	}
	cfg, err := checkpoint.LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	clf, err := onnx.Load(dir, cfg.Labels())
	if err != nil {
		return nil, &checkpoint.LoadError{Dir: dir, File: onnx.ModelFile, Err: err}
	}
	return &Predictor{
		info: Info{
			Backend:   BackendONNX,
			Dir:       dir,
			Config:    cfg,
			MaxLength: cfg.MaxPositionEmbeddings,
		},
		onnx: clf,
	}, nil
}

// Info reports what was loaded.
func (p *Predictor) Info() Info {
	return p.info
}

// Close releases runtime resources held by the ONNX backend.
func (p *Predictor) Close() error {
	if p == nil || p.onnx == nil {
		return nil
	}
	return p.onnx.Close()
}

// Predict returns "Positive" when the positive class wins the argmax and
// "Negative" otherwise, including on a tie.
func (p *Predictor) Predict(text string) (string, error) {
	res, err := p.Classify(text)
	if err != nil {
		return "", err
	}
	return res.Label, nil
}

// Classify runs tokenize, forward pass and argmax for one text.
func (p *Predictor) Classify(text string) (Result, error) {
	if p == nil || (p.onnx == nil && (p.tokenizer == nil || p.model == nil)) {
		return Result{}, &InferenceError{Stage: "setup", Err: errors.New("predictor not loaded")}
	}
	start := time.Now()

	if p.onnx != nil {
		class, err := p.onnx.Classify(text)
		if err != nil {
			return Result{}, &InferenceError{Stage: "pipeline", Err: err}
		}
		return Result{Label: LabelFor(class), Class: class, Duration: time.Since(start)}, nil
	}

	enc := p.tokenizer.Encode(text)
	if enc.Len() > p.info.MaxLength {
		return Result{}, &InferenceError{
			Stage: "tokenize",
			Err:   fmt.Errorf("%w: %d tokens, limit %d", model.ErrSequenceTooLong, enc.Len(), p.info.MaxLength),
		}
	}
	logits, err := p.model.Forward(enc.IDs, enc.AttentionMask)
	if err != nil {
		return Result{}, &InferenceError{Stage: "forward", Err: err}
	}
	class := logits.Argmax()
	return Result{
		Label:    LabelFor(class),
		Class:    class,
		Tokens:   enc.Len(),
		Duration: time.Since(start),
	}, nil
}

// LabelFor maps a class index to its label.
func LabelFor(class int) string {
	if class == positiveClass {
		return Positive
	}
	return Negative
}
