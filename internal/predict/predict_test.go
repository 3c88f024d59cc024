package predict_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"review-sentiment/internal/checkpoint"
	"review-sentiment/internal/checkpoint/checkpointtest"
	"review-sentiment/internal/model"
	"review-sentiment/internal/onnx"
	"review-sentiment/internal/predict"
)

func loadPredictor(t *testing.T, opts checkpointtest.Options) *predict.Predictor {
	t.Helper()
	p, err := predict.Load(checkpointtest.Write(t, opts))
	if err != nil {
		t.Fatalf("load predictor: %v", err)
	}
	return p
}

func TestPredictLabels(t *testing.T) {
	p := loadPredictor(t, checkpointtest.Options{})

	tests := []struct {
		name     string
		text     string
		expected string
	}{
		{"strongly positive", "I loved this film. Wonderful acting, a brilliant masterpiece!", predict.Positive},
		{"strongly negative", "Terrible plot, awful acting, the worst movie. I hated it.", predict.Negative},
		{"uppercase positive", "GREAT MOVIE", predict.Positive},
		{"unknown words only", "popcorn soda nachos", predict.Negative},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := p.Predict(tc.text)
			if err != nil {
				t.Fatalf("predict: %v", err)
			}
			if got != tc.expected {
				t.Fatalf("expected %s got %s", tc.expected, got)
			}
		})
	}
}

func TestPredictAlwaysReturnsKnownLabel(t *testing.T) {
	p := loadPredictor(t, checkpointtest.Options{})
	inputs := []string{"a", "!!!", "great awful", "The movie was it.", "héllo wörld", "好", "\t\n"}
	for _, text := range inputs {
		got, err := p.Predict(text)
		if err != nil {
			t.Fatalf("predict %q: %v", text, err)
		}
		if got != predict.Positive && got != predict.Negative {
			t.Fatalf("predict %q: unexpected label %q", text, got)
		}
	}
}

func TestPredictDeterministic(t *testing.T) {
	p := loadPredictor(t, checkpointtest.Options{Layers: 2})
	text := "The acting was boring but the plot was great and wonderful."
	base, err := p.Predict(text)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	for i := 0; i < 20; i++ {
		got, err := p.Predict(text)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if got != base {
			t.Fatalf("run %d label mismatch: got %q want %q", i, got, base)
		}
	}
}

func TestPredictEmptyString(t *testing.T) {
	p := loadPredictor(t, checkpointtest.Options{})
	got, err := p.Predict("")
	if err != nil {
		t.Fatalf("predict empty: %v", err)
	}
	// Neutral input ties the logits, and ties resolve to class 0.
	if got != predict.Negative {
		t.Fatalf("expected Negative got %s", got)
	}
}

func TestPredictTieBreaksByBias(t *testing.T) {
	p := loadPredictor(t, checkpointtest.Options{ClassifierBias: [2]float32{0, 0.1}})
	got, err := p.Predict("")
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if got != predict.Positive {
		t.Fatalf("expected Positive when class 1 bias is higher, got %s", got)
	}
}

func TestPredictTooLongIsInferenceError(t *testing.T) {
	p := loadPredictor(t, checkpointtest.Options{MaxPosition: 10})
	_, err := p.Predict(strings.Repeat("great ", 20))
	var inferErr *predict.InferenceError
	if !errors.As(err, &inferErr) {
		t.Fatalf("expected InferenceError got %v", err)
	}
	if !errors.Is(err, model.ErrSequenceTooLong) {
		t.Fatalf("expected wrapped ErrSequenceTooLong got %v", err)
	}
}

func TestLoadMissingCheckpointFiles(t *testing.T) {
	dir := checkpointtest.Write(t, checkpointtest.Options{Omit: []string{checkpoint.WeightsFile}})
	p, err := predict.Load(dir)
	if p != nil {
		t.Fatalf("expected no predictor on load failure")
	}
	if !errors.Is(err, checkpoint.ErrLoad) {
		t.Fatalf("expected LoadError got %v", err)
	}
}

func TestLoadVocabularyWithoutSpecialTokens(t *testing.T) {
	dir := checkpointtest.Write(t, checkpointtest.Options{})
	vocab := strings.Join(checkpointtest.Vocab()[3:], "\n")
	if err := os.WriteFile(filepath.Join(dir, checkpoint.VocabFile), []byte(vocab), 0o644); err != nil {
		t.Fatalf("write vocab: %v", err)
	}
	_, err := predict.Load(dir)
	var loadErr *checkpoint.LoadError
	if !errors.As(err, &loadErr) || loadErr.File != checkpoint.VocabFile {
		t.Fatalf("expected vocab load error got %v", err)
	}
}

func TestPredictConcurrentCallers(t *testing.T) {
	p := loadPredictor(t, checkpointtest.Options{})
	texts := map[string]string{
		"great wonderful":      predict.Positive,
		"awful boring terrible": predict.Negative,
	}
	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 32; i++ {
		for text, want := range texts {
			wg.Add(1)
			go func(text, want string) {
				defer wg.Done()
				got, err := p.Predict(text)
				if err != nil {
					errs <- err
					return
				}
				if got != want {
					errs <- errors.New(text + ": got " + got)
				}
			}(text, want)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestLabelFor(t *testing.T) {
	if predict.LabelFor(1) != predict.Positive || predict.LabelFor(0) != predict.Negative {
		t.Fatalf("unexpected label mapping")
	}
}

func TestPredictRespectsModelMaxLength(t *testing.T) {
	p := loadPredictor(t, checkpointtest.Options{ModelMaxLength: 6})
	if got := p.Info().MaxLength; got != 6 {
		t.Fatalf("expected max length 6 got %d", got)
	}

	got, err := p.Predict("great wonderful loved brilliant")
	if err != nil {
		t.Fatalf("predict at the limit: %v", err)
	}
	if got != predict.Positive {
		t.Fatalf("expected Positive got %s", got)
	}

	_, err = p.Predict("great wonderful loved brilliant masterpiece")
	var inferErr *predict.InferenceError
	if !errors.As(err, &inferErr) || inferErr.Stage != "tokenize" {
		t.Fatalf("expected tokenize InferenceError got %v", err)
	}
	if !errors.Is(err, model.ErrSequenceTooLong) {
		t.Fatalf("expected wrapped ErrSequenceTooLong got %v", err)
	}
}

func TestPredictKeepsTypedSpecialTokens(t *testing.T) {
	p := loadPredictor(t, checkpointtest.Options{})
	res, err := p.Classify("great [MASK]")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.Label != predict.Positive || res.Tokens != 4 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestLoadAutoSelectsNativeBackend(t *testing.T) {
	p := loadPredictor(t, checkpointtest.Options{})
	info := p.Info()
	if info.Backend != predict.BackendNative {
		t.Fatalf("expected native backend got %s", info.Backend)
	}
	if info.Parameters == 0 || info.Config.Dim != 4 || info.MaxLength != 32 {
		t.Fatalf("unexpected info %+v", info)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestLoadONNXBackendRequiresExport(t *testing.T) {
	dir := checkpointtest.Write(t, checkpointtest.Options{})
	_, err := predict.Load(dir, predict.WithBackend(predict.BackendONNX))
	var loadErr *checkpoint.LoadError
	if !errors.As(err, &loadErr) || loadErr.File != onnx.ModelFile {
		t.Fatalf("expected missing model.onnx LoadError got %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, onnx.ModelFile), []byte("onnx"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err = predict.Load(dir, predict.WithBackend(predict.BackendONNX))
	if !errors.As(err, &loadErr) || loadErr.File != onnx.TokenizerFile {
		t.Fatalf("expected missing tokenizer.json LoadError got %v", err)
	}
}

func TestLoadUnknownBackend(t *testing.T) {
	dir := checkpointtest.Write(t, checkpointtest.Options{})
	if _, err := predict.Load(dir, predict.WithBackend("tensorrt")); !errors.Is(err, checkpoint.ErrLoad) {
		t.Fatalf("expected LoadError got %v", err)
	}
}
