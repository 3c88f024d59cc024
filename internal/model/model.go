package model

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"strings"
	"sync"

	"review-sentiment/internal/checkpoint"
)

const (
	layerNormEps = 1e-12
	// Below this many multiply-adds a projection runs on the calling goroutine.
	parallelThreshold = 1 << 16
)

var (
	ErrSequenceTooLong = errors.New("sequence longer than position table")
	ErrTokenOutOfRange = errors.New("token id outside embedding table")
	ErrMaskMismatch    = errors.New("attention mask length differs from ids")
	ErrNonFinite       = errors.New("non-finite logits")
)

// Logits holds the raw scores for class 0 (negative) and class 1 (positive).
type Logits [2]float32

// Argmax returns the index of the larger score; ties go to index 0.
func (l Logits) Argmax() int {
	if l[1] > l[0] {
		return 1
	}
	return 0
}

// Model is a DistilBERT sequence classifier running in eval mode. Weights are
// read-only after New, so Forward is safe for concurrent use.
type Model struct {
	cfg        checkpoint.ModelConfig
	wordEmb    []float32
	posEmb     []float32
	embNorm    layerNorm
	layers     []block
	preClassif linear
	classifier linear
	params     int
	workers    int
	gelu       bool
}

// Option customises a Model.
type Option func(*Model)

// WithWorkers bounds the goroutines used per projection; values below 1 keep
// the CPU-derived default.
func WithWorkers(n int) Option {
	return func(m *Model) {
		if n > 0 {
			m.workers = n
		}
	}
}

// New binds checkpoint tensors to the DistilBERT layout described by its config.
func New(ckpt *checkpoint.Checkpoint, opts ...Option) (*Model, error) {
	if ckpt == nil {
		return nil, errors.New("checkpoint is nil")
	}
	cfg := ckpt.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &weightReader{tensors: ckpt.Tensors}
	m := &Model{
		cfg:     cfg,
		wordEmb: r.tensor(basePrefix+"embeddings.word_embeddings.weight", cfg.VocabSize, cfg.Dim),
		posEmb:  r.tensor(basePrefix+"embeddings.position_embeddings.weight", cfg.MaxPositionEmbeddings, cfg.Dim),
		embNorm: r.layerNorm(basePrefix+"embeddings.LayerNorm", cfg.Dim),
		workers: determineWorkerCount(),
		gelu:    strings.EqualFold(cfg.Activation, "gelu"),
	}
	m.layers = make([]block, cfg.Layers)
	for i := range m.layers {
		m.layers[i] = r.block(i, cfg.Dim, cfg.HiddenDim)
	}
	m.preClassif = r.linear("pre_classifier", cfg.Dim, cfg.Dim)
	m.classifier = r.linear("classifier", cfg.Dim, 2)
	if r.err != nil {
		return nil, fmt.Errorf("bind weights: %w", r.err)
	}
	m.params = r.params

	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Config returns the architecture the model was built from.
func (m *Model) Config() checkpoint.ModelConfig {
	return m.cfg
}

// Parameters reports the number of weights bound from the checkpoint.
func (m *Model) Parameters() int {
	return m.params
}

// MaxSequence is the longest encoding Forward accepts.
func (m *Model) MaxSequence() int {
	return m.cfg.MaxPositionEmbeddings
}

// Forward runs a single pass over one encoded sequence and returns the
// classifier logits for its first ([CLS]) position.
func (m *Model) Forward(ids, mask []int) (Logits, error) {
	seq := len(ids)
	if len(mask) != seq {
		return Logits{}, fmt.Errorf("%w: %d ids, %d mask entries", ErrMaskMismatch, seq, len(mask))
	}
	if seq > m.cfg.MaxPositionEmbeddings {
		return Logits{}, fmt.Errorf("%w: %d tokens, limit %d", ErrSequenceTooLong, seq, m.cfg.MaxPositionEmbeddings)
	}
	if seq == 0 {
		return Logits{}, errors.New("empty sequence")
	}
	dim := m.cfg.Dim

	x := make([]float32, seq*dim)
	for i, id := range ids {
		if id < 0 || id >= m.cfg.VocabSize {
			return Logits{}, fmt.Errorf("%w: id %d at position %d", ErrTokenOutOfRange, id, i)
		}
		row := x[i*dim : (i+1)*dim]
		word := m.wordEmb[id*dim : (id+1)*dim]
		pos := m.posEmb[i*dim : (i+1)*dim]
		for d := range row {
			row[d] = word[d] + pos[d]
		}
	}
	m.embNorm.apply(x, dim)

	for i := range m.layers {
		x = m.runBlock(&m.layers[i], x, mask, seq)
	}

	pooled := m.project(&m.preClassif, x[:dim], 1)
	for i, v := range pooled {
		if v < 0 {
			pooled[i] = 0
		}
	}
	out := m.project(&m.classifier, pooled, 1)
	logits := Logits{out[0], out[1]}
	for _, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return Logits{}, fmt.Errorf("%w: %v", ErrNonFinite, logits)
		}
	}
	return logits, nil
}

func (m *Model) runBlock(b *block, x []float32, mask []int, seq int) []float32 {
	dim := m.cfg.Dim
	heads := m.cfg.Heads
	headDim := dim / heads
	scale := float32(1 / math.Sqrt(float64(headDim)))

	q := m.project(&b.q, x, seq)
	k := m.project(&b.k, x, seq)
	v := m.project(&b.v, x, seq)
	for i := range q {
		q[i] *= scale
	}

	ctx := make([]float32, seq*dim)
	scores := make([]float64, seq)
	for h := 0; h < heads; h++ {
		off := h * headDim
		for i := 0; i < seq; i++ {
			qi := q[i*dim+off : i*dim+off+headDim]
			maxScore := math.Inf(-1)
			for j := 0; j < seq; j++ {
				if mask[j] == 0 {
					scores[j] = math.Inf(-1)
					continue
				}
				kj := k[j*dim+off : j*dim+off+headDim]
				var s float64
				for d := range qi {
					s += float64(qi[d]) * float64(kj[d])
				}
				scores[j] = s
				if s > maxScore {
					maxScore = s
				}
			}
			var sum float64
			for j := 0; j < seq; j++ {
				if math.IsInf(scores[j], -1) {
					scores[j] = 0
					continue
				}
				scores[j] = math.Exp(scores[j] - maxScore)
				sum += scores[j]
			}
			out := ctx[i*dim+off : i*dim+off+headDim]
			if sum == 0 {
				continue
			}
			for j := 0; j < seq; j++ {
				p := scores[j] / sum
				if p == 0 {
					continue
				}
				vj := v[j*dim+off : j*dim+off+headDim]
				for d := range out {
					out[d] += float32(p * float64(vj[d]))
				}
			}
		}
	}

	attn := m.project(&b.o, ctx, seq)
	for i := range attn {
		attn[i] += x[i]
	}
	b.saNorm.apply(attn, dim)

	ff := m.project(&b.ffnIn, attn, seq)
	for i, val := range ff {
		ff[i] = m.activate(val)
	}
	ffOut := m.project(&b.ffnOut, ff, seq)
	for i := range ffOut {
		ffOut[i] += attn[i]
	}
	b.outNorm.apply(ffOut, dim)
	return ffOut
}

func (m *Model) activate(x float32) float32 {
	if !m.gelu {
		if x < 0 {
			return 0
		}
		return x
	}
	v := float64(x)
	return float32(0.5 * v * (1 + math.Erf(v/math.Sqrt2)))
}

// project computes x·Wᵀ + b for rows vectors of width l.in. Output columns are
// split across workers; every output element is summed in the same order
// regardless of the split.
func (m *Model) project(l *linear, x []float32, rows int) []float32 {
	out := make([]float32, rows*l.out)
	compute := func(lo, hi int) {
		for r := 0; r < rows; r++ {
			xr := x[r*l.in : (r+1)*l.in]
			or := out[r*l.out : (r+1)*l.out]
			for o := lo; o < hi; o++ {
				w := l.weight[o*l.in : (o+1)*l.in]
				var s float32
				for i, xv := range xr {
					s += xv * w[i]
				}
				or[o] = s + l.bias[o]
			}
		}
	}

	workers := m.workers
	if workers <= 1 || rows*l.in*l.out < parallelThreshold || l.out < workers {
		compute(0, l.out)
		return out
	}
	chunk := (l.out + workers - 1) / workers
	var wg sync.WaitGroup
	for lo := 0; lo < l.out; lo += chunk {
		hi := min(lo+chunk, l.out)
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			compute(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
	return out
}

func (n layerNorm) apply(x []float32, dim int) {
	for off := 0; off+dim <= len(x); off += dim {
		row := x[off : off+dim]
		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(dim)
		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(dim)
		inv := 1 / math.Sqrt(variance+layerNormEps)
		for i, v := range row {
			row[i] = float32((float64(v)-mean)*inv)*n.gamma[i] + n.beta[i]
		}
	}
}

func determineWorkerCount() int {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	if workers > 12 {
		workers = 12
	}
	return workers
}
