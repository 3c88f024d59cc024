package model

import (
	"fmt"
	"strconv"
	"strings"

	"review-sentiment/internal/checkpoint"
)

const basePrefix = "distilbert."

type linear struct {
	weight []float32 // [out, in], row-major
	bias   []float32
	in     int
	out    int
}

type layerNorm struct {
	gamma []float32
	beta  []float32
}

type block struct {
	q, k, v, o linear
	saNorm     layerNorm
	ffnIn      linear
	ffnOut     linear
	outNorm    layerNorm
}

// weightReader pulls shape-checked tensors out of a checkpoint, keeping the
// first failure so callers can read every tensor and check once.
type weightReader struct {
	tensors map[string]*checkpoint.Tensor
	err     error
	params  int
}

func (r *weightReader) tensor(name string, shape ...int) []float32 {
	if r.err != nil {
		return nil
	}
	t, ok := r.tensors[name]
	if !ok {
		t, ok = r.tensors[strings.TrimPrefix(name, basePrefix)]
	}
	if !ok {
		r.err = fmt.Errorf("tensor %s missing", name)
		return nil
	}
	if !sameShape(t.Shape, shape) {
		r.err = fmt.Errorf("tensor %s: expected shape %v got %v", name, shape, t.Shape)
		return nil
	}
	r.params += len(t.Data)
	return t.Data
}

func (r *weightReader) linear(name string, in, out int) linear {
	return linear{
		weight: r.tensor(name+".weight", out, in),
		bias:   r.tensor(name+".bias", out),
		in:     in,
		out:    out,
	}
}

func (r *weightReader) layerNorm(name string, dim int) layerNorm {
	return layerNorm{
		gamma: r.tensor(name+".weight", dim),
		beta:  r.tensor(name+".bias", dim),
	}
}

func (r *weightReader) block(idx, dim, hidden int) block {
	prefix := basePrefix + "transformer.layer." + strconv.Itoa(idx) + "."
	return block{
		q:       r.linear(prefix+"attention.q_lin", dim, dim),
		k:       r.linear(prefix+"attention.k_lin", dim, dim),
		v:       r.linear(prefix+"attention.v_lin", dim, dim),
		o:       r.linear(prefix+"attention.out_lin", dim, dim),
		saNorm:  r.layerNorm(prefix+"sa_layer_norm", dim),
		ffnIn:   r.linear(prefix+"ffn.lin1", dim, hidden),
		ffnOut:  r.linear(prefix+"ffn.lin2", hidden, dim),
		outNorm: r.layerNorm(prefix+"output_layer_norm", dim),
	}
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
