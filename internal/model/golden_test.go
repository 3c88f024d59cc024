package model_test

import (
	"math"
	"strconv"
	"testing"

	"review-sentiment/internal/checkpoint"
	"review-sentiment/internal/model"
)

type goldenTensor struct {
	name  string
	shape []int
	kind  byte // w weight, g layer norm gain, b bias
}

// goldenCheckpoint fills every tensor of a two layer DistilBERT with a dense
// sine pattern, so attention, FFN and both layer norms all carry non-trivial
// weights. Expected logits were computed from the same pattern by an
// independent float64 implementation.
func goldenCheckpoint(activation string) *checkpoint.Checkpoint {
	const (
		vocab  = 12
		dim    = 8
		hidden = 16
		layers = 2
		maxPos = 16
	)
	specs := []goldenTensor{
		{"distilbert.embeddings.word_embeddings.weight", []int{vocab, dim}, 'w'},
		{"distilbert.embeddings.position_embeddings.weight", []int{maxPos, dim}, 'w'},
		{"distilbert.embeddings.LayerNorm.weight", []int{dim}, 'g'},
		{"distilbert.embeddings.LayerNorm.bias", []int{dim}, 'b'},
	}
	for l := 0; l < layers; l++ {
		p := "distilbert.transformer.layer." + strconv.Itoa(l) + "."
		for _, lin := range []string{"attention.q_lin", "attention.k_lin", "attention.v_lin", "attention.out_lin"} {
			specs = append(specs,
				goldenTensor{p + lin + ".weight", []int{dim, dim}, 'w'},
				goldenTensor{p + lin + ".bias", []int{dim}, 'b'},
			)
		}
		specs = append(specs,
			goldenTensor{p + "sa_layer_norm.weight", []int{dim}, 'g'},
			goldenTensor{p + "sa_layer_norm.bias", []int{dim}, 'b'},
			goldenTensor{p + "ffn.lin1.weight", []int{hidden, dim}, 'w'},
			goldenTensor{p + "ffn.lin1.bias", []int{hidden}, 'b'},
			goldenTensor{p + "ffn.lin2.weight", []int{dim, hidden}, 'w'},
			goldenTensor{p + "ffn.lin2.bias", []int{dim}, 'b'},
			goldenTensor{p + "output_layer_norm.weight", []int{dim}, 'g'},
			goldenTensor{p + "output_layer_norm.bias", []int{dim}, 'b'},
		)
	}
	specs = append(specs,
		goldenTensor{"pre_classifier.weight", []int{dim, dim}, 'w'},
		goldenTensor{"pre_classifier.bias", []int{dim}, 'b'},
		goldenTensor{"classifier.weight", []int{2, dim}, 'w'},
		goldenTensor{"classifier.bias", []int{2}, 'b'},
	)

	tensors := make(map[string]*checkpoint.Tensor, len(specs))
	for k, spec := range specs {
		n := 1
		for _, d := range spec.shape {
			n *= d
		}
		data := make([]float32, n)
		for i := range data {
			s := math.Sin(0.37*float64(i) + 1.3*float64(k) + 0.2)
			switch spec.kind {
			case 'w':
				data[i] = float32(0.5 * s)
			case 'g':
				data[i] = float32(1 + 0.2*s)
			default:
				data[i] = float32(0.1 * s)
			}
		}
		tensors[spec.name] = &checkpoint.Tensor{Shape: spec.shape, Data: data}
	}

	return &checkpoint.Checkpoint{
		Config: checkpoint.ModelConfig{
			ModelType:             "distilbert",
			VocabSize:             vocab,
			Dim:                   dim,
			Layers:                layers,
			Heads:                 2,
			HiddenDim:             hidden,
			MaxPositionEmbeddings: maxPos,
			Activation:            activation,
		},
		Tensors: tensors,
	}
}

func TestForwardGoldenLogits(t *testing.T) {
	tests := []struct {
		name       string
		activation string
		ids        []int
		mask       []int
		expected   model.Logits
	}{
		{"gelu with padding", "gelu", []int{2, 5, 7, 3, 9, 3}, []int{1, 1, 1, 1, 1, 0}, model.Logits{0.338357, -0.132126}},
		{"gelu unmasked", "gelu", []int{2, 5, 7, 3, 9, 3}, []int{1, 1, 1, 1, 1, 1}, model.Logits{0.267538, -0.044942}},
		{"relu", "relu", []int{2, 11, 4, 8, 3}, []int{1, 1, 1, 1, 1}, model.Logits{0.271820, -0.054636}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for _, workers := range []int{1, 4} {
				m, err := model.New(goldenCheckpoint(tc.activation), model.WithWorkers(workers))
				if err != nil {
					t.Fatalf("new: %v", err)
				}
				got, err := m.Forward(tc.ids, tc.mask)
				if err != nil {
					t.Fatalf("forward: %v", err)
				}
				for i := range got {
					if math.Abs(float64(got[i]-tc.expected[i])) > 1e-4 {
						t.Fatalf("workers %d: expected logits %v got %v", workers, tc.expected, got)
					}
				}
			}
		})
	}
}
