package api

import (
	"time"

	"review-sentiment/internal/predict"
	"review-sentiment/internal/store"
)

// PredictRequest is the body accepted by the predict endpoints. An empty text
// is a valid review.
type PredictRequest struct {
	Text string `json:"text"`
}

// PredictionResponse is returned for every successful prediction.
type PredictionResponse struct {
	RequestID    string  `json:"request_id"`
	Label        string  `json:"label"`
	Tokens       int     `json:"tokens"`
	ProcessingMs float64 `json:"processing_ms"`
}

// StreamEvent is a single websocket frame sent on the predict stream.
type StreamEvent struct {
	Type         string    `json:"type"`
	RequestID    string    `json:"request_id,omitempty"`
	Label        string    `json:"label,omitempty"`
	Tokens       int       `json:"tokens,omitempty"`
	ProcessingMs float64   `json:"processing_ms,omitempty"`
	Message      string    `json:"message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// PredictionDTO is the API representation of a logged prediction.
type PredictionDTO struct {
	ID               uint      `json:"id"`
	RequestID        string    `json:"request_id"`
	Source           string    `json:"source"`
	Text             string    `json:"text"`
	Label            string    `json:"label"`
	Tokens           int       `json:"tokens"`
	ProcessingTimeMs int64     `json:"processing_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// PredictionsResponse wraps a page of logged predictions.
type PredictionsResponse struct {
	Items []PredictionDTO `json:"items"`
	Total int64           `json:"total"`
}

// LabelCountDTO reports how often a label was served.
type LabelCountDTO struct {
	Label string `json:"label"`
	Total int64  `json:"total"`
}

// ModelDTO summarises the loaded checkpoint.
type ModelDTO struct {
	Type          string   `json:"model_type"`
	Backend       string   `json:"backend"`
	VocabSize     int      `json:"vocab_size"`
	Dim           int      `json:"dim"`
	Layers        int      `json:"n_layers"`
	Heads         int      `json:"n_heads"`
	HiddenDim     int      `json:"hidden_dim"`
	MaxPosition   int      `json:"max_position_embeddings"`
	MaxLength     int      `json:"max_length"`
	Parameters    int      `json:"parameters"`
	CheckpointDir string   `json:"checkpoint_dir"`
	ID2Label      []string `json:"id2label"`
}

// PredictionFromModel converts a stored prediction into its DTO.
func PredictionFromModel(p store.Prediction) PredictionDTO {
	return PredictionDTO{
		ID:               p.ID,
		RequestID:        p.RequestID,
		Source:           p.Source,
		Text:             p.Text,
		Label:            p.Label,
		Tokens:           p.Tokens,
		ProcessingTimeMs: p.ProcessingTimeMs,
		CreatedAt:        p.CreatedAt,
	}
}

func responseFromResult(requestID string, res predict.Result) PredictionResponse {
	return PredictionResponse{
		RequestID:    requestID,
		Label:        res.Label,
		Tokens:       res.Tokens,
		ProcessingMs: durationMillis(res.Duration),
	}
}

func durationMillis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
