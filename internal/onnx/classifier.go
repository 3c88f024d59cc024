// Package onnx runs an ONNX export of the sentiment checkpoint through a
// hugot text-classification pipeline on the pure Go backend.
package onnx

import (
	"errors"
	"fmt"
	"sync"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/pipelines"
	"github.com/sirupsen/logrus"
)

// Files an ONNX checkpoint directory must hold besides config.json.
const (
	ModelFile     = "model.onnx"
	TokenizerFile = "tokenizer.json"
)

type runner interface {
	RunPipeline(inputs []string) (*pipelines.TextClassificationOutput, error)
}

// Classifier maps review text to a class index using the pipeline's top label.
type Classifier struct {
	session  *hugot.Session
	pipeline runner
	classes  map[string]int
	// mu serialises pipeline runs.
	mu sync.Mutex
}

// Load opens dir with hugot. labels are the id2label names ordered by class
// index; every label the pipeline reports must be one of them.
func Load(dir string, labels []string) (*Classifier, error) {
	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("create hugot session: %w", err)
	}
	pipe, err := hugot.NewPipeline(session, hugot.TextClassificationConfig{
		ModelPath: dir,
		Name:      "review-sentiment",
	})
	if err != nil {
		_ = session.Destroy()
		return nil, fmt.Errorf("create text classification pipeline: %w", err)
	}
	c, err := newClassifier(session, pipe, labels)
	if err != nil {
		_ = session.Destroy()
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"dir":    dir,
		"labels": labels,
	}).Info("onnx pipeline ready")
	return c, nil
}

func newClassifier(session *hugot.Session, pipe runner, labels []string) (*Classifier, error) {
	if len(labels) == 0 {
		return nil, errors.New("no labels configured")
	}
	classes := make(map[string]int, len(labels))
	for i, label := range labels {
		if _, dup := classes[label]; dup {
			return nil, fmt.Errorf("label %q maps to more than one class", label)
		}
		classes[label] = i
	}
	return &Classifier{session: session, pipeline: pipe, classes: classes}, nil
}

// Classify returns the class index of the highest scoring label. Equal scores
// keep the first label the pipeline reported.
func (c *Classifier) Classify(text string) (int, error) {
	c.mu.Lock()
	out, err := c.pipeline.RunPipeline([]string{text})
	c.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("run pipeline: %w", err)
	}
	if out == nil || len(out.ClassificationOutputs) != 1 || len(out.ClassificationOutputs[0]) == 0 {
		return 0, errors.New("pipeline returned no classification")
	}
	scores := out.ClassificationOutputs[0]
	best := scores[0]
	for _, s := range scores[1:] {
		if s.Score > best.Score {
			best = s
		}
	}
	class, ok := c.classes[best.Label]
	if !ok {
		return 0, fmt.Errorf("pipeline label %q not in id2label", best.Label)
	}
	return class, nil
}

// Close releases the hugot session.
func (c *Classifier) Close() error {
	if c == nil || c.session == nil {
		return nil
	}
	return c.session.Destroy()
}
