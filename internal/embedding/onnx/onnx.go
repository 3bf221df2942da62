//go:build onnx

// Package onnx runs a sentence-transformer model in-process through ONNX
// Runtime.
package onnx

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/efebarandurmaz/mnemo/internal/embedding"
	"github.com/efebarandurmaz/mnemo/internal/logging"
)

// Special token ids of the BERT uncased vocabulary.
const (
	clsToken = 101
	sepToken = 102
	unkToken = 100
)

const maxSeqLen = 128

// Provider mean-pools the last hidden state of a BERT-style model into a
// unit vector.
type Provider struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	vocab   map[string]int
	model   string
	dim     int
}

// New loads the model at cfg.ModelPath and the WordPiece vocabulary from the
// tokenizer.json at cfg.TokenizerPath.
func New(cfg Config) (*Provider, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("onnx: model path is required")
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = embedding.DefaultDimension
	}
	if cfg.Model == "" {
		cfg.Model = embedding.DefaultModel
	}

	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("onnx: initialize runtime: %w", err)
		}
	}

	vocab, err := loadVocab(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("onnx: load tokenizer: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("onnx: create session: %w", err)
	}

	logging.Infof("onnx embedder loaded model=%s dimension=%d", cfg.Model, cfg.Dimension)
	return &Provider{session: session, vocab: vocab, model: cfg.Model, dim: cfg.Dimension}, nil
}

func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, &embedding.Error{Provider: p.model, Err: err}
	}
	vec, err := p.run(text)
	if err != nil {
		return nil, &embedding.Error{Provider: p.model, Err: err}
	}
	return vec, nil
}

func (p *Provider) run(text string) ([]float32, error) {
	ids := make([]int64, maxSeqLen)
	mask := make([]int64, maxSeqLen)
	types := make([]int64, maxSeqLen)

	tokens := p.tokenize(text)
	if len(tokens) > maxSeqLen-2 {
		tokens = tokens[:maxSeqLen-2]
	}
	ids[0], mask[0] = clsToken, 1
	for i, tok := range tokens {
		ids[i+1], mask[i+1] = tok, 1
	}
	ids[len(tokens)+1], mask[len(tokens)+1] = sepToken, 1

	shape := ort.NewShape(1, maxSeqLen)
	inputs := make([]ort.Value, 0, 3)
	for _, data := range [][]int64{ids, mask, types} {
		t, err := ort.NewTensor(shape, data)
		if err != nil {
			return nil, fmt.Errorf("create input tensor: %w", err)
		}
		defer t.Destroy()
		inputs = append(inputs, t)
	}
	outputs := []ort.Value{nil}

	p.mu.Lock()
	err := p.session.Run(inputs, outputs)
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type %T", outputs[0])
	}
	return meanPool(out.GetData(), out.GetShape(), mask, p.dim)
}

func (p *Provider) Dimension() int { return p.dim }

func (p *Provider) Model() string { return p.model }

// Close releases the inference session.
func (p *Provider) Close() error {
	if p.session == nil {
		return nil
	}
	return p.session.Destroy()
}

func meanPool(data []float32, shape ort.Shape, mask []int64, dim int) ([]float32, error) {
	vec := make([]float32, dim)
	switch len(shape) {
	case 2:
		if len(data) < dim {
			return nil, fmt.Errorf("output has %d values, want %d", len(data), dim)
		}
		copy(vec, data[:dim])
	case 3:
		seqLen, hidden := int(shape[1]), int(shape[2])
		if hidden != dim {
			return nil, fmt.Errorf("hidden size %d, want %d", hidden, dim)
		}
		var attended float32
		for i := 0; i < seqLen && i < len(mask); i++ {
			if mask[i] == 0 {
				continue
			}
			attended++
			row := data[i*hidden : (i+1)*hidden]
			for j, v := range row {
				vec[j] += v
			}
		}
		if attended > 0 {
			for j := range vec {
				vec[j] /= attended
			}
		}
	default:
		return nil, fmt.Errorf("unexpected output shape %v", shape)
	}

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum > 0 {
		norm := float32(math.Sqrt(sum))
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

func loadVocab(path string) (map[string]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tok struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, err
	}
	if len(tok.Model.Vocab) == 0 {
		return nil, fmt.Errorf("%s: empty vocabulary", path)
	}
	return tok.Model.Vocab, nil
}

// tokenize is a greedy longest-match WordPiece over lower-cased words.
func (p *Provider) tokenize(text string) []int64 {
	var out []int64
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()")
		if word == "" {
			continue
		}
		if id, ok := p.vocab[word]; ok {
			out = append(out, int64(id))
			continue
		}
		for start := 0; start < len(word); {
			end := len(word)
			for ; end > start; end-- {
				piece := word[start:end]
				if start > 0 {
					piece = "##" + piece
				}
				if id, ok := p.vocab[piece]; ok {
					out = append(out, int64(id))
					break
				}
			}
			if end == start {
				out = append(out, unkToken)
				start++
				continue
			}
			start = end
		}
	}
	return out
}

var _ embedding.Provider = (*Provider)(nil)
