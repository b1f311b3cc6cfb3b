package diar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/verbumlabs/verbum/internal/providers/wav"
	"github.com/verbumlabs/verbum/internal/utils"
)

// PyannoteHTTP implements Provider against a pyannote-style diarization
// service exposing POST /diarize and POST /embed, WAV in, JSON out.
type PyannoteHTTP struct {
	BaseURL string
	Client  *http.Client
}

func NewPyannoteHTTP(baseURL string) *PyannoteHTTP {
	return &PyannoteHTTP{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{},
	}
}

func (p *PyannoteHTTP) Close() error { return nil }

type diarizeResp struct {
	Segments []struct {
		Start   float64 `json:"start"`
		End     float64 `json:"end"`
		Speaker string  `json:"speaker"`
	} `json:"segments"`
	Embeddings map[string][]float32 `json:"embeddings"`
}

func (p *PyannoteHTTP) Diarize(ctx context.Context, samples []float32, sampleRate int) (*Result, error) {
	const op = "PyannoteHTTP.Diarize"

	body, err := p.post(ctx, op, "/diarize", samples, sampleRate)
	if err != nil {
		return nil, err
	}

	var parsed diarizeResp
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "decode diarization response", err)
	}

	out := &Result{Embeddings: parsed.Embeddings}
	for _, s := range parsed.Segments {
		out.Segments = append(out.Segments, Segment{Start: s.Start, End: s.End, Cluster: s.Speaker})
	}
	return out, nil
}

type embedResp struct {
	Embedding []float32 `json:"embedding"`
}

func (p *PyannoteHTTP) Embed(ctx context.Context, samples []float32, sampleRate int) ([]float32, error) {
	const op = "PyannoteHTTP.Embed"

	body, err := p.post(ctx, op, "/embed", samples, sampleRate)
	if err != nil {
		return nil, err
	}

	var parsed embedResp
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "decode embedding response", err)
	}
	if len(parsed.Embedding) == 0 {
		return nil, utils.E(utils.CodeUnavailable, op, "empty embedding", nil)
	}
	return parsed.Embedding, nil
}

func (p *PyannoteHTTP) post(ctx context.Context, op, path string, samples []float32, sampleRate int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+path,
		bytes.NewReader(wav.Encode(samples, sampleRate)))
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "build request", err)
	}
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := p.Client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, utils.E(utils.CodeTimeout, op, "inference deadline exceeded", err)
		}
		return nil, utils.E(utils.CodeUnavailable, op, "inference request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, utils.E(utils.CodeUnavailable, op,
			fmt.Sprintf("inference returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b))), nil)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 16<<20))
}
