package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/verbumlabs/verbum/internal/providers/wav"
	"github.com/verbumlabs/verbum/internal/utils"
)

// WhisperHTTP implements Provider against a whisper-server compatible
// inference endpoint (POST /inference, multipart WAV, verbose JSON out).
// Used for self-hosted deployments where Cloud Speech is not available.
type WhisperHTTP struct {
	BaseURL string
	Client  *http.Client
}

func NewWhisperHTTP(baseURL string) *WhisperHTTP {
	return &WhisperHTTP{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{},
	}
}

func (w *WhisperHTTP) Close() error { return nil }

type whisperResp struct {
	Language string `json:"language"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
		// avg_logprob is mapped onto [0,1] as a rough confidence.
		AvgLogProb float64 `json:"avg_logprob"`
		Words      []struct {
			Start float64 `json:"start"`
			End   float64 `json:"end"`
			Word  string  `json:"word"`
		} `json:"words"`
	} `json:"segments"`
	Text string `json:"text"`
}

func (w *WhisperHTTP) Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (*Result, error) {
	const op = "WhisperHTTP.Transcribe"

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "window.wav")
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "build request", err)
	}
	if _, err := fw.Write(wav.Encode(samples, sampleRate)); err != nil {
		return nil, utils.E(utils.CodeInternal, op, "build request", err)
	}
	_ = mw.WriteField("response_format", "verbose_json")
	_ = mw.WriteField("word_timestamps", "true")
	if language != "" {
		_ = mw.WriteField("language", language)
	}
	if err := mw.Close(); err != nil {
		return nil, utils.E(utils.CodeInternal, op, "build request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.BaseURL+"/inference", &body)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "build request", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := w.Client.Do(req)
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

	var parsed whisperResp
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "decode inference response", err)
	}

	out := &Result{Text: strings.TrimSpace(parsed.Text)}
	if language == "" {
		out.Language = parsed.Language
	}
	for _, s := range parsed.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		seg := Segment{
			Start:      s.Start,
			End:        s.End,
			Text:       text,
			Confidence: logProbConfidence(s.AvgLogProb),
		}
		for _, word := range s.Words {
			seg.Words = append(seg.Words, Word{Start: word.Start, End: word.End, Text: strings.TrimSpace(word.Word)})
		}
		out.Segments = append(out.Segments, seg)
	}
	return out, nil
}

// logProbConfidence squashes an average log-probability into [0,1].
func logProbConfidence(lp float64) float64 {
	if lp >= 0 {
		return 1
	}
	c := 1 + lp // avg_logprob is typically in (-1, 0) for usable output
	if c < 0 {
		return 0
	}
	return c
}
