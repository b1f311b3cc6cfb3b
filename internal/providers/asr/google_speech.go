package asr

import (
	"context"
	"encoding/binary"
	"errors"
	"math"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"

	"github.com/verbumlabs/verbum/internal/utils"
)

// GoogleSpeech implements Provider on the Cloud Speech-to-Text API with word
// time offsets enabled.
type GoogleSpeech struct {
	c *speech.Client

	// AltLanguages are offered for auto-detection when no hint is given.
	AltLanguages []string
}

func NewGoogleSpeech(ctx context.Context) (*GoogleSpeech, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GoogleSpeech{
		c:            c,
		AltLanguages: []string{"es-ES", "de-DE", "fr-FR"},
	}, nil
}

func (g *GoogleSpeech) Close() error { return g.c.Close() }

func (g *GoogleSpeech) Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (*Result, error) {
	const op = "GoogleSpeech.Transcribe"

	cfg := &speechpb.RecognitionConfig{
		Encoding:                   speechpb.RecognitionConfig_LINEAR16,
		SampleRateHertz:            int32(sampleRate),
		EnableAutomaticPunctuation: true,
		EnableWordTimeOffsets:      true,
	}
	if language != "" {
		cfg.LanguageCode = language
	} else {
		cfg.LanguageCode = "en-US"
		cfg.AlternativeLanguageCodes = g.AltLanguages
	}

	resp, err := g.c.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: cfg,
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: pcm16Bytes(samples)},
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, utils.E(utils.CodeTimeout, op, "recognize deadline exceeded", err)
		}
		return nil, utils.E(utils.CodeUnavailable, op, "recognize failed", err)
	}

	out := &Result{}
	for _, r := range resp.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		if alt.Transcript == "" {
			continue
		}
		if out.Language == "" && language == "" {
			out.Language = r.LanguageCode
		}

		seg := Segment{
			Text:       alt.Transcript,
			Confidence: float64(alt.Confidence),
		}
		for _, w := range alt.Words {
			seg.Words = append(seg.Words, Word{
				Start: w.StartTime.AsDuration().Seconds(),
				End:   w.EndTime.AsDuration().Seconds(),
				Text:  w.Word,
			})
		}
		if len(seg.Words) > 0 {
			seg.Start = seg.Words[0].Start
			seg.End = seg.Words[len(seg.Words)-1].End
		}
		out.Segments = append(out.Segments, seg)
		if out.Text != "" {
			out.Text += " "
		}
		out.Text += alt.Transcript
	}
	return out, nil
}

// pcm16Bytes converts normalized float32 samples to little-endian PCM16.
func pcm16Bytes(samples []float32) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := s
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(math.Round(float64(v)*32767))))
	}
	return buf
}
