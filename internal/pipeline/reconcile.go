package pipeline

import (
	"sort"
	"strings"

	"github.com/verbumlabs/verbum/internal/models"
	"github.com/verbumlabs/verbum/internal/providers/asr"
	"github.com/verbumlabs/verbum/internal/providers/diar"
)

// timeEps absorbs float jitter when comparing segment boundaries.
const timeEps = 1e-3

// Candidate is a reconciled segment before seam merging, carrying its word
// timing so boundary truncation can cut on word midpoints.
type Candidate struct {
	Segment models.TranscriptSegment
	Words   []asr.Word // session-relative times; may be empty
}

// Reconcile merges one window's transcription and diarization results into
// speaker-attributed candidates. Boundaries follow transcription timing; the
// speaker follows the diarization segment with the greatest temporal overlap,
// ties broken by earliest diarization start. Spans with no overlapping
// diarization segment get the unknown-speaker sentinel instead of being
// dropped. resolve maps a cluster id (plus its representative embedding) to a
// stable session label.
func Reconcile(w AnalysisWindow, tr *asr.Result, dz *diar.Result, resolve func(cluster string, embedding []float32) string) []Candidate {
	var out []Candidate
	if tr == nil {
		return out
	}

	var dzSegs []diar.Segment
	var embeddings map[string][]float32
	if dz != nil {
		dzSegs = dz.Segments
		embeddings = dz.Embeddings
	}

	for _, seg := range tr.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}

		start := w.Start + seg.Start
		end := w.Start + seg.End

		bestCluster := ""
		bestOverlap := 0.0
		bestStart := 0.0
		for _, d := range dzSegs {
			ds := w.Start + d.Start
			de := w.Start + d.End
			ov := overlap(start, end, ds, de)
			if ov <= 0 {
				continue
			}
			if ov > bestOverlap+timeEps || (abs(ov-bestOverlap) <= timeEps && ds < bestStart-timeEps) {
				bestOverlap = ov
				bestCluster = d.Cluster
				bestStart = ds
			}
		}

		speaker := models.UnknownSpeaker
		if bestCluster != "" {
			speaker = resolve(bestCluster, embeddings[bestCluster])
		}

		words := make([]asr.Word, 0, len(seg.Words))
		for _, word := range seg.Words {
			words = append(words, asr.Word{
				Start: w.Start + word.Start,
				End:   w.Start + word.End,
				Text:  word.Text,
			})
		}

		out = append(out, Candidate{
			Segment: models.TranscriptSegment{
				Start:      start,
				End:        end,
				Text:       text,
				Speaker:    speaker,
				Confidence: clamp01(seg.Confidence),
				WindowID:   w.ID,
			},
			Words: words,
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Segment.Start < out[j].Segment.Start })
	return out
}

// MergeAppend folds one window's candidates into the running transcript.
// Because consecutive windows overlap, the seam region is transcribed twice;
// this must merge, not duplicate:
//
//   - a candidate fully contained in an already-kept segment of equal or
//     higher confidence is dropped;
//   - kept segments fully contained in a strictly more confident candidate
//     are replaced by it;
//   - a candidate partially overlapping the kept tail is truncated at the
//     seam, cutting on word midpoints so no word appears twice.
//
// When the window carried a discontinuity flag the seam rules are skipped:
// the overlap region does not actually repeat audio, so stitching across it
// would eat real words.
//
// Degraded placeholders hold no speech, so they never claim the seam and
// never cover a candidate; instead a candidate overlapping one shrinks the
// placeholder to the span still lacking real coverage.
//
// Returns the new transcript (non-decreasing start order) and the segments
// that were produced or updated by this call.
func MergeAppend(transcript []models.TranscriptSegment, cands []Candidate, discontinuity bool) (merged, produced []models.TranscriptSegment) {
	merged = transcript

	for _, c := range cands {
		seg := c.Segment

		if !discontinuity {
			if coveredByExisting(merged, seg) {
				continue
			}
			merged = replaceContained(merged, seg)

			seam := tailEnd(merged, seg)
			if seam > seg.Start+timeEps {
				trimmed, ok := truncateAtSeam(seg, c.Words, seam)
				if !ok {
					continue
				}
				seg = trimmed
			}
		}

		merged = shrinkDegraded(merged, seg)
		merged = insertOrdered(merged, seg)
		produced = append(produced, seg)
	}
	return merged, produced
}

// coveredByExisting reports whether seg lies fully inside a kept segment of
// equal or higher confidence. Degraded placeholders cover nothing.
func coveredByExisting(transcript []models.TranscriptSegment, seg models.TranscriptSegment) bool {
	for _, e := range transcript {
		if e.Degraded {
			continue
		}
		if e.Start <= seg.Start+timeEps && seg.End <= e.End+timeEps && e.Confidence >= seg.Confidence {
			return true
		}
	}
	return false
}

// replaceContained removes kept segments fully inside seg when seg is
// strictly more confident; the caller then inserts seg in their place.
func replaceContained(transcript []models.TranscriptSegment, seg models.TranscriptSegment) []models.TranscriptSegment {
	kept := transcript[:0]
	for _, e := range transcript {
		contained := seg.Start <= e.Start+timeEps && e.End <= seg.End+timeEps
		if contained && seg.Confidence > e.Confidence {
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

// tailEnd returns the latest end time among kept segments that overlap seg
// from the left (segments starting before seg does). Degraded placeholders
// hold no words and do not count; truncating against one would discard the
// only transcription of that span.
func tailEnd(transcript []models.TranscriptSegment, seg models.TranscriptSegment) float64 {
	end := 0.0
	for _, e := range transcript {
		if e.Degraded {
			continue
		}
		if e.Start <= seg.Start+timeEps && e.End > end {
			end = e.End
		}
	}
	return end
}

// shrinkDegraded trims degraded placeholders where seg now provides real
// coverage. A placeholder fully inside seg disappears; a partial overlap
// keeps only the still-uncovered span, split in two when seg lands in the
// middle.
func shrinkDegraded(transcript []models.TranscriptSegment, seg models.TranscriptSegment) []models.TranscriptSegment {
	kept := make([]models.TranscriptSegment, 0, len(transcript))
	for _, e := range transcript {
		if !e.Degraded || overlap(e.Start, e.End, seg.Start, seg.End) <= 0 {
			kept = append(kept, e)
			continue
		}
		if e.Start < seg.Start-timeEps {
			left := e
			left.End = seg.Start
			kept = append(kept, left)
		}
		if e.End > seg.End+timeEps {
			right := e
			right.Start = seg.End
			kept = append(kept, right)
		}
	}
	return kept
}

// truncateAtSeam clips seg's head at the seam. With word timing, a word
// belongs to the earlier segment when its midpoint falls before the seam;
// without word timing the whole segment is dropped if the seam swallows more
// than half of it.
func truncateAtSeam(seg models.TranscriptSegment, words []asr.Word, seam float64) (models.TranscriptSegment, bool) {
	if seam >= seg.End-timeEps {
		return seg, false
	}

	if len(words) == 0 {
		if seam-seg.Start > (seg.End-seg.Start)/2 {
			return seg, false
		}
		seg.Start = seam
		return seg, true
	}

	var keptWords []asr.Word
	for _, w := range words {
		if (w.Start+w.End)/2 >= seam {
			keptWords = append(keptWords, w)
		}
	}
	if len(keptWords) == 0 {
		return seg, false
	}

	parts := make([]string, len(keptWords))
	for i, w := range keptWords {
		parts[i] = w.Text
	}
	seg.Start = keptWords[0].Start
	seg.Text = strings.Join(parts, " ")
	return seg, true
}

func insertOrdered(transcript []models.TranscriptSegment, seg models.TranscriptSegment) []models.TranscriptSegment {
	i := sort.Search(len(transcript), func(i int) bool { return transcript[i].Start > seg.Start })
	transcript = append(transcript, models.TranscriptSegment{})
	copy(transcript[i+1:], transcript[i:])
	transcript[i] = seg
	return transcript
}

func overlap(aStart, aEnd, bStart, bEnd float64) float64 {
	s := aStart
	if bStart > s {
		s = bStart
	}
	e := aEnd
	if bEnd < e {
		e = bEnd
	}
	if e <= s {
		return 0
	}
	return e - s
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
