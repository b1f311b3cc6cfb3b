package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/verbumlabs/verbum/internal/models"
	"github.com/verbumlabs/verbum/internal/providers/asr"
	"github.com/verbumlabs/verbum/internal/providers/diar"
	"github.com/verbumlabs/verbum/internal/utils"
)

// Store is the persistence boundary the pipeline writes finalized transcript
// state through. Implemented by the mongo session repository.
type Store interface {
	SaveTranscript(ctx context.Context, sessionID string, segments []models.TranscriptSegment, speakers map[string]string, audioSeconds float64) error
	SetStatus(ctx context.Context, sessionID, status string) error
	SetLanguage(ctx context.Context, sessionID, language string) error
	End(ctx context.Context, sessionID, status string, endedAt time.Time) error
}

// Config carries the per-session pipeline tunables.
type Config struct {
	Window WindowConfig

	MaxPendingWindows int
	MaxInflight       int
	IdleTimeout       time.Duration

	InferenceTimeout time.Duration
	TimeoutRetries   int
	FailureBudget    int
}

// Session is the per-conversation state machine. One worker goroutine owns
// all mutable pipeline state; chunks and stop requests arrive over channels,
// so no cross-session locking exists anywhere in the pipeline.
//
// While active, window processing is strictly serialized: inference for
// window n+1 may run concurrently with window n's, but merge-and-append is
// gated on window order, so the emitted transcript is always monotonic in
// start time regardless of inference latency jitter.
type Session struct {
	ID       string
	Name     string
	Language string

	cfg        Config
	asr        asr.Provider
	diar       diar.Provider
	resolver   *Resolver
	store      Store
	bus        *Bus
	log        *logrus.Entry
	onTerminal func(id string)

	chunks  chan AudioChunk
	stops   chan chan struct{}
	results chan *windowResult
	done    chan struct{} // closed when the worker has fully shut down

	inferCtx    context.Context
	inferCancel context.CancelFunc

	// worker-owned state
	buffer    *WindowBuffer
	queue     []AnalysisWindow
	inflight  int
	ready     map[int64]*windowResult
	skipped   map[int64]bool
	nextMerge int64
	failures  int

	// shared with readers under mu
	mu         sync.RWMutex
	state      string
	transcript []models.TranscriptSegment
	detected   string
}

type windowResult struct {
	window   AnalysisWindow
	tr       *asr.Result
	dz       *diar.Result
	degraded bool
}

// NewSession builds a session in the CREATED state. doc may carry a
// previously persisted transcript, speaker labels and audio clock, in which
// case the session resumes where the stored one left off.
func NewSession(doc *models.Session, cfg Config, asrP asr.Provider, diarP diar.Provider, resolver *Resolver, store Store, bus *Bus, log *logrus.Logger, onTerminal func(id string)) *Session {
	s := &Session{
		ID:         doc.SessionID,
		Name:       doc.Name,
		Language:   doc.Language,
		cfg:        cfg,
		asr:        asrP,
		diar:       diarP,
		resolver:   resolver,
		store:      store,
		bus:        bus,
		log:        log.WithFields(logrus.Fields{"component": "pipeline", "session_id": doc.SessionID}),
		onTerminal: onTerminal,
		chunks:     make(chan AudioChunk, 32),
		stops:      make(chan chan struct{}),
		results:    make(chan *windowResult, cfg.MaxInflight+1),
		done:       make(chan struct{}),
		ready:      make(map[int64]*windowResult),
		skipped:    make(map[int64]bool),
		buffer:     NewWindowBuffer(cfg.Window, doc.AudioSeconds),
		state:      models.SessionCreated,
		transcript: append([]models.TranscriptSegment(nil), doc.Segments...),
		detected:   doc.DetectedLanguage,
	}
	s.resolver.Restore(doc.Speakers)
	s.inferCtx, s.inferCancel = context.WithCancel(context.Background())
	return s
}

// Start launches the worker goroutine.
func (s *Session) Start() { go s.run() }

// Ingest feeds one audio chunk. Fails once the session is terminal or when
// the intake queue is saturated.
func (s *Session) Ingest(chunk AudioChunk) error {
	const op = "Session.Ingest"

	switch s.State() {
	case models.SessionStopped, models.SessionErrorClosed:
		return utils.E(utils.CodeConflict, op, "session is closed", nil)
	}
	select {
	case s.chunks <- chunk:
		return nil
	default:
		return utils.E(utils.CodeUnavailable, op, "session intake queue is full", nil)
	}
}

// Stop requests a graceful stop (cancel in-flight inference, flush the
// partial window, persist) and waits for the worker to finish. Stopping a
// session whose worker already terminated is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	const op = "Session.Stop"

	ack := make(chan struct{})
	select {
	case s.stops <- ack:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return utils.E(utils.CodeTimeout, op, "stop request timed out", ctx.Err())
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return utils.E(utils.CodeTimeout, op, "stop did not complete in time", ctx.Err())
	}
}

func (s *Session) State() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Transcript returns a copy of the current ordered transcript.
func (s *Session) Transcript() []models.TranscriptSegment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.TranscriptSegment(nil), s.transcript...)
}

func (s *Session) run() {
	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case chunk := <-s.chunks:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.cfg.IdleTimeout)
			s.handleChunk(chunk)

		case res := <-s.results:
			s.inflight--
			s.ready[res.window.ID] = res
			s.drainReady()
			if s.failures >= s.cfg.FailureBudget {
				s.close(models.SessionErrorClosed, "inference failure budget exceeded")
				return
			}
			s.dispatch()

		case ack := <-s.stops:
			s.close(models.SessionStopped, "stopped by client")
			close(ack)
			return

		case <-idle.C:
			s.close(models.SessionStopped, "idle timeout")
			return
		}
	}
}

func (s *Session) handleChunk(chunk AudioChunk) {
	if s.State() == models.SessionCreated {
		s.setState(models.SessionActive, "first audio chunk")
		s.persistStatus(models.SessionActive)
	}

	windows, err := s.buffer.Append(chunk)
	if err != nil {
		s.log.WithError(err).Error("audio buffering failed, chunk dropped")
		return
	}

	for _, w := range windows {
		if w.Discontinuity {
			s.log.WithField("window", w.ID).Warn("sequence gap detected, window flagged")
		}
		s.enqueue(w)
	}
	s.dispatch()
}

// enqueue adds a window to the pending queue, preferring to drop the oldest
// not-yet-dispatched window over unbounded growth when inference cannot keep
// up with the audio rate.
func (s *Session) enqueue(w AnalysisWindow) {
	if len(s.queue) >= s.cfg.MaxPendingWindows {
		dropped := s.queue[0]
		s.queue = s.queue[1:]
		s.skipped[dropped.ID] = true
		s.log.WithField("window", dropped.ID).Warn("pending queue full, oldest window dropped")
	}
	s.queue = append(s.queue, w)
}

func (s *Session) dispatch() {
	for s.inflight < s.cfg.MaxInflight && len(s.queue) > 0 {
		w := s.queue[0]
		s.queue = s.queue[1:]
		s.inflight++
		go func(w AnalysisWindow) {
			s.results <- s.infer(s.inferCtx, w)
		}(w)
	}
}

// infer runs both adapters concurrently on one window. Timeouts are retried
// up to the configured budget; model errors are not. Either side failing
// degrades the whole window.
func (s *Session) infer(ctx context.Context, w AnalysisWindow) *windowResult {
	res := &windowResult{window: w}

	var wg sync.WaitGroup
	var trErr, dzErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		trErr = s.withRetry(ctx, "transcribe", w.ID, func(callCtx context.Context) error {
			tr, err := s.asr.Transcribe(callCtx, w.Samples, s.cfg.Window.SampleRate, s.Language)
			if err == nil {
				res.tr = tr
			}
			return err
		})
	}()
	go func() {
		defer wg.Done()
		dzErr = s.withRetry(ctx, "diarize", w.ID, func(callCtx context.Context) error {
			dz, err := s.diar.Diarize(callCtx, w.Samples, s.cfg.Window.SampleRate)
			if err == nil {
				res.dz = dz
			}
			return err
		})
	}()
	wg.Wait()

	if trErr != nil || dzErr != nil {
		res.degraded = true
	}
	return res
}

func (s *Session) withRetry(ctx context.Context, op string, windowID int64, call func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= s.cfg.TimeoutRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.InferenceTimeout)
		err = call(callCtx)
		cancel()

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err // session cancelled, result will be discarded
		}
		if !utils.IsCode(err, utils.CodeTimeout) {
			s.log.WithError(err).WithFields(logrus.Fields{"op": op, "window": windowID}).Error("inference failed")
			return err
		}
		s.log.WithFields(logrus.Fields{"op": op, "window": windowID, "attempt": attempt + 1}).Warn("inference timeout")
	}
	return err
}

// drainReady merges completed windows strictly in window order; a result for
// window n+1 waits until window n has been merged (or skipped).
func (s *Session) drainReady() {
	for {
		if s.skipped[s.nextMerge] {
			delete(s.skipped, s.nextMerge)
			s.nextMerge++
			continue
		}
		res, ok := s.ready[s.nextMerge]
		if !ok {
			return
		}
		delete(s.ready, s.nextMerge)
		s.merge(res)
		s.nextMerge++
	}
}

func (s *Session) merge(res *windowResult) {
	w := res.window

	if res.degraded {
		s.failures++
		placeholder := models.TranscriptSegment{
			Start:    w.Start,
			End:      w.End,
			Text:     "",
			Speaker:  models.UnknownSpeaker,
			WindowID: w.ID,
			Degraded: true,
		}
		s.mu.Lock()
		s.transcript = insertOrdered(s.transcript, placeholder)
		s.mu.Unlock()
		s.publishSegments([]models.TranscriptSegment{placeholder})
		s.persistTranscript()
		return
	}
	s.failures = 0

	if s.Language == "" && s.detected == "" && res.tr != nil && res.tr.Language != "" {
		s.detected = res.tr.Language
		s.persistLanguage(res.tr.Language)
	}

	// resolution gets its own deadline: the flush window resolves after
	// inference for the session has already been cancelled
	rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer rcancel()
	cands := Reconcile(w, res.tr, res.dz, func(cluster string, emb []float32) string {
		return s.resolver.Resolve(rctx, cluster, emb)
	})

	s.mu.Lock()
	merged, produced := MergeAppend(s.transcript, cands, w.Discontinuity)
	s.transcript = merged
	s.mu.Unlock()

	if len(produced) > 0 {
		s.publishSegments(produced)
		s.persistTranscript()
	}
}

// close finishes the session: drops pending work, cancels in-flight
// inference, flushes the trailing partial window (graceful stop only) and
// persists the final state. Terminal states are never left.
func (s *Session) close(state, reason string) {
	s.queue = nil
	s.inferCancel()

	if state == models.SessionStopped {
		if flush := s.buffer.Flush(); flush != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.InferenceTimeout*time.Duration(s.cfg.TimeoutRetries+1))
			res := s.infer(ctx, *flush)
			cancel()
			s.merge(res)
		}
	}

	s.setState(state, reason)
	s.persistTranscript()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.End(ctx, s.ID, state, time.Now().UTC()); err != nil {
		s.log.WithError(err).Error("failed to persist session end")
	}

	if s.onTerminal != nil {
		s.onTerminal(s.ID)
	}
	close(s.done)
}

func (s *Session) setState(state, reason string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"state": state, "reason": reason}).Info("session state changed")
	s.bus.Publish(SessionStateChanged{SessionID: s.ID, State: state, Reason: reason})
}

func (s *Session) publishSegments(segments []models.TranscriptSegment) {
	s.bus.Publish(SegmentProduced{SessionID: s.ID, Segments: segments})
}

func (s *Session) persistTranscript() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.mu.RLock()
	segments := append([]models.TranscriptSegment(nil), s.transcript...)
	s.mu.RUnlock()

	if err := s.store.SaveTranscript(ctx, s.ID, segments, s.resolver.Labels(), s.buffer.Seconds()); err != nil {
		s.log.WithError(err).Error("failed to persist transcript")
	}
}

func (s *Session) persistStatus(status string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.SetStatus(ctx, s.ID, status); err != nil {
		s.log.WithError(err).Error("failed to persist session status")
	}
}

func (s *Session) persistLanguage(lang string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.SetLanguage(ctx, s.ID, lang); err != nil {
		s.log.WithError(err).Error("failed to persist detected language")
	}
}

// DetectedLanguage returns the auto-detected language, when any.
func (s *Session) DetectedLanguage() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.detected
}
