package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/verbumlabs/verbum/internal/models"
	"github.com/verbumlabs/verbum/internal/pipeline"
	"github.com/verbumlabs/verbum/internal/providers/wav"
	mongorepo "github.com/verbumlabs/verbum/internal/repositories/mongo"
	"github.com/verbumlabs/verbum/internal/storage"
	"github.com/verbumlabs/verbum/internal/utils"
)

// uploadChunkSeconds sizes the synthetic chunks a batch upload is cut into
// before being fed through the same pipeline live audio uses.
const uploadChunkSeconds = 4.0

type SessionService interface {
	Create(ctx context.Context, name, language string) (*models.Session, error)
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	List(ctx context.Context, status string, limit int64) ([]models.Session, error)
	Delete(ctx context.Context, sessionID string) error

	// Ingest feeds one audio chunk to the session, rehydrating the pipeline
	// worker from storage when the session is not live in this process.
	Ingest(ctx context.Context, sessionID string, chunk pipeline.AudioChunk) error
	Stop(ctx context.Context, sessionID string) (*models.Session, error)

	// Export renders the transcript in one of "json", "txt" or "srt".
	Export(ctx context.Context, sessionID, format string) ([]byte, string, error)

	// ProcessUpload runs a whole WAV file through the pipeline synchronously
	// and archives the original audio.
	ProcessUpload(ctx context.Context, name, language, filename string, wavData []byte) (*models.Session, error)
}

type sessionService struct {
	sessions mongorepo.SessionRepository
	registry *pipeline.Registry
	uploader storage.Uploader
}

func NewSessionService(sessions mongorepo.SessionRepository, registry *pipeline.Registry, uploader storage.Uploader) SessionService {
	return &sessionService{sessions: sessions, registry: registry, uploader: uploader}
}

func (s *sessionService) Create(ctx context.Context, name, language string) (*models.Session, error) {
	const op = "SessionService.Create"

	if name == "" {
		name = "Untitled session"
	}

	session := &models.Session{
		SessionID: uuid.NewString(),
		Name:      name,
		Language:  language,
		Status:    models.SessionCreated,
		Segments:  []models.TranscriptSegment{},
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to create session", err)
	}

	s.registry.Attach(session)
	return session, nil
}

func (s *sessionService) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	const op = "SessionService.Get"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}

	out, err := s.sessions.GetBySessionID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "session not found", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to get session", err)
	}

	// A live session is ahead of its last persisted write; prefer its view.
	if live, lerr := s.registry.Get(sessionID); lerr == nil {
		out.Segments = live.Transcript()
		out.Status = live.State()
		if dl := live.DetectedLanguage(); dl != "" {
			out.DetectedLanguage = dl
		}
	}
	return out, nil
}

func (s *sessionService) List(ctx context.Context, status string, limit int64) ([]models.Session, error) {
	const op = "SessionService.List"

	out, err := s.sessions.List(ctx, status, limit)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list sessions", err)
	}
	return out, nil
}

func (s *sessionService) Delete(ctx context.Context, sessionID string) error {
	const op = "SessionService.Delete"

	if sessionID == "" {
		return utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	if live, err := s.registry.Get(sessionID); err == nil {
		stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		_ = live.Stop(stopCtx)
	}
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return utils.E(utils.CodeNotFound, op, "session not found", err)
		}
		return utils.E(utils.CodeInternal, op, "failed to delete session", err)
	}
	return nil
}

func (s *sessionService) Ingest(ctx context.Context, sessionID string, chunk pipeline.AudioChunk) error {
	live, err := s.liveSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return live.Ingest(chunk)
}

func (s *sessionService) Stop(ctx context.Context, sessionID string) (*models.Session, error) {
	const op = "SessionService.Stop"

	if live, err := s.registry.Get(sessionID); err == nil {
		if err := live.Stop(ctx); err != nil {
			return nil, err
		}
		return s.Get(ctx, sessionID)
	}

	// Not live here. Stopping an already-terminal session is idempotent;
	// anything else means the worker was lost without a clean shutdown.
	stored, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch stored.Status {
	case models.SessionStopped, models.SessionErrorClosed:
		return stored, nil
	default:
		now := time.Now().UTC()
		if err := s.sessions.End(ctx, sessionID, models.SessionStopped, now); err != nil {
			return nil, utils.E(utils.CodeInternal, op, "failed to end session", err)
		}
		stored.Status = models.SessionStopped
		stored.EndedAt = &now
		return stored, nil
	}
}

// liveSession returns the running pipeline session, attaching one from the
// stored document when the worker is not present in this process.
func (s *sessionService) liveSession(ctx context.Context, sessionID string) (*pipeline.Session, error) {
	const op = "SessionService.liveSession"

	if live, err := s.registry.Get(sessionID); err == nil {
		return live, nil
	}

	stored, err := s.sessions.GetBySessionID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "session not found", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to load session", err)
	}
	switch stored.Status {
	case models.SessionStopped, models.SessionErrorClosed:
		return nil, utils.E(utils.CodeConflict, op, "session is closed", nil)
	}
	return s.registry.Attach(stored), nil
}

func (s *sessionService) Export(ctx context.Context, sessionID, format string) ([]byte, string, error) {
	const op = "SessionService.Export"

	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}

	switch format {
	case "", "json":
		b, err := json.MarshalIndent(session, "", "  ")
		if err != nil {
			return nil, "", utils.E(utils.CodeInternal, op, "failed to marshal transcript", err)
		}
		return b, "application/json", nil
	case "txt":
		return renderText(session), "text/plain; charset=utf-8", nil
	case "srt":
		return renderSRT(session), "application/x-subrip", nil
	default:
		return nil, "", utils.E(utils.CodeInvalidArgument, op, "unsupported export format", nil)
	}
}

func (s *sessionService) ProcessUpload(ctx context.Context, name, language, filename string, wavData []byte) (*models.Session, error) {
	const op = "SessionService.ProcessUpload"

	pcm, rate, channels, err := wav.Decode(wavData)
	if err != nil {
		return nil, utils.E(utils.CodeInvalidArgument, op, "invalid wav file", err)
	}

	session, err := s.Create(ctx, name, language)
	if err != nil {
		return nil, err
	}
	live, err := s.registry.Get(session.SessionID)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "session worker missing after create", err)
	}

	chunkBytes := int(uploadChunkSeconds*float64(rate)) * 2 * channels
	var seq int64
	for off := 0; off < len(pcm); off += chunkBytes {
		end := off + chunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		chunk := pipeline.AudioChunk{
			SessionID:  session.SessionID,
			Sequence:   seq,
			SampleRate: rate,
			Channels:   channels,
			PCM:        pcm[off:end],
		}
		if err := s.ingestWithBackoff(ctx, live, chunk); err != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_ = live.Stop(stopCtx)
			cancel()
			return nil, err
		}
		seq++
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := live.Stop(stopCtx); err != nil {
		return nil, err
	}

	if s.uploader != nil {
		object := fmt.Sprintf("sessions/%s/%s", session.SessionID, safeFilename(filename))
		if path, uerr := s.uploader.Upload(ctx, object, "audio/wav", bytes.NewReader(wavData)); uerr == nil {
			_ = s.sessions.SetAudioFile(ctx, session.SessionID, path)
		}
	}

	return s.Get(ctx, session.SessionID)
}

// ingestWithBackoff retries intake-queue-full rejections; a batch upload has
// no real-time pacing, so inference is the natural rate limiter.
func (s *sessionService) ingestWithBackoff(ctx context.Context, live *pipeline.Session, chunk pipeline.AudioChunk) error {
	for {
		err := live.Ingest(chunk)
		if err == nil || !utils.IsCode(err, utils.CodeUnavailable) {
			return err
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return utils.E(utils.CodeTimeout, "SessionService.ProcessUpload", "upload cancelled", ctx.Err())
		}
	}
}

func safeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "audio.wav"
	}
	name = strings.ReplaceAll(name, "/", "_")
	return name
}

func renderText(session *models.Session) []byte {
	var b strings.Builder
	for _, seg := range session.Segments {
		if seg.Degraded || seg.Text == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s - %s] %s: %s\n",
			clockTime(seg.Start), clockTime(seg.End), seg.Speaker, seg.Text)
	}
	return []byte(b.String())
}

func renderSRT(session *models.Session) []byte {
	var b strings.Builder
	n := 0
	for _, seg := range session.Segments {
		if seg.Degraded || seg.Text == "" {
			continue
		}
		n++
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s: %s\n\n",
			n, srtTime(seg.Start), srtTime(seg.End), seg.Speaker, seg.Text)
	}
	return []byte(b.String())
}

func clockTime(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	return fmt.Sprintf("%02d:%02d:%02d", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}

func srtTime(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	ms := d.Milliseconds() % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60, ms)
}
