package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/verbumlabs/verbum/internal/broadcast"
	"github.com/verbumlabs/verbum/internal/models"
	"github.com/verbumlabs/verbum/internal/pipeline"
	"github.com/verbumlabs/verbum/internal/providers/wav"
	"github.com/verbumlabs/verbum/internal/services"
	"github.com/verbumlabs/verbum/internal/utils"
)

type WSHandler struct {
	sessions services.SessionService
	speakers services.SpeakerService
	redis    *redis.Client
	log      *logrus.Entry
	upgrader websocket.Upgrader
}

func NewWSHandler(sessions services.SessionService, speakers services.SpeakerService, rdb *redis.Client, log *logrus.Logger) *WSHandler {
	return &WSHandler{
		sessions: sessions,
		speakers: speakers,
		redis:    rdb,
		log:      log.WithField("component", "ws"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // TODO: restrict origin in prod
		},
	}
}

type wsClientMsg struct {
	Type string `json:"type"`

	// start_session / join_session
	SessionID   string `json:"session_id"`
	SessionName string `json:"session_name"`
	Language    string `json:"language"`

	// audio_data: base64 PCM16; sequence is optional, the server numbers
	// chunks itself when the client does not
	Sequence   int64  `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	AudioData  string `json:"audio_data"`

	// add_speaker
	SpeakerName string `json:"speaker_name"`
	AudioSample string `json:"audio_sample"`

	// export_transcript
	Format string `json:"format"`
}

type wsConn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (w *wsConn) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.c.WriteMessage(websocket.TextMessage, b)
}

func (w *wsConn) writeError(err error) {
	code := utils.CodeInternal
	msg := "internal error"
	var ae *utils.AppError
	if errors.As(err, &ae) {
		code = ae.Code
		msg = ae.Message
	}
	_ = w.writeJSON(gin.H{"type": "error", "code": code, "message": msg})
}

// Stream is the realtime endpoint. One connection can drive and observe any
// number of sessions; transcript events reach it through Redis pub/sub, so
// observers on other server instances see the same stream.
func (h *WSHandler) Stream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	wc := &wsConn{c: conn}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	pubsub := h.redis.Subscribe(ctx)
	defer pubsub.Close()

	// pubsub -> ws
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				h.forwardEvent(wc, m.Payload)
			}
		}
	}()

	autoSeq := map[string]int64{}

	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		_, data, rerr := conn.ReadMessage()
		if rerr != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))

		var msg wsClientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = wc.writeJSON(gin.H{"type": "error", "code": utils.CodeInvalidArgument, "message": "invalid json"})
			continue
		}

		switch msg.Type {
		case "start_session":
			h.handleStart(ctx, wc, pubsub, msg)
		case "join_session":
			h.handleJoin(ctx, wc, pubsub, msg)
		case "audio_data":
			h.handleAudio(ctx, wc, msg, autoSeq)
		case "stop_session":
			h.handleStop(ctx, wc, msg)
		case "add_speaker":
			h.handleAddSpeaker(ctx, wc, msg)
		case "export_transcript":
			h.handleExport(ctx, wc, msg)
		default:
			_ = wc.writeJSON(gin.H{"type": "error", "code": utils.CodeInvalidArgument, "message": "unknown message type"})
		}
	}
}

func (h *WSHandler) handleStart(ctx context.Context, wc *wsConn, pubsub *redis.PubSub, msg wsClientMsg) {
	sess, err := h.sessions.Create(ctx, msg.SessionName, msg.Language)
	if err != nil {
		wc.writeError(err)
		return
	}
	if err := pubsub.Subscribe(ctx, broadcast.EventChannel(sess.SessionID)); err != nil {
		h.log.WithError(err).Warn("event subscribe failed")
	}
	_ = wc.writeJSON(gin.H{
		"type":         "session_started",
		"session_id":   sess.SessionID,
		"session_name": sess.Name,
	})
}

func (h *WSHandler) handleJoin(ctx context.Context, wc *wsConn, pubsub *redis.PubSub, msg wsClientMsg) {
	sess, err := h.sessions.Get(ctx, msg.SessionID)
	if err != nil {
		wc.writeError(err)
		return
	}
	if err := pubsub.Subscribe(ctx, broadcast.EventChannel(sess.SessionID)); err != nil {
		h.log.WithError(err).Warn("event subscribe failed")
	}
	_ = wc.writeJSON(gin.H{
		"type":         "session_joined",
		"session_id":   sess.SessionID,
		"session_name": sess.Name,
		"status":       sess.Status,
		"segments":     sess.Segments,
	})
}

func (h *WSHandler) handleAudio(ctx context.Context, wc *wsConn, msg wsClientMsg, autoSeq map[string]int64) {
	if msg.SessionID == "" || msg.AudioData == "" {
		_ = wc.writeJSON(gin.H{"type": "error", "code": utils.CodeInvalidArgument, "message": "session_id and audio_data are required"})
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(msg.AudioData)
	if err != nil {
		_ = wc.writeJSON(gin.H{"type": "error", "code": utils.CodeInvalidArgument, "message": "audio_data is not valid base64"})
		return
	}

	seq := msg.Sequence
	if seq == 0 {
		seq = autoSeq[msg.SessionID]
	}
	autoSeq[msg.SessionID] = seq + 1

	rate := msg.SampleRate
	if rate == 0 {
		rate = 16000
	}
	channels := msg.Channels
	if channels == 0 {
		channels = 1
	}

	err = h.sessions.Ingest(ctx, msg.SessionID, pipeline.AudioChunk{
		SessionID:  msg.SessionID,
		Sequence:   seq,
		SampleRate: rate,
		Channels:   channels,
		PCM:        pcm,
	})
	if err != nil {
		wc.writeError(err)
	}
}

func (h *WSHandler) handleStop(ctx context.Context, wc *wsConn, msg wsClientMsg) {
	if msg.SessionID == "" {
		_ = wc.writeJSON(gin.H{"type": "error", "code": utils.CodeInvalidArgument, "message": "session_id is required"})
		return
	}
	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if _, err := h.sessions.Stop(stopCtx, msg.SessionID); err != nil {
		wc.writeError(err)
	}
	// session_stopped reaches the client through the event channel
}

func (h *WSHandler) handleAddSpeaker(ctx context.Context, wc *wsConn, msg wsClientMsg) {
	if msg.SpeakerName == "" || msg.AudioSample == "" {
		_ = wc.writeJSON(gin.H{"type": "error", "code": utils.CodeInvalidArgument, "message": "speaker_name and audio_sample are required"})
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(msg.AudioSample)
	if err != nil {
		_ = wc.writeJSON(gin.H{"type": "error", "code": utils.CodeInvalidArgument, "message": "audio_sample is not valid base64"})
		return
	}
	rate := msg.SampleRate
	if rate == 0 {
		rate = 16000
	}

	// the enrollment path expects a WAV container
	wavData := wav.Encode(wav.PCM16ToFloat32(pcm), rate)
	speaker, err := h.speakers.Enroll(ctx, msg.SpeakerName, nil, wavData)
	if err != nil {
		wc.writeError(err)
		return
	}
	_ = wc.writeJSON(gin.H{
		"type":         "speaker_added",
		"speaker_id":   speaker.ID,
		"speaker_name": speaker.Name,
	})
}

func (h *WSHandler) handleExport(ctx context.Context, wc *wsConn, msg wsClientMsg) {
	if msg.SessionID == "" {
		_ = wc.writeJSON(gin.H{"type": "error", "code": utils.CodeInvalidArgument, "message": "session_id is required"})
		return
	}
	data, contentType, err := h.sessions.Export(ctx, msg.SessionID, msg.Format)
	if err != nil {
		wc.writeError(err)
		return
	}
	_ = wc.writeJSON(gin.H{
		"type":         "transcript_exported",
		"session_id":   msg.SessionID,
		"format":       msg.Format,
		"content_type": contentType,
		"content":      base64.StdEncoding.EncodeToString(data),
	})
}

// forwardEvent translates a broadcast envelope into the client protocol.
func (h *WSHandler) forwardEvent(wc *wsConn, payload string) {
	var env broadcast.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return
	}

	switch env.Type {
	case "new_segments":
		var out map[string]any
		if err := json.Unmarshal(env.Payload, &out); err != nil {
			return
		}
		out["type"] = "new_segments"
		_ = wc.writeJSON(out)

	case "session_state":
		var ev pipeline.SessionStateChanged
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return
		}
		switch ev.State {
		case models.SessionStopped, models.SessionErrorClosed:
			_ = wc.writeJSON(gin.H{
				"type":       "session_stopped",
				"session_id": ev.SessionID,
				"state":      ev.State,
				"reason":     ev.Reason,
			})
		default:
			_ = wc.writeJSON(gin.H{
				"type":       "session_status",
				"session_id": ev.SessionID,
				"state":      ev.State,
			})
		}
	}
}
