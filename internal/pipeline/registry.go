package pipeline

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/verbumlabs/verbum/internal/models"
	"github.com/verbumlabs/verbum/internal/providers/asr"
	"github.com/verbumlabs/verbum/internal/providers/diar"
	"github.com/verbumlabs/verbum/internal/utils"
)

// Registry owns the live sessions of one process. Sessions remove themselves
// on reaching a terminal state; lookups after that fall through to storage.
type Registry struct {
	cfg      Config
	asr      asr.Provider
	diar     diar.Provider
	profiles ProfileSource
	store    Store
	bus      *Bus
	log      *logrus.Logger

	threshold float64
	margin    float64

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(cfg Config, threshold, margin float64, asrP asr.Provider, diarP diar.Provider, profiles ProfileSource, store Store, bus *Bus, log *logrus.Logger) *Registry {
	return &Registry{
		cfg:       cfg,
		asr:       asrP,
		diar:      diarP,
		profiles:  profiles,
		store:     store,
		bus:       bus,
		log:       log,
		threshold: threshold,
		margin:    margin,
		sessions:  make(map[string]*Session),
	}
}

// Attach builds a live session from its stored document and starts the
// worker. Used both for fresh sessions and for rehydrating a stopped-process
// session that still has audio coming; a rehydrated session resumes its
// transcript, speaker labels and audio clock.
func (r *Registry) Attach(doc *models.Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[doc.SessionID]; ok {
		return existing
	}

	resolver := NewResolver(r.profiles, r.threshold, r.margin,
		r.log.WithFields(logrus.Fields{"component": "resolver", "session_id": doc.SessionID}))

	s := NewSession(doc, r.cfg, r.asr, r.diar, resolver, r.store, r.bus, r.log, r.remove)
	r.sessions[doc.SessionID] = s
	s.Start()

	r.log.WithField("session_id", doc.SessionID).Info("session attached")
	return s
}

// Get returns the live session, or a not-found error when it is not running
// in this process.
func (r *Registry) Get(id string) (*Session, error) {
	const op = "Registry.Get"

	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, utils.E(utils.CodeNotFound, op, "no live session with this id", nil)
	}
	return s, nil
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}
