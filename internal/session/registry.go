package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voxgate/server/domain/repositories"
)

// RegistryConfig controls the idle-eviction sweep.
type RegistryConfig struct {
	// IdleTimeout is how long a session may sit without client activity
	// before the sweep force-closes it.
	IdleTimeout time.Duration

	// SweepInterval is how often the sweep scans the registry.
	SweepInterval time.Duration

	Session Config
}

// Registry is the process-wide, concurrency-safe map from client id to
// session. The lock guards map mutation only; it is never held across an
// upstream call.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	recognizer repositories.Recognizer
	consumer   repositories.TranscriptConsumer
	cfg        RegistryConfig
	logger     *zap.Logger

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates an empty registry.
func NewRegistry(
	recognizer repositories.Recognizer,
	consumer repositories.TranscriptConsumer,
	cfg RegistryConfig,
	logger *zap.Logger,
) *Registry {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return &Registry{
		sessions:   make(map[string]*Session),
		recognizer: recognizer,
		consumer:   consumer,
		cfg:        cfg,
		logger:     logger,
		stopChan:   make(chan struct{}),
	}
}

// GetOrCreate returns the client's session, creating it if absent.
// Creation is idempotent per client id: a concurrent second call returns
// the same session.
func (r *Registry) GetOrCreate(clientID string, sink EventSink) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[clientID]; ok {
		return s
	}
	s := New(clientID, r.recognizer, r.consumer, sink, r.cfg.Session, r.logger)
	r.sessions[clientID] = s
	r.logger.Info("Session registered",
		zap.String("clientID", clientID),
		zap.String("sessionID", s.ID))
	return s
}

// Attach binds a new connection to the client id. Any existing session is
// replaced and closed: a fresh connection never inherits a dead upstream
// stream or a sink wired to the previous connection.
func (r *Registry) Attach(clientID string, sink EventSink) *Session {
	r.mu.Lock()
	old := r.sessions[clientID]
	s := New(clientID, r.recognizer, r.consumer, sink, r.cfg.Session, r.logger)
	r.sessions[clientID] = s
	r.mu.Unlock()

	if old != nil {
		old.Close()
		r.logger.Info("Session replaced by new connection",
			zap.String("clientID", clientID))
	}
	r.logger.Info("Session attached",
		zap.String("clientID", clientID),
		zap.String("sessionID", s.ID))
	return s
}

// Detach closes the connection's session and evicts it, unless a newer
// connection has already replaced it in the registry.
func (r *Registry) Detach(clientID string, s *Session) {
	r.mu.Lock()
	current, ok := r.sessions[clientID]
	if ok && current == s {
		delete(r.sessions, clientID)
	}
	r.mu.Unlock()

	s.Close()
	if ok && current == s {
		r.logger.Info("Session detached", zap.String("clientID", clientID))
	}
}

// Get looks up an existing session.
func (r *Registry) Get(clientID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[clientID]
	return s, ok
}

// Remove closes and evicts the client's session. Removing an absent id is
// a no-op.
func (r *Registry) Remove(clientID string) {
	r.mu.Lock()
	s, ok := r.sessions[clientID]
	if ok {
		delete(r.sessions, clientID)
	}
	r.mu.Unlock()

	if ok {
		s.Close()
		r.logger.Info("Session removed", zap.String("clientID", clientID))
	}
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// StartSweeper begins the background idle-eviction loop.
func (r *Registry) StartSweeper() {
	go r.sweepLoop()
	r.logger.Info("Idle-eviction sweep started",
		zap.Duration("interval", r.cfg.SweepInterval),
		zap.Duration("idleTimeout", r.cfg.IdleTimeout))
}

// Stop halts the sweep loop.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep force-closes sessions a client silently abandoned, reclaiming
// their upstream connections.
func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.cfg.IdleTimeout)

	r.mu.RLock()
	var expired []string
	for clientID, s := range r.sessions {
		if s.LastActivity().Before(cutoff) {
			expired = append(expired, clientID)
		}
	}
	r.mu.RUnlock()

	for _, clientID := range expired {
		r.logger.Info("Evicting idle session", zap.String("clientID", clientID))
		r.Remove(clientID)
	}
}

// CloseAll drains the registry at shutdown, force-closing every session
// and waiting for upstream release.
func (r *Registry) CloseAll() {
	r.Stop()

	r.mu.Lock()
	drained := make([]*Session, 0, len(r.sessions))
	for clientID, s := range r.sessions {
		drained = append(drained, s)
		delete(r.sessions, clientID)
	}
	r.mu.Unlock()

	for _, s := range drained {
		s.Close()
		<-s.Done()
	}
	if len(drained) > 0 {
		r.logger.Info("Registry drained", zap.Int("sessions", len(drained)))
	}
}
