// Package hub hosts live sessions. Each session runs as one goroutine
// consuming a buffered inbound queue, which gives every aggregate the
// single-writer discipline the router requires: no two inbound messages
// for the same session ever interleave their effects. Different sessions
// are fully independent and run in parallel.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tandemlab/tandem/internal/metrics"
	"github.com/tandemlab/tandem/internal/participant"
	"github.com/tandemlab/tandem/internal/protocol"
	"github.com/tandemlab/tandem/internal/router"
	"github.com/tandemlab/tandem/internal/session"
)

// Transport is one participant's duplex connection, reduced to the half
// the hub needs. Wire framing lives outside the core.
type Transport interface {
	ParticipantID() string
	Send(env *protocol.Envelope) error
}

// Archiver persists the inbound message stream for audit. The in-memory
// aggregate stays authoritative; archiving is best-effort.
type Archiver interface {
	SaveMessage(ctx context.Context, sessionID string, env *protocol.Envelope) error
}

// Options tune the hub.
type Options struct {
	// SweepInterval is how often each session checks gate expiry and
	// presence timeouts. Zero disables sweeping.
	SweepInterval time.Duration
	// Archive, when set, receives every inbound message.
	Archive Archiver
	// Defaults seeds new sessions created without an explicit config.
	Defaults session.Config
}

// Hub owns all live sessions in the process.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*liveSession
	router   *router.Router
	log      zerolog.Logger
	opts     Options
}

type liveSession struct {
	sess       *session.Session
	inbound    chan *protocol.Envelope
	commands   chan func(*liveSession)
	done       chan struct{}
	transports map[string]Transport
	log        zerolog.Logger
}

// New creates a hub routing through the given logger.
func New(log zerolog.Logger, opts Options) *Hub {
	return &Hub{
		sessions: make(map[string]*liveSession),
		router:   router.New(log),
		log:      log,
		opts:     opts,
	}
}

// CreateSession starts a session goroutine and returns the session id.
// A nil cfg uses the hub defaults.
func (h *Hub) CreateSession(id, name string, cfg *session.Config) string {
	if id == "" {
		id = uuid.NewString()
	}
	effective := h.opts.Defaults
	if cfg != nil {
		effective = *cfg
	}

	ls := &liveSession{
		sess:       session.New(id, name, effective),
		inbound:    make(chan *protocol.Envelope, 256),
		commands:   make(chan func(*liveSession), 16),
		done:       make(chan struct{}),
		transports: make(map[string]Transport),
		log:        h.log.With().Str("session", id).Logger(),
	}

	h.mu.Lock()
	h.sessions[id] = ls
	h.mu.Unlock()

	metrics.SessionsActive.Inc()
	h.log.Info().Str("session", id).Str("name", name).Msg("session created")
	go h.runSession(ls)
	return id
}

// CloseSession stops a session's goroutine and forgets it.
func (h *Hub) CloseSession(id string) error {
	h.mu.Lock()
	ls, ok := h.sessions[id]
	if ok {
		delete(h.sessions, id)
	}
	h.mu.Unlock()
	if !ok {
		return protocol.NotFound("no session %s", id)
	}
	close(ls.done)
	metrics.SessionsActive.Dec()
	h.log.Info().Str("session", id).Msg("session closed")
	return nil
}

// Shutdown closes every live session.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*liveSession)
	h.mu.Unlock()
	for _, ls := range sessions {
		close(ls.done)
		metrics.SessionsActive.Dec()
	}
}

func (h *Hub) live(id string) (*liveSession, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ls, ok := h.sessions[id]
	if !ok {
		return nil, protocol.NotFound("no session %s", id)
	}
	return ls, nil
}

// Submit queues an inbound envelope for routing. Participants are
// asynchronous producers; the queue serializes them.
func (h *Hub) Submit(sessionID string, env *protocol.Envelope) error {
	ls, err := h.live(sessionID)
	if err != nil {
		return err
	}
	select {
	case ls.inbound <- env:
		return nil
	case <-ls.done:
		return protocol.NotFound("session %s is closed", sessionID)
	}
}

// Attach registers a participant transport for broadcast delivery. It
// returns once the registration took effect, so messages submitted
// afterwards are guaranteed to reach the transport.
func (h *Hub) Attach(sessionID string, t Transport) error {
	ls, err := h.live(sessionID)
	if err != nil {
		return err
	}
	return ls.command(sessionID, func(ls *liveSession) {
		ls.transports[t.ParticipantID()] = t
	})
}

// Detach removes a participant transport. Like Attach, it returns once the
// removal took effect.
func (h *Hub) Detach(sessionID, participantID string) error {
	ls, err := h.live(sessionID)
	if err != nil {
		return err
	}
	err = ls.command(sessionID, func(ls *liveSession) {
		delete(ls.transports, participantID)
	})
	if protocol.CodeOf(err) == protocol.CodeNotFound {
		return nil // detaching from a closed session is a no-op
	}
	return err
}

// command runs fn on the session goroutine and waits for it to complete.
func (ls *liveSession) command(sessionID string, fn func(*liveSession)) error {
	done := make(chan struct{})
	select {
	case ls.commands <- func(ls *liveSession) {
		fn(ls)
		close(done)
	}:
	case <-ls.done:
		return protocol.NotFound("session %s is closed", sessionID)
	}
	select {
	case <-done:
		return nil
	case <-ls.done:
		return protocol.NotFound("session %s is closed", sessionID)
	}
}

// runSession is the session's single writer: every mutation of the
// aggregate happens on this goroutine.
func (h *Hub) runSession(ls *liveSession) {
	var sweep <-chan time.Time
	if h.opts.SweepInterval > 0 {
		ticker := time.NewTicker(h.opts.SweepInterval)
		defer ticker.Stop()
		sweep = ticker.C
	}

	for {
		select {
		case env := <-ls.inbound:
			h.archive(ls.sess.ID, env)
			h.router.Route(ls.sess, env, ls.broadcast)
		case cmd := <-ls.commands:
			cmd(ls)
		case <-sweep:
			h.sweepGates(ls)
			h.sweepPresence(ls)
		case <-ls.done:
			return
		}
	}
}

// broadcast fans an envelope out to attached transports, honoring the
// router's delivery filter. Send failures are logged, never fatal.
func (ls *liveSession) broadcast(env *protocol.Envelope, filter func(string) bool) {
	n := 0
	for id, t := range ls.transports {
		if filter != nil && !filter(id) {
			continue
		}
		if err := t.Send(env); err != nil {
			ls.log.Warn().Err(err).Str("participant", id).Str("id", env.ID).Msg("send failed")
			continue
		}
		n++
	}
	metrics.BroadcastFanout.Observe(float64(n))
}

func (h *Hub) archive(sessionID string, env *protocol.Envelope) {
	if h.opts.Archive == nil {
		return
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.opts.Archive.SaveMessage(ctx, sessionID, env); err != nil {
		h.log.Warn().Err(err).Str("session", sessionID).Str("id", env.ID).Msg("archive write failed")
		return
	}
	metrics.ArchiveLatency.Observe(time.Since(start).Seconds())
}

// sweepGates expires overdue gates by injecting gate.timeout through the
// router, so expiry has exactly the effects of a rejection.
func (h *Hub) sweepGates(ls *liveSession) {
	now := time.Now().UTC()
	for _, g := range ls.sess.PendingGates() {
		if !g.Expired(now) {
			continue
		}
		h.router.Route(ls.sess, protocol.New(protocol.TypeGateTimeout, ls.sess.ID, router.SystemSender, &protocol.GateTimeoutPayload{
			GateRef: g.ActionRef,
		}), ls.broadcast)
	}
}

// sweepPresence demotes quiet participants: active past the idle timeout
// becomes idle, idle past the away timeout becomes away.
func (h *Hub) sweepPresence(ls *liveSession) {
	cfg := ls.sess.Config
	now := time.Now().UTC()
	for _, p := range ls.sess.Participants() {
		quiet := now.Sub(p.LastHeartbeat)
		var next participant.Presence
		switch {
		case p.Presence == participant.PresenceActive && cfg.IdleTimeout > 0 && quiet > cfg.IdleTimeout:
			next = participant.PresenceIdle
			if cfg.AwayTimeout > 0 && quiet > cfg.AwayTimeout {
				next = participant.PresenceAway
			}
		case p.Presence == participant.PresenceIdle && cfg.AwayTimeout > 0 && quiet > cfg.AwayTimeout:
			next = participant.PresenceAway
		default:
			continue
		}
		h.router.Route(ls.sess, protocol.New(protocol.TypePresenceUpdate, ls.sess.ID, router.SystemSender, &protocol.PresencePayload{
			Participant: p.Info.ID,
			Presence:    string(next),
		}), ls.broadcast)
	}
}
