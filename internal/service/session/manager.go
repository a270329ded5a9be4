package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zhouzirui/live-transcribe/backend/internal/model/transcript"
)

// ErrSessionExists is returned when a connection id is registered twice.
var ErrSessionExists = errors.New("session already registered")

// Liveness ping and its acknowledgment on the text channel.
const (
	PingPayload = "ping"
	PongPayload = "pong"
)

// Options tunes flushing. Zero values fall back to DefaultOptions.
type Options struct {
	FlushBytes       int
	FlushInterval    time.Duration
	IdleThreshold    time.Duration
	InferenceTimeout time.Duration

	Scheduler Scheduler
	Recorder  Recorder
	Clock     func() time.Time
}

// DefaultOptions returns the stock flush policy: 32 KiB, checked every second,
// idle after 100ms.
func DefaultOptions() Options {
	return Options{
		FlushBytes:       32 * 1024,
		FlushInterval:    time.Second,
		IdleThreshold:    100 * time.Millisecond,
		InferenceTimeout: 30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.FlushBytes <= 0 {
		o.FlushBytes = def.FlushBytes
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = def.FlushInterval
	}
	if o.IdleThreshold <= 0 {
		o.IdleThreshold = def.IdleThreshold
	}
	if o.InferenceTimeout <= 0 {
		o.InferenceTimeout = def.InferenceTimeout
	}
	if o.Scheduler == nil {
		o.Scheduler = NewTickerScheduler()
	}
	if o.Recorder == nil {
		o.Recorder = noopRecorder{}
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Manager owns the session table and turns transport events into buffer,
// flush and delivery operations. All methods are safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	opts       Options
	dispatcher *Dispatcher
}

// NewManager creates a manager that transcribes with t.
func NewManager(t Transcriber, opts Options) *Manager {
	opts = opts.withDefaults()
	m := &Manager{
		sessions: make(map[string]*Session),
		opts:     opts,
	}
	m.dispatcher = NewDispatcher(t, m.SendResult, opts.InferenceTimeout, opts.Recorder)
	return m
}

// OnConnect registers a session for id, starts its periodic flush check and
// acknowledges the connection.
func (m *Manager) OnConnect(id string, conn Conn) error {
	sess := newSession(id, conn, m.opts.Clock)
	// Until the insert below the check sees no session and does nothing.
	sess.task = m.opts.Scheduler.Every(m.opts.FlushInterval, func() {
		m.checkIdle(id)
	})

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		sess.task.Cancel()
		return fmt.Errorf("connect %s: %w", id, ErrSessionExists)
	}
	m.sessions[id] = sess
	m.mu.Unlock()

	m.opts.Recorder.SessionOpened()
	log.Printf("[session] connection established: %s", id)

	m.deliver(sess, transcript.Connected())
	return nil
}

// OnBinaryData appends audio to the session buffer and flushes immediately
// once the size threshold is reached. Data for unknown ids is dropped.
func (m *Manager) OnBinaryData(id string, data []byte) {
	sess, ok := m.lookup(id)
	if !ok {
		return
	}

	if size := sess.buffer.Append(data); size >= m.opts.FlushBytes {
		m.dispatcher.Flush(sess, TriggerSize)
	}
}

// OnControlMessage answers the liveness ping. Other payloads are ignored.
func (m *Manager) OnControlMessage(id string, text string) {
	if text != PingPayload {
		return
	}

	sess, ok := m.lookup(id)
	if !ok {
		return
	}
	if err := sess.send([]byte(PongPayload)); err != nil && !errors.Is(err, errConnClosed) {
		log.Printf("[session] write pong failed session=%s: %v", id, err)
	}
}

// OnDisconnect tears the session down and flushes whatever is left.
func (m *Manager) OnDisconnect(id string, reason string) {
	m.teardown(id, reason)
}

// OnTransportError tells the client what went wrong, if it can still hear
// us, then tears the session down like OnDisconnect.
func (m *Manager) OnTransportError(id string, cause error) {
	if sess, ok := m.lookup(id); ok {
		m.deliver(sess, transcript.Error("Transport error: "+cause.Error()))
	}
	m.teardown(id, "transport error: "+cause.Error())
}

// SendResult delivers msg if the connection is still registered and open.
// Otherwise the message is discarded.
func (m *Manager) SendResult(id string, msg transcript.Message) {
	sess, ok := m.lookup(id)
	if !ok {
		m.opts.Recorder.ResultDropped()
		return
	}
	m.deliver(sess, msg)
}

// ActiveSessions reports the number of registered sessions.
func (m *Manager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown tears down every session and waits for in-flight transcriptions
// until ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.teardown(id, "server shutdown")
	}

	if err := m.waitScheduler(ctx); err != nil {
		return fmt.Errorf("wait for session timers: %w", err)
	}
	if err := m.dispatcher.Wait(ctx); err != nil {
		return fmt.Errorf("wait for in-flight transcriptions: %w", err)
	}
	return nil
}

// waitScheduler waits for the task goroutines of schedulers that own any.
func (m *Manager) waitScheduler(ctx context.Context) error {
	w, ok := m.opts.Scheduler.(interface{ Wait() })
	if !ok {
		return nil
	}

	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// checkIdle runs on every scheduler tick. The table lookup is what makes a
// tick racing with teardown harmless.
func (m *Manager) checkIdle(id string) {
	sess, ok := m.lookup(id)
	if !ok {
		return
	}
	m.dispatcher.Dispatch(id, sess.buffer.TakeIfIdle(m.opts.IdleThreshold), TriggerIdle)
}

// teardown removes the session; only the caller that removes it cancels the
// task and performs the final flush.
func (m *Manager) teardown(id string, reason string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	sess.task.Cancel()
	m.opts.Recorder.SessionClosed(m.opts.Clock().Sub(sess.createdAt))
	log.Printf("[session] connection closed: %s reason=%q", id, reason)

	m.dispatcher.Flush(sess, TriggerFinal)
}

func (m *Manager) lookup(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

func (m *Manager) deliver(sess *Session, msg transcript.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[session] marshal %s message failed session=%s: %v", msg.Kind, sess.id, err)
		return
	}

	if err := sess.send(payload); err != nil {
		if errors.Is(err, errConnClosed) {
			m.opts.Recorder.ResultDropped()
			return
		}
		log.Printf("[session] write %s message failed session=%s: %v", msg.Kind, sess.id, err)
	}
}
