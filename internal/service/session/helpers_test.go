package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zhouzirui/live-transcribe/backend/internal/model/transcript"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type manualTask struct {
	fn      func()
	cancels atomic.Int32
}

func (t *manualTask) Cancel() bool {
	return t.cancels.Add(1) == 1
}

func (t *manualTask) cancelled() bool {
	return t.cancels.Load() > 0
}

// manualScheduler never fires on its own; tests call fire.
type manualScheduler struct {
	mu    sync.Mutex
	tasks []*manualTask
}

func (s *manualScheduler) Every(_ time.Duration, fn func()) Task {
	task := &manualTask{fn: fn}
	s.mu.Lock()
	s.tasks = append(s.tasks, task)
	s.mu.Unlock()
	return task
}

func (s *manualScheduler) task(t *testing.T, i int) *manualTask {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.tasks) {
		t.Fatalf("expected at least %d scheduled tasks, got %d", i+1, len(s.tasks))
	}
	return s.tasks[i]
}

type fakeTranscriber struct {
	mu      sync.Mutex
	calls   [][]byte
	respond func(call int, audio []byte) (string, error)
}

func (f *fakeTranscriber) Transcribe(_ context.Context, audio []byte) (string, error) {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, audio)
	respond := f.respond
	f.mu.Unlock()

	if respond == nil {
		return "ok", nil
	}
	return respond(call, audio)
}

func (f *fakeTranscriber) payloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeConn struct {
	mu     sync.Mutex
	closed bool
	frames []string
}

func (c *fakeConn) SendText(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, string(payload))
	return nil
}

func (c *fakeConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) rawFrames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.frames))
	copy(out, c.frames)
	return out
}

// messages decodes every JSON frame, skipping raw control replies.
func (c *fakeConn) messages(t *testing.T) []transcript.Message {
	t.Helper()
	var out []transcript.Message
	for _, frame := range c.rawFrames() {
		if frame == PongPayload {
			continue
		}
		var msg transcript.Message
		if err := json.Unmarshal([]byte(frame), &msg); err != nil {
			t.Fatalf("decode frame %q: %v", frame, err)
		}
		out = append(out, msg)
	}
	return out
}

type testHarness struct {
	manager     *Manager
	scheduler   *manualScheduler
	clock       *fakeClock
	transcriber *fakeTranscriber
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		scheduler:   &manualScheduler{},
		clock:       newFakeClock(),
		transcriber: &fakeTranscriber{},
	}
	opts := DefaultOptions()
	opts.Scheduler = h.scheduler
	opts.Clock = h.clock.Now
	h.manager = NewManager(h.transcriber, opts)
	return h
}

func (h *testHarness) connect(t *testing.T, id string) *fakeConn {
	t.Helper()
	conn := &fakeConn{}
	if err := h.manager.OnConnect(id, conn); err != nil {
		t.Fatalf("OnConnect err: %v", err)
	}
	return conn
}

// settle waits for every in-flight transcription to deliver.
func (h *testHarness) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.manager.dispatcher.Wait(ctx); err != nil {
		t.Fatalf("dispatcher did not settle: %v", err)
	}
}

func kinds(msgs []transcript.Message) []transcript.Kind {
	out := make([]transcript.Kind, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.Kind
	}
	return out
}
