package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zhouzirui/live-transcribe/backend/internal/model/transcript"
)

func TestOnConnectSendsConnectedMessage(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "conn-1")

	msgs := conn.messages(t)
	if len(msgs) != 1 || msgs[0].Kind != transcript.KindConnected {
		t.Fatalf("expected a single connected message, got %v", kinds(msgs))
	}
	if h.manager.ActiveSessions() != 1 {
		t.Fatalf("expected 1 active session, got %d", h.manager.ActiveSessions())
	}
}

func TestOnConnectRejectsDuplicateID(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "dup")

	err := h.manager.OnConnect("dup", &fakeConn{})
	if !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
	if !h.scheduler.task(t, 1).cancelled() {
		t.Fatal("task of the rejected session should be cancelled")
	}
	if h.scheduler.task(t, 0).cancelled() {
		t.Fatal("task of the existing session must keep running")
	}
}

func TestSizeThresholdTriggersImmediateFlush(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "big")

	h.manager.OnBinaryData("big", make([]byte, 40*1024))
	h.settle(t)

	payloads := h.transcriber.payloads()
	if len(payloads) != 1 || len(payloads[0]) != 40*1024 {
		t.Fatalf("expected one 40 KiB flush, got %d calls", len(payloads))
	}

	sess, _ := h.manager.lookup("big")
	if got := sess.buffer.TakeAndReset(); got != nil {
		t.Fatalf("expected empty buffer after size flush, got %d bytes", len(got))
	}

	msgs := conn.messages(t)
	if len(msgs) != 2 || msgs[1].Kind != transcript.KindTranscript || msgs[1].Text != "ok" {
		t.Fatalf("expected connected + transcript, got %v", kinds(msgs))
	}
	if !msgs[1].IsFinal {
		t.Fatal("transcript should be final")
	}
}

func TestBelowSizeThresholdWaitsForTimer(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "small")

	for i := 0; i < 31; i++ {
		h.manager.OnBinaryData("small", make([]byte, 1024))
	}
	h.settle(t)
	if n := len(h.transcriber.payloads()); n != 0 {
		t.Fatalf("expected no flush below 32 KiB, got %d", n)
	}

	h.manager.OnBinaryData("small", make([]byte, 1024))
	h.settle(t)
	payloads := h.transcriber.payloads()
	if len(payloads) != 1 || len(payloads[0]) != 32*1024 {
		t.Fatalf("expected a 32 KiB flush at the threshold, got %d calls", len(payloads))
	}
}

func TestIdleTimerFlushesAfterQuietPeriod(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "idle")
	task := h.scheduler.task(t, 0)

	h.manager.OnBinaryData("idle", make([]byte, 100))
	h.clock.Advance(150 * time.Millisecond)
	task.fn()
	h.settle(t)

	payloads := h.transcriber.payloads()
	if len(payloads) != 1 || len(payloads[0]) != 100 {
		t.Fatalf("expected one 100 byte flush, got %d calls", len(payloads))
	}
	if msgs := conn.messages(t); len(msgs) != 2 || msgs[1].Kind != transcript.KindTranscript {
		t.Fatalf("expected transcript after idle flush, got %v", kinds(msgs))
	}
}

func TestTimerNeverFlushesContinuousStream(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "busy")
	task := h.scheduler.task(t, 0)

	for i := 0; i < 50; i++ {
		h.manager.OnBinaryData("busy", make([]byte, 64))
		h.clock.Advance(40 * time.Millisecond)
		task.fn()
	}
	h.settle(t)

	if n := len(h.transcriber.payloads()); n != 0 {
		t.Fatalf("timer flushed an active stream %d times", n)
	}

	h.clock.Advance(60 * time.Millisecond)
	task.fn()
	h.settle(t)

	payloads := h.transcriber.payloads()
	if len(payloads) != 1 || len(payloads[0]) != 50*64 {
		t.Fatalf("expected the whole utterance once the stream paused, got %d calls", len(payloads))
	}
}

func TestTimerSkipsEmptyBuffer(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "quiet")

	h.clock.Advance(time.Minute)
	h.scheduler.task(t, 0).fn()
	h.settle(t)

	if n := len(h.transcriber.payloads()); n != 0 {
		t.Fatalf("expected no inference call for empty buffer, got %d", n)
	}
}

func TestTimerFireAfterTeardownIsNoop(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "gone")
	task := h.scheduler.task(t, 0)

	h.manager.OnDisconnect("gone", "client closed")
	h.clock.Advance(time.Second)
	task.fn()
	h.settle(t)

	if n := len(h.transcriber.payloads()); n != 0 {
		t.Fatalf("stale tick dispatched %d calls", n)
	}
}

func TestFailedFlushDoesNotPoisonSession(t *testing.T) {
	h := newHarness(t)
	h.transcriber.respond = func(call int, _ []byte) (string, error) {
		if call == 0 {
			return "", errors.New("provider unavailable")
		}
		return "hello world", nil
	}
	conn := h.connect(t, "retry")

	h.manager.OnBinaryData("retry", make([]byte, 32*1024))
	h.settle(t)
	h.manager.OnBinaryData("retry", make([]byte, 32*1024))
	h.settle(t)

	msgs := conn.messages(t)
	if len(msgs) != 3 {
		t.Fatalf("expected connected, error, transcript; got %v", kinds(msgs))
	}
	if msgs[1].Kind != transcript.KindError || msgs[1].Text != "Transcription failed: provider unavailable" {
		t.Fatalf("unexpected error message: %+v", msgs[1])
	}
	if msgs[2].Kind != transcript.KindTranscript || msgs[2].Text != "hello world" {
		t.Fatalf("unexpected transcript: %+v", msgs[2])
	}
	if h.manager.ActiveSessions() != 1 {
		t.Fatal("session should survive an inference failure")
	}
}

func TestBlankTranscriptSendsNothing(t *testing.T) {
	h := newHarness(t)
	h.transcriber.respond = func(int, []byte) (string, error) { return " \n\t", nil }
	conn := h.connect(t, "silence")

	h.manager.OnBinaryData("silence", make([]byte, 40*1024))
	h.settle(t)

	if n := len(h.transcriber.payloads()); n != 1 {
		t.Fatalf("expected one inference call, got %d", n)
	}
	if msgs := conn.messages(t); len(msgs) != 1 {
		t.Fatalf("expected only the connected message, got %v", kinds(msgs))
	}
}

func TestTranscriptIsTrimmed(t *testing.T) {
	h := newHarness(t)
	h.transcriber.respond = func(int, []byte) (string, error) { return "  padded text \n", nil }
	conn := h.connect(t, "trim")

	h.manager.OnBinaryData("trim", make([]byte, 32*1024))
	h.settle(t)

	msgs := conn.messages(t)
	if len(msgs) != 2 || msgs[1].Text != "padded text" {
		t.Fatalf("expected trimmed transcript, got %+v", msgs)
	}
}

func TestPingGetsPong(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "pinger")

	h.manager.OnControlMessage("pinger", "ping")
	h.manager.OnControlMessage("pinger", "hello")
	h.manager.OnControlMessage("pinger", `{"type":"config"}`)

	frames := conn.rawFrames()
	if len(frames) != 2 || frames[1] != PongPayload {
		t.Fatalf("expected connected + pong only, got %q", frames)
	}
}

func TestDataAfterDisconnectIsDropped(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "late")
	h.manager.OnDisconnect("late", "client closed")

	h.manager.OnBinaryData("late", make([]byte, 64*1024))
	h.manager.OnControlMessage("late", "ping")
	h.settle(t)

	if n := len(h.transcriber.payloads()); n != 0 {
		t.Fatalf("expected stale data to be dropped, got %d calls", n)
	}
}

func TestDisconnectFlushesResidualBytesOnce(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "bye")
	task := h.scheduler.task(t, 0)

	h.manager.OnBinaryData("bye", make([]byte, 100))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.manager.OnDisconnect("bye", "client closed")
		}()
		go func() {
			defer wg.Done()
			h.manager.OnTransportError("bye", errors.New("reset by peer"))
		}()
	}
	wg.Wait()
	h.settle(t)

	payloads := h.transcriber.payloads()
	if len(payloads) != 1 || len(payloads[0]) != 100 {
		t.Fatalf("expected exactly one final flush of 100 bytes, got %d calls", len(payloads))
	}
	if got := task.cancels.Load(); got != 1 {
		t.Fatalf("expected exactly one task cancellation, got %d", got)
	}
	if h.manager.ActiveSessions() != 0 {
		t.Fatal("session should be removed")
	}
}

func TestDisconnectWithEmptyBufferSkipsInference(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "empty")

	h.manager.OnDisconnect("empty", "client closed")
	h.settle(t)

	if n := len(h.transcriber.payloads()); n != 0 {
		t.Fatalf("expected no final flush, got %d calls", n)
	}
}

func TestTransportErrorNotifiesClientThenCleansUp(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "broken")
	h.manager.OnBinaryData("broken", make([]byte, 10))

	h.manager.OnTransportError("broken", errors.New("unexpected EOF"))
	h.settle(t)

	msgs := conn.messages(t)
	if len(msgs) != 2 || msgs[1].Kind != transcript.KindError || msgs[1].Text != "Transport error: unexpected EOF" {
		t.Fatalf("expected transport error message, got %+v", msgs)
	}
	if len(h.transcriber.payloads()) != 1 {
		t.Fatal("expected final flush after transport error")
	}
	if !h.scheduler.task(t, 0).cancelled() {
		t.Fatal("expected task cancellation after transport error")
	}
}

func TestResultAfterCloseIsDiscarded(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	started := make(chan struct{})
	h.transcriber.respond = func(int, []byte) (string, error) {
		close(started)
		<-release
		return "too late", nil
	}
	conn := h.connect(t, "slow")

	h.manager.OnBinaryData("slow", make([]byte, 32*1024))
	<-started
	h.manager.OnDisconnect("slow", "client closed")
	conn.Close()
	close(release)
	h.settle(t)

	if msgs := conn.messages(t); len(msgs) != 1 {
		t.Fatalf("late result should be discarded, got %v", kinds(msgs))
	}
}

func TestSlowInferenceDoesNotBlockOtherSessions(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.transcriber.respond = func(_ int, audio []byte) (string, error) {
		if audio[0] == 'a' {
			<-release
		}
		return "done", nil
	}
	h.connect(t, "a")
	connB := h.connect(t, "b")

	chunkA := make([]byte, 32*1024)
	chunkA[0] = 'a'
	h.manager.OnBinaryData("a", chunkA)

	done := make(chan struct{})
	go func() {
		h.manager.OnBinaryData("b", make([]byte, 32*1024))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("data for session b blocked behind session a")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(connB.messages(t)) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("session b never received its transcript")
		}
		time.Sleep(time.Millisecond)
	}
	close(release)
	h.settle(t)
}

func TestShutdownFlushesEverySession(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "one")
	h.connect(t, "two")
	h.manager.OnBinaryData("one", make([]byte, 10))
	h.manager.OnBinaryData("two", make([]byte, 20))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.manager.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown err: %v", err)
	}

	if h.manager.ActiveSessions() != 0 {
		t.Fatal("expected no sessions after shutdown")
	}
	total := 0
	for _, p := range h.transcriber.payloads() {
		total += len(p)
	}
	if total != 30 {
		t.Fatalf("expected 30 bytes flushed at shutdown, got %d", total)
	}
}

type waitingScheduler struct {
	*manualScheduler
	waited atomic.Bool
}

func (s *waitingScheduler) Wait() {
	s.waited.Store(true)
}

func TestShutdownWaitsForSchedulerTasks(t *testing.T) {
	sched := &waitingScheduler{manualScheduler: &manualScheduler{}}
	opts := DefaultOptions()
	opts.Scheduler = sched
	m := NewManager(&fakeTranscriber{}, opts)

	if err := m.OnConnect("timer", &fakeConn{}); err != nil {
		t.Fatalf("OnConnect err: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown err: %v", err)
	}
	if !sched.task(t, 0).cancelled() {
		t.Fatal("session task must be cancelled before waiting")
	}
	if !sched.waited.Load() {
		t.Fatal("Shutdown must wait for scheduler goroutines")
	}
}

func TestShutdownStopsTickerGoroutines(t *testing.T) {
	sched := NewTickerScheduler()
	opts := DefaultOptions()
	opts.Scheduler = sched
	opts.FlushInterval = 5 * time.Millisecond
	m := NewManager(&fakeTranscriber{}, opts)

	for _, id := range []string{"a", "b"} {
		if err := m.OnConnect(id, &fakeConn{}); err != nil {
			t.Fatalf("OnConnect err: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown err: %v", err)
	}

	done := make(chan struct{})
	go func() {
		sched.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("ticker goroutines still running after Shutdown")
	}
}

func TestShutdownHonoursContext(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	defer close(release)
	h.transcriber.respond = func(int, []byte) (string, error) {
		<-release
		return "", nil
	}
	h.connect(t, "stuck")
	h.manager.OnBinaryData("stuck", make([]byte, 10))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.manager.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestManagerWithTickerSchedulerFlushesIdleAudio(t *testing.T) {
	transcriber := &fakeTranscriber{}
	opts := DefaultOptions()
	opts.FlushInterval = 10 * time.Millisecond
	opts.IdleThreshold = 30 * time.Millisecond
	m := NewManager(transcriber, opts)

	conn := &fakeConn{}
	if err := m.OnConnect("real", conn); err != nil {
		t.Fatalf("OnConnect err: %v", err)
	}
	defer m.OnDisconnect("real", "test done")

	m.OnBinaryData("real", make([]byte, 100))

	deadline := time.Now().Add(2 * time.Second)
	for len(transcriber.payloads()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle flush never happened")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := len(transcriber.payloads()[0]); got != 100 {
		t.Fatalf("expected 100 byte chunk, got %d", got)
	}
}
