package session

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/live-transcribe/backend/internal/model/transcript"
)

// Transcriber turns an audio chunk into text. An empty string means nothing
// intelligible was heard and is not an error.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// DeliverFunc routes a result back to the connection that produced the chunk.
type DeliverFunc func(sessionID string, msg transcript.Message)

// Dispatcher sends flushed chunks to the Transcriber, one goroutine per chunk.
//
// Several chunks of the same session may be in flight at once and results are
// delivered in completion order, not flush order.
type Dispatcher struct {
	transcriber Transcriber
	deliver     DeliverFunc
	timeout     time.Duration
	recorder    Recorder

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher. timeout bounds every Transcribe call.
func NewDispatcher(transcriber Transcriber, deliver DeliverFunc, timeout time.Duration, recorder Recorder) *Dispatcher {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		transcriber: transcriber,
		deliver:     deliver,
		timeout:     timeout,
		recorder:    recorder,
	}
}

// Flush drains the session buffer and dispatches the snapshot. It reports
// whether anything was dispatched.
func (d *Dispatcher) Flush(s *Session, trigger Trigger) bool {
	return d.Dispatch(s.id, s.buffer.TakeAndReset(), trigger)
}

// Dispatch starts transcription of an already drained chunk. Empty chunks are
// ignored.
func (d *Dispatcher) Dispatch(sessionID string, chunk []byte, trigger Trigger) bool {
	if len(chunk) == 0 {
		return false
	}

	d.recorder.FlushTriggered(string(trigger), len(chunk))
	log.Printf("[dispatch] flushing session=%s trigger=%s bytes=%d", sessionID, trigger, len(chunk))

	d.wg.Add(1)
	go d.transcribe(sessionID, chunk, trigger)
	return true
}

func (d *Dispatcher) transcribe(sessionID string, chunk []byte, trigger Trigger) {
	defer d.wg.Done()

	// Not derived from the connection: a call in flight at teardown runs to
	// completion and its result is discarded at delivery.
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	start := time.Now()
	text, err := d.transcriber.Transcribe(ctx, chunk)
	elapsed := time.Since(start)

	if err != nil {
		d.recorder.InferenceCompleted(OutcomeError, elapsed)
		log.Printf("[dispatch] transcription failed session=%s trigger=%s bytes=%d: %v", sessionID, trigger, len(chunk), err)
		d.deliver(sessionID, transcript.Error("Transcription failed: "+err.Error()))
		return
	}

	text = strings.TrimSpace(text)
	if text == "" {
		d.recorder.InferenceCompleted(OutcomeEmpty, elapsed)
		return
	}

	d.recorder.InferenceCompleted(OutcomeTranscript, elapsed)
	d.deliver(sessionID, transcript.Transcript(text))
}

// Wait blocks until every in-flight transcription has finished or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
