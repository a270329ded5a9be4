package session

import "time"

// Trigger names what caused a flush.
type Trigger string

const (
	TriggerSize  Trigger = "size"
	TriggerIdle  Trigger = "idle"
	TriggerFinal Trigger = "final"
)

// Inference outcomes reported to the Recorder.
const (
	OutcomeTranscript = "transcript"
	OutcomeEmpty      = "empty"
	OutcomeError      = "error"
)

// Recorder receives lifecycle and flush events, typically for metrics.
type Recorder interface {
	SessionOpened()
	SessionClosed(lifetime time.Duration)
	FlushTriggered(trigger string, bytes int)
	InferenceCompleted(outcome string, elapsed time.Duration)
	ResultDropped()
}

type noopRecorder struct{}

func (noopRecorder) SessionOpened()                           {}
func (noopRecorder) SessionClosed(time.Duration)              {}
func (noopRecorder) FlushTriggered(string, int)               {}
func (noopRecorder) InferenceCompleted(string, time.Duration) {}
func (noopRecorder) ResultDropped()                           {}
