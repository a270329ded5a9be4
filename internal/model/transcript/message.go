package transcript

import "time"

// Kind 出站消息类型
type Kind string

const (
	KindConnected  Kind = "connected"
	KindTranscript Kind = "transcript"
	KindError      Kind = "error"
)

// Message is one outbound event for a streaming connection. Values are
// immutable once built; Timestamp records creation time, not send time.
type Message struct {
	Kind      Kind   `json:"kind"`
	Text      string `json:"text"`
	IsFinal   bool   `json:"isFinal"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// New builds a message stamped with the current time.
func New(kind Kind, text string, isFinal bool) Message {
	return Message{
		Kind:      kind,
		Text:      text,
		IsFinal:   isFinal,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Connected 连接建立确认
func Connected() Message {
	return New(KindConnected, "Connection established", false)
}

// Transcript wraps recognised text as a final result.
func Transcript(text string) Message {
	return New(KindTranscript, text, true)
}

// Error wraps a human readable cause.
func Error(cause string) Message {
	return New(KindError, cause, false)
}

// CreatedAt returns the creation time.
func (m Message) CreatedAt() time.Time {
	return time.UnixMilli(m.Timestamp)
}
