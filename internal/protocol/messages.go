package protocol

import "time"

// AudioFrame represents PCM voice input streamed from a UI surface.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// TextInput is a typed chat message from a surface.
type TextInput struct {
	SessionID string    `json:"session_id"`
	MessageID string    `json:"message_id"`
	Text      string    `json:"text"`
	Speak     bool      `json:"speak,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript represents backend transcription output broadcast on the bus.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Reply carries an assistant chat completion back to surfaces.
type Reply struct {
	SessionID string    `json:"session_id"`
	MessageID string    `json:"message_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ToggleRequest is a surface press on a message's speaker control.
type ToggleRequest struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

// SpeechState announces a playback controller transition.
type SpeechState struct {
	MessageID string    `json:"message_id,omitempty"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// Notification surfaces an invoice or payment event for the panel.
type Notification struct {
	Key       string    `json:"key"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Currency  string    `json:"currency,omitempty"`
	PayURL    string    `json:"pay_url,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notification kinds.
const (
	NotificationUnpaidInvoice    = "unpaid_invoice"
	NotificationRecurringPayment = "recurring_payment"
)

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectTextInput        = "assistant.input.text"
	SubjectTranscriptFinal  = "stt.text.final"
	SubjectAssistantReply   = "assistant.reply"
	SubjectSpeechToggle     = "speech.toggle"
	SubjectSpeechState      = "speech.state"
	SubjectNotification     = "notify.event"

	SubjectSurfaceAnnounce        = "surface.announce"
	SubjectSurfaceHeartbeatPrefix = "surface.heartbeat"
)
