// Package wire defines the JSON control messages exchanged over the audio
// WebSocket. Binary frames carry PCM audio; text frames carry exactly one
// Message. The Type field discriminates the payload, unused fields are
// omitted from the encoding.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates control messages on the wire.
type Type string

// Client-to-server message types.
const (
	TypeHello            Type = "hello"
	TypeInterrupt        Type = "interrupt"
	TypeWakeWordDetected Type = "wake_word_detected"
	TypeTestQuestion     Type = "test_question"
)

// Server-to-client message types.
const (
	TypeTranscription      Type = "transcription"
	TypePartialLLMResponse Type = "partial_llm_response"
	TypeLLMResponse        Type = "llm_response"
	TypeTTSStart           Type = "tts_start"
	TypeTTSStop            Type = "tts_stop"
	TypePlaybackStop       Type = "playback_stop"
)

// IsValid reports whether t is a known message type.
func (t Type) IsValid() bool {
	switch t {
	case TypeHello, TypeInterrupt, TypeWakeWordDetected, TypeTestQuestion,
		TypeTranscription, TypePartialLLMResponse, TypeLLMResponse,
		TypeTTSStart, TypeTTSStop, TypePlaybackStop:
		return true
	}
	return false
}

// ErrUnknownType is returned by Decode for syntactically valid JSON whose
// type field names no known message. Callers should log and discard.
var ErrUnknownType = errors.New("wire: unknown message type")

// Message is a single control message. Only the fields relevant to Type are
// populated; the rest stay at their zero value and are omitted on encode.
type Message struct {
	Type Type `json:"type"`

	// SampleRate is set on hello (client capture rate) and tts_start
	// (playback rate of the following binary frames).
	SampleRate int `json:"sample_rate,omitempty"`

	// Channels is set on hello.
	Channels int `json:"channels,omitempty"`

	// Text is set on test_question, transcription, partial_llm_response
	// and llm_response.
	Text string `json:"text,omitempty"`
}

// Decode parses a text frame into a Message. Malformed JSON or a missing or
// unknown type yields an error; the connection should survive both.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("wire: decode message: %w", err)
	}
	if !msg.Type.IsValid() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return msg, nil
}

// Encode serialises the message for a text frame.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s message: %w", m.Type, err)
	}
	return data, nil
}

// ---- constructors ----

// Hello announces the client capture format. Sent once, before any audio.
func Hello(sampleRate, channels int) Message {
	return Message{Type: TypeHello, SampleRate: sampleRate, Channels: channels}
}

// Interrupt asks the server to abort the in-flight response.
func Interrupt() Message {
	return Message{Type: TypeInterrupt}
}

// WakeWordDetected informs the server that the client woke up. Informational.
func WakeWordDetected() Message {
	return Message{Type: TypeWakeWordDetected}
}

// TestQuestion injects a text round that bypasses transcription.
func TestQuestion(text string) Message {
	return Message{Type: TypeTestQuestion, Text: text}
}

// Transcription carries the recognised user utterance.
func Transcription(text string) Message {
	return Message{Type: TypeTranscription, Text: text}
}

// PartialLLMResponse carries one streamed delta of the assistant's reply.
func PartialLLMResponse(text string) Message {
	return Message{Type: TypePartialLLMResponse, Text: text}
}

// LLMResponse carries the final assistant text for the round.
func LLMResponse(text string) Message {
	return Message{Type: TypeLLMResponse, Text: text}
}

// TTSStart announces that synthesized audio follows at the given rate.
func TTSStart(sampleRate int) Message {
	return Message{Type: TypeTTSStart, SampleRate: sampleRate}
}

// TTSStop marks the end of synthesized audio for the round.
func TTSStop() Message {
	return Message{Type: TypeTTSStop}
}

// PlaybackStop orders the client to flush its playback queue immediately.
func PlaybackStop() Message {
	return Message{Type: TypePlaybackStop}
}
