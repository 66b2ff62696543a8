package protocol

import (
	"encoding/json"
	"fmt"
)

// Control frame types accepted from clients.
const (
	TypeSilence       = "silence"
	TypeSelectModel   = "select_model"
	TypeSetParams     = "set_params"
	TypeRequestModels = "request_models"
)

// Server frame types.
const (
	TypeModels  = "models"
	TypeStatus  = "model_info"
	TypePartial = "partial"
	TypeFinal   = "final"
	TypeError   = "error"
)

// ControlFrame is a client-to-server text frame. Parameter fields are
// pointers so set_params can distinguish "absent" from a zero value.
type ControlFrame struct {
	Type  string `json:"type"`
	Model string `json:"model,omitempty"`

	MinSeconds      *float64 `json:"min_seconds,omitempty"`
	Language        *string  `json:"language,omitempty"`
	PartialInterval *float64 `json:"partial_interval,omitempty"`
	AllowNonLatin   *bool    `json:"allow_non_latin,omitempty"`
	VoiceFactor     *float64 `json:"voice_factor,omitempty"`
}

// ParseControlFrame parses and validates a client control frame.
// Callers treat a parse error as a protocol violation to log and ignore,
// never as a reason to drop the connection.
func ParseControlFrame(data []byte) (*ControlFrame, error) {
	var frame ControlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("malformed control frame: %w", err)
	}

	switch frame.Type {
	case TypeSilence, TypeRequestModels:
	case TypeSelectModel:
		if frame.Model == "" {
			return nil, fmt.Errorf("select_model frame requires a model name")
		}
	case TypeSetParams:
		if frame.MinSeconds == nil && frame.Language == nil && frame.PartialInterval == nil &&
			frame.AllowNonLatin == nil && frame.VoiceFactor == nil {
			return nil, fmt.Errorf("set_params frame carries no parameters")
		}
	case "":
		return nil, fmt.Errorf("control frame missing type")
	default:
		return nil, fmt.Errorf("unknown control frame type %q", frame.Type)
	}

	return &frame, nil
}

// SessionStats is attached to partial and final frames so clients can
// observe the segmentation state driving the transcript.
type SessionStats struct {
	Model           string  `json:"model"`
	RMS             float64 `json:"rms"`
	Threshold       float64 `json:"threshold"`
	BufferSeconds   float64 `json:"buffer_seconds"`
	Epoch           uint64  `json:"epoch"`
	MinSeconds      float64 `json:"min_seconds"`
	PartialInterval float64 `json:"partial_interval"`
}

// ModelsFrame advertises the model catalog to a client.
type ModelsFrame struct {
	Type      string   `json:"type"`
	Supported []string `json:"supported"`
	Installed []string `json:"installed"`
	Default   string   `json:"default"`
	Current   string   `json:"current"`
}

// NewModelsFrame creates a models frame.
func NewModelsFrame(supported, installed []string, defaultModel, current string) *ModelsFrame {
	return &ModelsFrame{
		Type:      TypeModels,
		Supported: supported,
		Installed: installed,
		Default:   defaultModel,
		Current:   current,
	}
}

// StatusFrame reports engine lifecycle progress (loading, downloading,
// loaded) without terminating the stream.
type StatusFrame struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// NewStatusFrame creates a status frame.
func NewStatusFrame(status string) *StatusFrame {
	return &StatusFrame{Type: TypeStatus, Status: status}
}

// PartialFrame carries a replaceable transcription of the open buffer.
type PartialFrame struct {
	Type  string        `json:"type"`
	Text  string        `json:"text"`
	Stats *SessionStats `json:"stats,omitempty"`
}

// NewPartialFrame creates a partial frame.
func NewPartialFrame(text string, stats *SessionStats) *PartialFrame {
	return &PartialFrame{Type: TypePartial, Text: text, Stats: stats}
}

// FinalFrame carries an immutable finalized transcript block together
// with the full session history.
type FinalFrame struct {
	Type    string        `json:"type"`
	Final   string        `json:"final"`
	History []string      `json:"history"`
	Stats   *SessionStats `json:"stats,omitempty"`
}

// NewFinalFrame creates a final frame.
func NewFinalFrame(text string, history []string, stats *SessionStats) *FinalFrame {
	return &FinalFrame{Type: TypeFinal, Final: text, History: history, Stats: stats}
}

// ErrorFrame reports a recoverable error to the client.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewErrorFrame creates an error frame.
func NewErrorFrame(message string) *ErrorFrame {
	return &ErrorFrame{Type: TypeError, Error: message}
}
