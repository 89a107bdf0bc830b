// Package protocol defines the interaction messages content scripts send
// to the engine. Messages are validated here, before they reach the
// engine, so the engine only ever sees one of the closed set of variants.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message types on the wire.
const (
	TypeScroll    = "scroll"
	TypeMouseMove = "mousemove"
	TypeKeyDown   = "keydown"
	TypeMouseDown = "mousedown"
)

var ErrInvalidMessage = errors.New("invalid interaction message")

// Interaction is implemented by Scroll, MouseMove, KeyDown and MouseDown.
type Interaction interface {
	Type() string
	Tab() int
	At() int64
	isInteraction()
}

// Base holds the fields common to every interaction.
type Base struct {
	TabID     int
	Timestamp int64
}

func (b Base) Tab() int { return b.TabID }
func (b Base) At() int64 { return b.Timestamp }
func (Base) isInteraction() {}

type Scroll struct {
	Base
	ScrollDelta float64
}

type MouseMove struct {
	Base
	MovementDelta float64
}

type KeyDown struct{ Base }

type MouseDown struct{ Base }

func (Scroll) Type() string { return TypeScroll }
func (MouseMove) Type() string { return TypeMouseMove }
func (KeyDown) Type() string { return TypeKeyDown }
func (MouseDown) Type() string { return TypeMouseDown }

type wireData struct {
	ScrollDelta   *float64 `json:"scrollDelta,omitempty"`
	MovementDelta *float64 `json:"movementDelta,omitempty"`
}

type wireMessage struct {
	Type      string    `json:"type"`
	Timestamp int64     `json:"timestamp"`
	TabID     *int      `json:"tabId"`
	Data      *wireData `json:"data,omitempty"`
}

// Parse decodes and validates a JSON interaction message.
func Parse(b []byte) (Interaction, error) {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if w.TabID == nil {
		return nil, fmt.Errorf("%w: missing tabId", ErrInvalidMessage)
	}
	if *w.TabID < 0 {
		return nil, fmt.Errorf("%w: negative tabId %d", ErrInvalidMessage, *w.TabID)
	}
	if w.Timestamp <= 0 {
		return nil, fmt.Errorf("%w: timestamp must be positive", ErrInvalidMessage)
	}

	base := Base{TabID: *w.TabID, Timestamp: w.Timestamp}
	switch w.Type {
	case TypeScroll:
		m := Scroll{Base: base}
		if w.Data != nil && w.Data.ScrollDelta != nil {
			m.ScrollDelta = *w.Data.ScrollDelta
		}
		return m, nil
	case TypeMouseMove:
		m := MouseMove{Base: base}
		if w.Data != nil && w.Data.MovementDelta != nil {
			m.MovementDelta = *w.Data.MovementDelta
		}
		return m, nil
	case TypeKeyDown:
		return KeyDown{Base: base}, nil
	case TypeMouseDown:
		return MouseDown{Base: base}, nil
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, w.Type)
}

// Encode renders an interaction in wire form.
func Encode(m Interaction) ([]byte, error) {
	tab := m.Tab()
	w := wireMessage{Type: m.Type(), Timestamp: m.At(), TabID: &tab}
	switch v := m.(type) {
	case Scroll:
		w.Data = &wireData{ScrollDelta: &v.ScrollDelta}
	case MouseMove:
		w.Data = &wireData{MovementDelta: &v.MovementDelta}
	}
	return json.Marshal(w)
}
