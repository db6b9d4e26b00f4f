// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Package protocol speaks the environment's line protocol.
//
// Every message is one line starting with a sentinel prefix:
//
//	$$$alphabet:ab   -> $$$ack
//	$$$history:aabA  -> a single action letter
//	$$$quit          -> session ends
//
// Anything else aborts the session with ErrProtocolViolation.
package protocol

import (
	"strings"
)

// DefaultSentinel prefixes every message.
const DefaultSentinel = "$$$"

const (
	alphabetCmd = "alphabet:"
	historyCmd  = "history:"
	quitCmd     = "quit"
	ackCmd      = "ack"
)

// Kind identifies a decoded message.
type Kind int

const (
	// KindAlphabet carries the K plain action letters.
	KindAlphabet Kind = iota + 1

	// KindHistory carries the newest window of observed steps.
	KindHistory

	// KindQuit ends the session.
	KindQuit
)

// String returns the command name.
func (k Kind) String() string {
	switch k {
	case KindAlphabet:
		return "alphabet"
	case KindHistory:
		return "history"
	case KindQuit:
		return "quit"
	default:
		return "unknown"
	}
}

// Message is one decoded line.
type Message struct {
	Kind    Kind
	Payload string
}

// Codec frames and parses protocol lines.
type Codec struct {
	sentinel string
}

// NewCodec returns a codec for the given sentinel. Empty means DefaultSentinel.
func NewCodec(sentinel string) Codec {
	if sentinel == "" {
		sentinel = DefaultSentinel
	}
	return Codec{sentinel: sentinel}
}

// Decode parses one line. A trailing CR or LF is ignored.
func (c Codec) Decode(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")
	body, ok := strings.CutPrefix(line, c.sentinel)
	if !ok {
		return Message{}, violation(line, "missing sentinel %q", c.sentinel)
	}
	switch {
	case strings.HasPrefix(body, alphabetCmd):
		return Message{Kind: KindAlphabet, Payload: body[len(alphabetCmd):]}, nil
	case strings.HasPrefix(body, historyCmd):
		return Message{Kind: KindHistory, Payload: body[len(historyCmd):]}, nil
	case strings.HasPrefix(body, quitCmd):
		return Message{Kind: KindQuit}, nil
	default:
		return Message{}, violation(line, "unknown command")
	}
}

// Ack is the line sent after an alphabet message.
func (c Codec) Ack() string { return c.sentinel + ackCmd + "\n" }

// IsAck reports whether line acknowledges an alphabet.
func (c Codec) IsAck(line string) bool {
	return strings.TrimRight(line, "\r\n") == c.sentinel+ackCmd
}

// Encode frames a message for the wire.
func (c Codec) Encode(m Message) string {
	switch m.Kind {
	case KindAlphabet:
		return c.sentinel + alphabetCmd + m.Payload + "\n"
	case KindHistory:
		return c.sentinel + historyCmd + m.Payload + "\n"
	default:
		return c.sentinel + quitCmd + "\n"
	}
}
