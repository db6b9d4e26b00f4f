// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package symbols defines the action alphabet shared by every planner
// component.
//
// An action is a single lowercase ASCII letter. The environment reports that
// an action reached a goal by echoing it back in uppercase, so each of the K
// actions has two observable forms and the overall alphabet has 2K classes.
package symbols

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAlphabet indicates the alphabet message could not be used.
var ErrInvalidAlphabet = errors.New("invalid alphabet")

// Symbol is one observed history entry or one emitted action.
type Symbol byte

// IsGoal reports whether the symbol is in goal (uppercase) form.
func (s Symbol) IsGoal() bool {
	return s >= 'A' && s <= 'Z'
}

// IsLetter reports whether the symbol is an ASCII letter in either form.
func (s Symbol) IsLetter() bool {
	return (s >= 'a' && s <= 'z') || s.IsGoal()
}

// Plain returns the lowercase form of the symbol.
func (s Symbol) Plain() Symbol {
	if s.IsGoal() {
		return s + ('a' - 'A')
	}
	return s
}

// Goal returns the uppercase form of the symbol.
func (s Symbol) Goal() Symbol {
	if s >= 'a' && s <= 'z' {
		return s - ('a' - 'A')
	}
	return s
}

// SameAction reports whether two symbols name the same underlying action,
// ignoring goal form.
func (s Symbol) SameAction(o Symbol) bool {
	return s.Plain() == o.Plain()
}

// String returns the symbol as a one-character string.
func (s Symbol) String() string {
	return string(rune(s))
}

// FromString converts every byte of str into a Symbol.
func FromString(str string) []Symbol {
	out := make([]Symbol, len(str))
	for i := 0; i < len(str); i++ {
		out[i] = Symbol(str[i])
	}
	return out
}

// Join renders a symbol sequence as a string.
func Join(syms []Symbol) string {
	var b strings.Builder
	b.Grow(len(syms))
	for _, s := range syms {
		b.WriteByte(byte(s))
	}
	return b.String()
}

// Order selects how the 2K classes of the overall alphabet are laid out.
type Order string

const (
	// OrderPlainFirst lays out all plain forms, then all goal forms: a b A B.
	OrderPlainFirst Order = "plain_first"

	// OrderInterleaved pairs each action with its goal form: a A b B.
	OrderInterleaved Order = "interleaved"
)

// Valid reports whether o is a known ordering.
func (o Order) Valid() bool {
	return o == OrderPlainFirst || o == OrderInterleaved
}

// Alphabet is the overall 2K alphabet with a precomputed class table.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type Alphabet struct {
	actions []Symbol
	classes []Symbol
	index   [256]int
	order   Order
}

// ParseAlphabet builds an Alphabet from the letters of an alphabet message.
//
// Inputs:
//   - letters: The K action letters. Case is ignored; letters must be distinct.
//   - order: Class layout. Empty means OrderPlainFirst.
//
// Outputs:
//   - *Alphabet: The alphabet.
//   - error: ErrInvalidAlphabet if the letters are empty, repeated, or not
//     ASCII letters.
func ParseAlphabet(letters string, order Order) (*Alphabet, error) {
	if order == "" {
		order = OrderPlainFirst
	}
	if !order.Valid() {
		return nil, fmt.Errorf("%w: unknown order %q", ErrInvalidAlphabet, order)
	}
	if letters == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAlphabet)
	}

	a := &Alphabet{order: order}
	for i := range a.index {
		a.index[i] = -1
	}

	seen := make(map[Symbol]bool, len(letters))
	for i := 0; i < len(letters); i++ {
		s := Symbol(letters[i])
		if !s.IsLetter() {
			return nil, fmt.Errorf("%w: %q is not a letter", ErrInvalidAlphabet, letters[i])
		}
		s = s.Plain()
		if seen[s] {
			return nil, fmt.Errorf("%w: duplicate letter %q", ErrInvalidAlphabet, s.String())
		}
		seen[s] = true
		a.actions = append(a.actions, s)
	}

	k := len(a.actions)
	a.classes = make([]Symbol, 0, 2*k)
	switch order {
	case OrderInterleaved:
		for _, s := range a.actions {
			a.classes = append(a.classes, s, s.Goal())
		}
	default:
		a.classes = append(a.classes, a.actions...)
		for _, s := range a.actions {
			a.classes = append(a.classes, s.Goal())
		}
	}
	for i, s := range a.classes {
		a.index[s] = i
	}
	return a, nil
}

// K returns the number of actions.
func (a *Alphabet) K() int { return len(a.actions) }

// Size returns the number of classes, 2K.
func (a *Alphabet) Size() int { return len(a.classes) }

// Order returns the class layout.
func (a *Alphabet) Order() Order { return a.order }

// Actions returns a copy of the plain action letters in message order.
func (a *Alphabet) Actions() []Symbol {
	out := make([]Symbol, len(a.actions))
	copy(out, a.actions)
	return out
}

// Contains reports whether s (in either form) belongs to the alphabet.
func (a *Alphabet) Contains(s Symbol) bool {
	return a.index[s] >= 0
}

// Index returns the class index of s, or -1 if s is not in the alphabet.
func (a *Alphabet) Index(s Symbol) int {
	return a.index[s]
}

// SymbolAt returns the symbol for a class index.
func (a *Alphabet) SymbolAt(idx int) Symbol {
	return a.classes[idx]
}

// IsGoalClass reports whether the class index is a goal form.
func (a *Alphabet) IsGoalClass(idx int) bool {
	return a.classes[idx].IsGoal()
}

// String returns the plain action letters.
func (a *Alphabet) String() string {
	return Join(a.actions)
}
