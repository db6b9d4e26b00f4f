// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import "github.com/AleutianAI/epsem/services/planner/symbols"

// Encode one-hot encodes a window over the overall alphabet.
//
// The vector has len(window)*alpha.Size() entries. The symbol at position p
// with class c sets index p + c*len(window). Symbols outside the alphabet
// leave their position all zero.
func Encode(window []symbols.Symbol, alpha *symbols.Alphabet) []float64 {
	w := len(window)
	x := make([]float64, w*alpha.Size())
	for p, s := range window {
		if c := alpha.Index(s); c >= 0 {
			x[p+c*w] = 1
		}
	}
	return x
}

// Dataset builds the sliding-window training set for a window size: one
// example per offset i in [w, len(corpus)) whose input is corpus[i-w:i] and
// whose label is the class of corpus[i].
func Dataset(corpus []symbols.Symbol, w int, alpha *symbols.Alphabet) ([][]float64, []int) {
	if w < 1 || len(corpus) <= w {
		return nil, nil
	}
	inputs := make([][]float64, 0, len(corpus)-w)
	labels := make([]int, 0, len(corpus)-w)
	for i := w; i < len(corpus); i++ {
		label := alpha.Index(corpus[i])
		if label < 0 {
			continue
		}
		inputs = append(inputs, Encode(corpus[i-w:i], alpha))
		labels = append(labels, label)
	}
	return inputs, labels
}
