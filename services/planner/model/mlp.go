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

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// Predictor is a trainable classifier from an encoded window to a
// probability distribution over the overall alphabet.
type Predictor interface {
	// Fit trains on inputs and class labels. Fit may be called once.
	Fit(ctx context.Context, inputs [][]float64, labels []int) error

	// Predict returns one probability per class, summing to 1.
	Predict(input []float64) []float64
}

// PredictorFactory builds an untrained Predictor.
type PredictorFactory func(inputSize, numClasses int, seed int64) Predictor

// MLPFactory returns a PredictorFactory producing MLPs configured from cfg.
func MLPFactory(cfg Config) PredictorFactory {
	return func(inputSize, numClasses int, seed int64) Predictor {
		return NewMLP(inputSize, cfg.HiddenUnits, numClasses, cfg, seed)
	}
}

// adamParam is one parameter tensor with its gradient and Adam moments.
type adamParam struct {
	data []float64
	grad []float64
	m    []float64
	v    []float64
}

func newAdamParam(n int) *adamParam {
	return &adamParam{
		data: make([]float64, n),
		grad: make([]float64, n),
		m:    make([]float64, n),
		v:    make([]float64, n),
	}
}

const (
	adamBeta1 = 0.9
	adamBeta2 = 0.999
	adamEps   = 1e-8
)

// step applies one bias-corrected Adam update using the accumulated
// gradient scaled by 1/batch, then clears the gradient.
func (p *adamParam) step(lr float64, t int, batch int) {
	b1c := 1 - math.Pow(adamBeta1, float64(t))
	b2c := 1 - math.Pow(adamBeta2, float64(t))
	scale := 1 / float64(batch)
	for i := range p.data {
		g := p.grad[i] * scale
		p.m[i] = adamBeta1*p.m[i] + (1-adamBeta1)*g
		p.v[i] = adamBeta2*p.v[i] + (1-adamBeta2)*g*g
		mHat := p.m[i] / b1c
		vHat := p.v[i] / b2c
		p.data[i] -= lr * mHat / (math.Sqrt(vHat) + adamEps)
		p.grad[i] = 0
	}
}

// MLP is a one-hidden-layer classifier: dense, ReLU, dropout, dense,
// softmax, trained with cross-entropy and Adam.
//
// Thread Safety: Fit must not run concurrently with Predict. Predict is
// safe for concurrent use once Fit returns.
type MLP struct {
	in, hidden, out int
	cfg             Config
	rng             *rand.Rand

	w1, b1 *adamParam
	w2, b2 *adamParam
	t      int
}

// NewMLP creates an MLP with He-initialized weights.
func NewMLP(in, hidden, out int, cfg Config, seed int64) *MLP {
	m := &MLP{
		in:     in,
		hidden: hidden,
		out:    out,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(seed)),
		w1:     newAdamParam(hidden * in),
		b1:     newAdamParam(hidden),
		w2:     newAdamParam(out * hidden),
		b2:     newAdamParam(out),
	}
	s1 := math.Sqrt(2 / float64(max(in, 1)))
	for i := range m.w1.data {
		m.w1.data[i] = m.rng.NormFloat64() * s1
	}
	s2 := math.Sqrt(2 / float64(max(hidden, 1)))
	for i := range m.w2.data {
		m.w2.data[i] = m.rng.NormFloat64() * s2
	}
	return m
}

// Fit trains for cfg.Epochs shuffled passes over the examples.
func (m *MLP) Fit(ctx context.Context, inputs [][]float64, labels []int) error {
	if len(inputs) != len(labels) {
		return fmt.Errorf("fit: %d inputs but %d labels", len(inputs), len(labels))
	}
	if len(inputs) == 0 {
		return errors.New("fit: no examples")
	}
	batch := max(m.cfg.BatchSize, 1)

	h := make([]float64, m.hidden)
	mask := make([]float64, m.hidden)
	logits := make([]float64, m.out)
	dh := make([]float64, m.hidden)

	for epoch := 0; epoch < m.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		order := m.rng.Perm(len(inputs))
		inBatch := 0
		for _, idx := range order {
			x, y := inputs[idx], labels[idx]
			if len(x) != m.in || y < 0 || y >= m.out {
				return fmt.Errorf("fit: example %d has %d inputs, label %d", idx, len(x), y)
			}
			m.forward(x, h, mask, logits, true)
			probs := softmax(logits)
			m.backward(x, y, h, mask, probs, dh)

			inBatch++
			if inBatch == batch {
				m.applyStep(inBatch)
				inBatch = 0
			}
		}
		if inBatch > 0 {
			m.applyStep(inBatch)
		}
	}
	return nil
}

// Predict returns the softmax distribution for one encoded window.
func (m *MLP) Predict(x []float64) []float64 {
	h := make([]float64, m.hidden)
	logits := make([]float64, m.out)
	m.forward(x, h, nil, logits, false)
	return softmax(logits)
}

func (m *MLP) applyStep(batch int) {
	m.t++
	lr := m.cfg.LearningRate
	m.w1.step(lr, m.t, batch)
	m.b1.step(lr, m.t, batch)
	m.w2.step(lr, m.t, batch)
	m.b2.step(lr, m.t, batch)
}

// forward fills h with post-activation hidden values and logits with the
// output layer. When training, mask receives the inverted-dropout scale
// applied to each hidden unit.
func (m *MLP) forward(x, h, mask, logits []float64, training bool) {
	keep := 1 - m.cfg.Dropout
	for j := 0; j < m.hidden; j++ {
		sum := m.b1.data[j]
		row := m.w1.data[j*m.in : (j+1)*m.in]
		for i, xi := range x {
			if xi != 0 {
				sum += row[i] * xi
			}
		}
		if sum < 0 {
			sum = 0
		}
		if training {
			mask[j] = 1
			if m.cfg.Dropout > 0 {
				if m.rng.Float64() < m.cfg.Dropout {
					mask[j] = 0
				} else {
					mask[j] = 1 / keep
				}
			}
			sum *= mask[j]
		}
		h[j] = sum
	}
	for o := 0; o < m.out; o++ {
		sum := m.b2.data[o]
		row := m.w2.data[o*m.hidden : (o+1)*m.hidden]
		for j, hj := range h {
			sum += row[j] * hj
		}
		logits[o] = sum
	}
}

// backward accumulates cross-entropy gradients for one example.
func (m *MLP) backward(x []float64, y int, h, mask, probs, dh []float64) {
	for j := range dh {
		dh[j] = 0
	}
	for o := 0; o < m.out; o++ {
		d := probs[o]
		if o == y {
			d -= 1
		}
		m.b2.grad[o] += d
		row := m.w2.data[o*m.hidden : (o+1)*m.hidden]
		grow := m.w2.grad[o*m.hidden : (o+1)*m.hidden]
		for j, hj := range h {
			grow[j] += d * hj
			dh[j] += d * row[j]
		}
	}
	for j := 0; j < m.hidden; j++ {
		// h[j] > 0 exactly when the unit was active and not dropped.
		if h[j] <= 0 {
			continue
		}
		g := dh[j] * mask[j]
		m.b1.grad[j] += g
		grow := m.w1.grad[j*m.in : (j+1)*m.in]
		for i, xi := range x {
			if xi != 0 {
				grow[i] += g * xi
			}
		}
	}
}

// softmax returns a numerically stable softmax of logits.
func softmax(logits []float64) []float64 {
	maxVal := logits[0]
	for _, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	probs := make([]float64, len(logits))
	total := 0.0
	for i, v := range logits {
		probs[i] = math.Exp(v - maxVal)
		total += probs[i]
	}
	for i := range probs {
		probs[i] /= total
	}
	return probs
}

// argmax returns the index of the largest value, preferring the lowest
// index on ties.
func argmax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
