// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

// Package evaluator classifies EPSS observations against the previous run's
// snapshot.
package evaluator

import (
	"math"

	"github.com/bonial-oss/epss-watch/internal/types"
)

// DefaultThreshold is the default relative increase that counts as significant.
const DefaultThreshold = 0.20

// tolerance absorbs float error so that decimal-exact boundaries such as
// 0.5 -> 0.6 at 0.20 still compare as equal.
const tolerance = 1e-9

// Classification is the outcome of evaluating one observation.
type Classification int

const (
	ClassUnchanged Classification = iota
	ClassNew
	ClassSignificantIncrease
)

func (c Classification) String() string {
	switch c {
	case ClassNew:
		return "new"
	case ClassSignificantIncrease:
		return "significant-increase"
	default:
		return "unchanged"
	}
}

// Decision is the evaluator's verdict for one CVE.
type Decision struct {
	Classification   Classification
	Notify           bool
	HasPrior         bool
	OldScore         float64
	RelativeIncrease float64
}

// Reason maps the decision to a notification reason. It is only meaningful
// when Notify is true.
func (d Decision) Reason() types.Reason {
	if d.Classification == ClassNew {
		return types.ReasonNew
	}
	return types.ReasonSignificantIncrease
}

// Evaluate classifies newScore given the prior record for the same CVE (nil if
// none).
//
// Rules:
//  1. No prior record -> new. Notifies unless this is the first run.
//  2. Prior score 0 -> any positive score is a significant increase; 0 stays
//     unchanged.
//  3. Otherwise significant iff (new-old)/old >= threshold.
func Evaluate(prior *types.ScoreRecord, isFirstRun bool, threshold, newScore float64) Decision {
	if prior == nil {
		return Decision{Classification: ClassNew, Notify: !isFirstRun}
	}

	d := Decision{HasPrior: true, OldScore: prior.EPSSScore}

	if prior.EPSSScore == 0 {
		if newScore > 0 {
			d.Classification = ClassSignificantIncrease
			d.Notify = true
			d.RelativeIncrease = math.Inf(1)
		}
		return d
	}

	d.RelativeIncrease = (newScore - prior.EPSSScore) / prior.EPSSScore
	if d.RelativeIncrease >= threshold-tolerance {
		d.Classification = ClassSignificantIncrease
		d.Notify = true
	}
	return d
}

// Evaluator holds the pre-run snapshot for the duration of a run. It never
// sees records produced during the run.
type Evaluator struct {
	history   *types.Snapshot
	firstRun  bool
	threshold float64
}

// New returns an Evaluator over history. The run counts as a first run when
// history is empty.
func New(history *types.Snapshot, threshold float64) *Evaluator {
	return &Evaluator{
		history:   history,
		firstRun:  history.Len() == 0,
		threshold: threshold,
	}
}

// FirstRun reports whether the history was empty.
func (e *Evaluator) FirstRun() bool {
	return e.firstRun
}

// Evaluate classifies one observation.
func (e *Evaluator) Evaluate(cveID string, newScore float64) Decision {
	return Evaluate(e.history.Get(cveID), e.firstRun, e.threshold, newScore)
}
