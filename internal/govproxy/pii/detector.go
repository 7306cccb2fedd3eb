// Package pii classifies column values as personal data and recommends how
// to mask them.
package pii

import (
	"math"
	"strings"
	"time"

	"github.com/vaibhaw-/govproxy/internal/govproxy/logger"
	"github.com/vaibhaw-/govproxy/internal/govproxy/model"
)

const (
	// DetectionThreshold is the minimum candidate confidence that counts as detected.
	DetectionThreshold = 0.5

	fullMaskThreshold = 0.85

	hintMatchBoost = 0.15
	hintOtherBoost = 0.05
)

// Detector runs the ordered matcher table over single values. It holds no
// mutable state and is safe for concurrent use.
type Detector struct {
	now      func() time.Time
	hints    *Hints
	matchers []Matcher
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock sets the clock used to compute ages for DateOfBirth.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithHints replaces the built-in column hint dictionary. A nil dictionary
// disables column boosts.
func WithHints(h *Hints) Option {
	return func(d *Detector) { d.hints = h }
}

// New returns a Detector using the built-in hints unless overridden.
func New(opts ...Option) (*Detector, error) {
	hints, err := DefaultHints()
	if err != nil {
		return nil, err
	}
	d := &Detector{now: time.Now, hints: hints}
	for _, opt := range opts {
		opt(d)
	}
	d.matchers = matchers(d.now)
	return d, nil
}

// DetectPII classifies one value of a column. A nil or blank value is never
// PII. A matcher panic is recovered and the value is reported as not detected.
func (d *Detector) DetectPII(columnName string, value *string) (res model.PIIDetectionResult) {
	res = notDetected(columnName, 0)
	if value == nil {
		return res
	}
	v := strings.TrimSpace(*value)
	if v == "" {
		return res
	}

	defer func() {
		if r := recover(); r != nil {
			logger.L().Errorw("PII matcher panicked, value treated as not detected",
				"column", columnName,
				"panic", r)
			res = notDetected(columnName, 0)
		}
	}()

	best := map[model.PIIType]float64{}
	maxRaw := 0.0
	for _, m := range d.matchers {
		for _, c := range m.Match(v) {
			if c.Confidence > best[c.Type] {
				best[c.Type] = c.Confidence
			}
			maxRaw = math.Max(maxRaw, c.Confidence)
		}
	}

	var detected []model.PIIType
	top := 0.0
	for _, t := range model.PIITypes() {
		if best[t] >= DetectionThreshold {
			detected = append(detected, t)
			top = math.Max(top, best[t])
		}
	}
	if len(detected) == 0 {
		return notDetected(columnName, maxRaw)
	}

	if d.hints != nil {
		top += d.hints.Boost(columnName, detected)
	}
	conf := round2(math.Min(top, 1.0))
	return model.PIIDetectionResult{
		ColumnName:            columnName,
		PIIDetected:           true,
		DetectedTypes:         detected,
		Confidence:            conf,
		MaskingRecommendation: recommendMasking(conf),
	}
}

// DetectColumn classifies a column from its sample values. Detected types
// are the union over all values and the confidence is the highest seen.
func (d *Detector) DetectColumn(columnName string, values []string) model.PIIDetectionResult {
	agg := notDetected(columnName, 0)
	seen := map[model.PIIType]bool{}
	for i := range values {
		r := d.DetectPII(columnName, &values[i])
		if !r.PIIDetected {
			if !agg.PIIDetected {
				agg.Confidence = math.Max(agg.Confidence, r.Confidence)
			}
			continue
		}
		if !agg.PIIDetected {
			agg.PIIDetected = true
			agg.Confidence = 0
		}
		agg.Confidence = math.Max(agg.Confidence, r.Confidence)
		for _, t := range r.DetectedTypes {
			seen[t] = true
		}
	}
	if !agg.PIIDetected {
		return agg
	}
	for _, t := range model.PIITypes() {
		if seen[t] {
			agg.DetectedTypes = append(agg.DetectedTypes, t)
		}
	}
	agg.MaskingRecommendation = recommendMasking(agg.Confidence)
	logger.L().Debugw("Column classified",
		"column", columnName,
		"samples", len(values),
		"types", agg.DetectedTypes,
		"confidence", agg.Confidence)
	return agg
}

func notDetected(columnName string, conf float64) model.PIIDetectionResult {
	return model.PIIDetectionResult{
		ColumnName:            columnName,
		DetectedTypes:         []model.PIIType{},
		Confidence:            round2(conf),
		MaskingRecommendation: model.MaskNone,
	}
}

func recommendMasking(conf float64) model.Masking {
	switch {
	case conf >= fullMaskThreshold:
		return model.MaskFull
	case conf >= DetectionThreshold:
		return model.MaskPartial
	}
	return model.MaskNone
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
