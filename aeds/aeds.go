// Package aeds maps error messages to remediation tags.
//
// A Detector walks its antibodies in declaration order. The first antibody
// whose pattern matches the error text is accepted with probability equal to
// its confidence; when the roll fails the error goes unremedied.
package aeds

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
)

// Remedy names the corrective action attached to an antibody.
type Remedy string

const (
	RemedyRestartOrgan Remedy = "restart_organ"
	RemedyClearBuffer  Remedy = "clear_buffer"
	RemedyLogOnly      Remedy = "log_only"
	RemedyRetry        Remedy = "retry"
)

func (r Remedy) IsValid() bool {
	switch r {
	case RemedyRestartOrgan, RemedyClearBuffer, RemedyLogOnly, RemedyRetry:
		return true
	}
	return false
}

var ErrInvalidAntibody = errors.New("aeds: invalid antibody")

type Antibody struct {
	Name       string
	Pattern    *regexp.Regexp
	Confidence float64
	Remedy     Remedy
}

// Compile builds an antibody from its textual form.
func Compile(name, pattern string, confidence float64, remedy Remedy) (Antibody, error) {
	if pattern == "" {
		return Antibody{}, fmt.Errorf("%w: %s: empty pattern", ErrInvalidAntibody, name)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Antibody{}, fmt.Errorf("%w: %s: %v", ErrInvalidAntibody, name, err)
	}
	if confidence < 0 || confidence > 1 {
		return Antibody{}, fmt.Errorf("%w: %s: confidence %v outside [0,1]", ErrInvalidAntibody, name, confidence)
	}
	if !remedy.IsValid() {
		return Antibody{}, fmt.Errorf("%w: %s: unknown remedy %q", ErrInvalidAntibody, name, remedy)
	}
	return Antibody{Name: name, Pattern: re, Confidence: confidence, Remedy: remedy}, nil
}

// DefaultAntibodies is the stock antibody set.
func DefaultAntibodies() []Antibody {
	return []Antibody{
		{Name: "line-overflow", Pattern: regexp.MustCompile(`(?i)buffer overflow|line too long`), Confidence: 0.95, Remedy: RemedyClearBuffer},
		{Name: "out-of-memory", Pattern: regexp.MustCompile(`(?i)out of memory|heap (limit|exhausted)|ENOMEM`), Confidence: 0.9, Remedy: RemedyClearBuffer},
		{Name: "broken-pipe", Pattern: regexp.MustCompile(`(?i)broken pipe|EPIPE|file already closed`), Confidence: 0.9, Remedy: RemedyRestartOrgan},
		{Name: "connection-refused", Pattern: regexp.MustCompile(`(?i)connection refused|ECONNREFUSED|connection reset`), Confidence: 0.8, Remedy: RemedyRestartOrgan},
		{Name: "timeout", Pattern: regexp.MustCompile(`(?i)timed? ?out|deadline exceeded|ETIMEDOUT`), Confidence: 0.7, Remedy: RemedyRetry},
		{Name: "malformed-packet", Pattern: regexp.MustCompile(`(?i)malformed|invalid character|unexpected end of JSON`), Confidence: 0.6, Remedy: RemedyLogOnly},
	}
}

// Match is an accepted antibody hit.
type Match struct {
	Antibody string `json:"antibody"`
	Remedy   Remedy `json:"remedy"`
	Error    string `json:"error"`
}

type Option func(*Detector)

// WithRand replaces the source of the confidence roll. fn must return a
// value in [0,1).
func WithRand(fn func() float64) Option {
	return func(d *Detector) { d.rand = fn }
}

type Detector struct {
	antibodies []Antibody
	rand       func() float64
}

// NewDetector copies antibodies into a new detector.
func NewDetector(antibodies []Antibody, opts ...Option) *Detector {
	d := &Detector{
		antibodies: append([]Antibody(nil), antibodies...),
		rand:       rand.Float64,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect returns the accepted match for err, if any.
func (d *Detector) Detect(err error) (Match, bool) {
	if d == nil || err == nil {
		return Match{}, false
	}
	msg := err.Error()
	for _, ab := range d.antibodies {
		if ab.Pattern == nil || !ab.Pattern.MatchString(msg) {
			continue
		}
		if d.rand() >= ab.Confidence {
			return Match{}, false
		}
		return Match{Antibody: ab.Name, Remedy: ab.Remedy, Error: msg}, true
	}
	return Match{}, false
}

// Antibodies returns a copy of the detector's table.
func (d *Detector) Antibodies() []Antibody {
	return append([]Antibody(nil), d.antibodies...)
}

// Evolve is the periodic hook for refining the antibody table. It returns
// the number of antibodies changed; the stock detector never changes any.
func (d *Detector) Evolve() int {
	return 0
}
