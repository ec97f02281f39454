package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// CodeSet is a set of HTTP status codes.
type CodeSet map[int]struct{}

// NewCodeSet returns a set holding the given codes.
func NewCodeSet(codes ...int) CodeSet {
	s := make(CodeSet, len(codes))
	for _, c := range codes {
		s[c] = struct{}{}
	}
	return s
}

// DefaultSuccessCodes returns the status codes considered successful when
// none are configured.
func DefaultSuccessCodes() CodeSet {
	return NewCodeSet(200, 201, 202)
}

// DefaultFailureCodes returns the status codes considered failed when none
// are configured.
func DefaultFailureCodes() CodeSet {
	return NewCodeSet(400, 401, 402, 403, 404, 500, 501, 502)
}

// ParseCodeSet parses a list of status codes separated by commas and/or
// spaces.
func ParseCodeSet(v string) (CodeSet, error) {
	fields := strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	if len(fields) == 0 {
		return nil, errors.New("empty status code list")
	}

	s := make(CodeSet, len(fields))
	for _, f := range fields {
		c, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid status code %q: %w", f, err)
		}
		if c < 100 || c > 599 {
			return nil, fmt.Errorf("status code %d out of range", c)
		}
		s[c] = struct{}{}
	}

	return s, nil
}

// Contains reports whether code is in the set.
func (s CodeSet) Contains(code int) bool {
	_, ok := s[code]
	return ok
}

// Sorted returns the codes in ascending order.
func (s CodeSet) Sorted() []int {
	codes := make([]int, 0, len(s))
	for c := range s {
		codes = append(codes, c)
	}
	sort.Ints(codes)
	return codes
}

func (s CodeSet) String() string {
	codes := s.Sorted()
	parts := make([]string, len(codes))
	for i, c := range codes {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, ",")
}

// ValidateCodeSets checks that success and failure sets are both non-empty
// and do not overlap.
func ValidateCodeSets(success, failure CodeSet) error {
	if len(success) == 0 {
		return errors.New("empty success status codes")
	}
	if len(failure) == 0 {
		return errors.New("empty failure status codes")
	}
	for c := range success {
		if failure.Contains(c) {
			return fmt.Errorf("status code %d is both a success and a failure code", c)
		}
	}
	return nil
}

// Outcome is the classification of a response status code.
type Outcome int

// Possible outcomes.
const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeUnexpected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeUnexpected:
		return "unexpected"
	}
	return "Outcome(" + strconv.Itoa(int(o)) + ")"
}

// Classify returns the outcome of a status code.
func Classify(code int, success, failure CodeSet) Outcome {
	switch {
	case success.Contains(code):
		return OutcomeSuccess
	case failure.Contains(code):
		return OutcomeFailure
	default:
		return OutcomeUnexpected
	}
}

// Report classifies the response and logs the result at the matching level.
func Report(l log.Logger, r *Response, success, failure CodeSet) Outcome {
	o := Classify(r.StatusCode, success, failure)

	var (
		ll     log.Logger
		prefix string
	)
	switch o {
	case OutcomeSuccess:
		ll, prefix = level.Info(l), "Success"
	case OutcomeFailure:
		ll, prefix = level.Error(l), "Failure"
	default:
		ll, prefix = level.Warn(l), "Unexpected status"
	}
	ll.Log(
		"msg", strings.TrimSpace(fmt.Sprintf("%s: %d %s", prefix, r.StatusCode, r.Reason)),
		"outcome", o,
		"status", r.StatusCode,
		"reason", r.Reason,
	)

	return o
}
