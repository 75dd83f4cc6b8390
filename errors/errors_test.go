package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorProtocol, "protocol"},
		{ErrorIO, "io"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			result := test.class.String()
			if result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestIsProtocol(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"bad message", ErrBadMessage, true},
		{"invalid encoding", ErrInvalidEncoding, true},
		{"wrapped bad message", fmt.Errorf("session 7: %w", ErrBadMessage), true},
		{"io error", ErrPublicationClosed, false},
		{"classified protocol", &ClassifiedError{Class: ErrorProtocol, Err: fmt.Errorf("test")}, true},
		{"classified io", &ClassifiedError{Class: ErrorIO, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsProtocol(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsIO(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"publication closed", ErrPublicationClosed, true},
		{"subscription closed", ErrSubscriptionClosed, true},
		{"not connected", ErrNotConnected, true},
		{"bad message", ErrBadMessage, false},
		{"classified io", &ClassifiedError{Class: ErrorIO, Err: fmt.Errorf("test")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsIO(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"nil defaults transient", nil, ErrorTransient},
		{"bad message", ErrBadMessage, ErrorProtocol},
		{"publication closed", ErrPublicationClosed, ErrorIO},
		{"invalid argument", ErrInvalidArgument, ErrorInvalid},
		{"missing dependency", ErrMissingDependency, ErrorInvalid},
		{"unknown error", fmt.Errorf("something else"), ErrorTransient},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, ErrorFatal},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := Classify(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	base := fmt.Errorf("boom")
	wrapped := Wrap(base, "Duologue", "poll", "drain fragments")

	if wrapped.Error() != "Duologue.poll: drain fragments failed: boom" {
		t.Errorf("unexpected message: %s", wrapped.Error())
	}
	if !errors.Is(wrapped, base) {
		t.Error("wrapped error should match base via errors.Is")
	}
	if Wrap(nil, "X", "y", "z") != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestWrapPreservesClassification(t *testing.T) {
	err := WrapIO(ErrPublicationClosed, "Duologue", "reply", "offer frame")

	if !IsIO(err) {
		t.Error("WrapIO result should classify as io")
	}
	if !errors.Is(err, ErrPublicationClosed) {
		t.Error("sentinel should survive wrapping")
	}

	var ce *ClassifiedError
	if !errors.As(err, &ce) {
		t.Fatal("expected a ClassifiedError in the chain")
	}
	if ce.Component != "Duologue" || ce.Operation != "reply" {
		t.Errorf("unexpected context: %s.%s", ce.Component, ce.Operation)
	}
}

func TestWithSecondary(t *testing.T) {
	primary := fmt.Errorf("subscription close: %w", ErrSubscriptionClosed)
	secondary := fmt.Errorf("publication close: %w", ErrPublicationClosed)

	err := WithSecondary(primary, secondary)

	if !errors.Is(err, ErrSubscriptionClosed) {
		t.Error("primary should be reachable via errors.Is")
	}
	if !errors.Is(err, ErrPublicationClosed) {
		t.Error("secondary should be reachable via errors.Is")
	}
	if got := err.Error(); got != fmt.Sprintf("%v (additionally: %v)", primary, secondary) {
		t.Errorf("unexpected message: %s", got)
	}
}

func TestWithSecondary_NilHandling(t *testing.T) {
	only := fmt.Errorf("boom")

	if got := WithSecondary(only, nil); got != only {
		t.Errorf("expected primary unchanged, got %v", got)
	}
	if got := WithSecondary(nil, only); got != only {
		t.Errorf("expected secondary unchanged, got %v", got)
	}
	if got := WithSecondary(nil, nil); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}
