// Package errors provides standardized error handling patterns for echomux components.
//
// # Overview
//
// The errors package implements a five-class error classification system for a
// session-multiplexed transport service: Transient (temporary), Invalid (bad
// input or configuration), Protocol (peer violated the wire protocol), IO
// (transport send/receive failure), and Fatal (unrecoverable, stop processing).
//
// Protocol and IO errors share a consequence - they terminate exactly one
// session and never the server - but are attributed separately so operators can
// tell a misbehaving peer from a failing transport.
//
// # Quick Start
//
// Use standard error variables for known conditions:
//
//	if payloadInvalid {
//	    return errors.ErrBadMessage
//	}
//
// Wrap errors with context for debugging:
//
//	if err := pub.Offer(frame); err != nil {
//	    return errors.WrapIO(err, "Duologue", "reply", "offer frame")
//	}
//
// Check classification at handling sites:
//
//	if errors.IsProtocol(err) || errors.IsIO(err) {
//	    // terminate this session, let the pool continue
//	}
//
// # Dual-Failure Aggregation
//
// Teardown paths that must release two resources use WithSecondary to report
// both failures without losing either:
//
//	if perr := pub.Close(); perr != nil {
//	    if serr := sub.Close(); serr != nil {
//	        return errors.WithSecondary(serr, perr)
//	    }
//	    return perr
//	}
//
// Both failures remain reachable through errors.Is and errors.As.
//
// # Error Wrapping Pattern
//
// All error wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// This format enables consistent log parsing and debugging across the
// platform. The Wrap family preserves classification through the chain.
//
// # Thread Safety
//
// All classification and wrapping operations are thread-safe. Error variables
// are immutable and safe for concurrent access.
package errors
