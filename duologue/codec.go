package duologue

import (
	"unicode/utf8"

	"github.com/c360/echomux/errors"
)

// Wire protocol: single-line UTF-8 text frames, one frame per transport
// message. The only accepted request is "ECHO <payload>".
const (
	echoPrefix      = "ECHO "
	errorBadMessage = "ERROR bad message"
)

// parseFrame decodes an inbound frame as UTF-8 text. An undecodable frame is
// a protocol violation, fatal to the session.
func parseFrame(payload []byte) (string, error) {
	if !utf8.Valid(payload) {
		return "", errors.WrapProtocol(errors.ErrInvalidEncoding,
			"Duologue", "parseFrame", "decode frame")
	}
	return string(payload), nil
}

// matchEcho matches the grammar "ECHO <payload>" where the payload is the
// remainder of the line and may be empty. A bare "ECHO" without the space
// separator does not match.
func matchEcho(s string) (string, bool) {
	if len(s) < len(echoPrefix) || s[:len(echoPrefix)] != echoPrefix {
		return "", false
	}
	return s[len(echoPrefix):], true
}
