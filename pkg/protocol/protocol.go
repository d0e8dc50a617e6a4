package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Terminator ends every command and response on both device families
const Terminator = ';'

// ErrNoData is returned by Decode for an empty response. A sleeping or
// waking device answers with nothing, so callers treat this as "no reply"
// rather than a malformed frame.
var ErrNoData = errors.New("no data")

// DecodeError reports a response that could not be parsed
type DecodeError struct {
	Command string
	Raw     string
	Reason  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed %s response %q: %s", e.Command, e.Raw, e.Reason)
}

// Codec frames commands for one device family. The amplifier prefixes its
// commands with "^"; the tuner uses no prefix.
type Codec struct {
	Prefix string
}

// Encode builds the wire form of a command. An empty arg produces a query
// ("^ON;"), a non-empty one a set ("^ON1;").
func (c Codec) Encode(cmd, arg string) []byte {
	buf := make([]byte, 0, len(c.Prefix)+len(cmd)+len(arg)+1)
	buf = append(buf, c.Prefix...)
	buf = append(buf, cmd...)
	buf = append(buf, arg...)
	return append(buf, Terminator)
}

// Decode strips the prefix, terminator and command echo from a response and
// returns the payload. A bare echo of the command ("^ON;") decodes to an
// empty payload without error.
func (c Codec) Decode(raw []byte, cmd string) (string, error) {
	s := strings.TrimSpace(string(raw))
	// stray wake preamble characters ahead of the frame
	s = strings.TrimLeft(s, string(Terminator))
	if s == "" {
		return "", ErrNoData
	}

	if !strings.HasSuffix(s, string(Terminator)) {
		return "", &DecodeError{Command: cmd, Raw: s, Reason: "missing terminator"}
	}
	s = strings.TrimSuffix(s, string(Terminator))

	if c.Prefix != "" {
		if !strings.HasPrefix(s, c.Prefix) {
			return "", &DecodeError{Command: cmd, Raw: s, Reason: "missing prefix " + c.Prefix}
		}
		s = strings.TrimPrefix(s, c.Prefix)
	}

	if !strings.HasPrefix(s, cmd) {
		return "", &DecodeError{Command: cmd, Raw: s, Reason: "unexpected command echo"}
	}

	return strings.TrimSpace(strings.TrimPrefix(s, cmd)), nil
}
