package fetch

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// ArgError marks a caller mistake (bad scheme, malformed input,
// missing auth key). It is never retried and maps to an immediate
// task failure.
type ArgError struct {
	msg string
}

func (e *ArgError) Error() string { return e.msg }

// Argf builds an ArgError.
func Argf(format string, a ...any) error {
	return &ArgError{msg: fmt.Sprintf(format, a...)}
}

// IsArg reports whether err carries an ArgError.
func IsArg(err error) bool {
	var a *ArgError
	return errors.As(err, &a)
}

// StatusError is a non-2xx HTTP response. The snippet keeps task
// failure messages actionable without dumping whole bodies.
type StatusError struct {
	Status      int
	BodySnippet string
}

func (e *StatusError) Error() string {
	if e.BodySnippet == "" {
		return fmt.Sprintf("bad status: %d", e.Status)
	}
	return fmt.Sprintf("bad status: %d: %s", e.Status, e.BodySnippet)
}

// Snippet collapses whitespace and truncates b to 240 characters for
// inclusion in error messages and task rows.
func Snippet(b []byte) string {
	s := strings.Join(strings.Fields(string(b)), " ")
	const max = 240
	if len(s) > max {
		s = s[:max]
	}
	return s
}
