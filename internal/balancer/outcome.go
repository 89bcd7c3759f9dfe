package balancer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/tidwall/gjson"
)

// OutcomeKind classifies the result of a single upstream attempt.
type OutcomeKind int

const (
	// OutcomeOK is a 200 response with a valid JSON body.
	OutcomeOK OutcomeKind = iota
	// OutcomeNotFound is a valid response that lacks the records the request requires.
	OutcomeNotFound
	// OutcomeRateLimited is an HTTP 429 or 503.
	OutcomeRateLimited
	// OutcomeTimeout is a deadline, timeout or aborted connection.
	OutcomeTimeout
	// OutcomeError is any other failure: unexpected status, malformed JSON, transport error.
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "error"
	}
}

// Outcome is the tagged result of one attempt. Body is set only for OutcomeOK,
// Err is set for every other kind.
type Outcome struct {
	Kind   OutcomeKind
	Status int
	Body   json.RawMessage
	Err    error
}

// Transient reports whether the outcome is a rate limit or a timeout.
func (o Outcome) Transient() bool {
	return o.Kind == OutcomeRateLimited || o.Kind == OutcomeTimeout
}

func classifyResponse(status int, body []byte, requirePath string) Outcome {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		return Outcome{Kind: OutcomeRateLimited, Status: status, Err: fmt.Errorf("upstream returned HTTP %d", status)}
	case status != http.StatusOK:
		return Outcome{Kind: OutcomeError, Status: status, Err: fmt.Errorf("upstream returned unexpected HTTP %d", status)}
	case !gjson.ValidBytes(body):
		return Outcome{Kind: OutcomeError, Status: status, Err: errors.New("upstream returned malformed JSON")}
	}

	if requirePath != "" && !hasRecords(gjson.GetBytes(body, requirePath)) {
		return Outcome{Kind: OutcomeNotFound, Status: status, Err: fmt.Errorf("no records at %s", requirePath)}
	}
	return Outcome{Kind: OutcomeOK, Status: status, Body: json.RawMessage(body)}
}

func hasRecords(r gjson.Result) bool {
	switch {
	case !r.Exists() || r.Type == gjson.Null:
		return false
	case r.IsArray():
		return len(r.Array()) > 0
	case r.IsObject():
		return len(r.Map()) > 0
	default:
		return r.String() != ""
	}
}

func classifyError(err error) Outcome {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout(),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, io.ErrUnexpectedEOF):
		return Outcome{Kind: OutcomeTimeout, Err: err}
	default:
		return Outcome{Kind: OutcomeError, Err: err}
	}
}
