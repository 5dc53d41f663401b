// Package retry decides whether an EVM RPC error is worth failing over
// to another endpoint. Transient errors are blamed on the endpoint; terminal
// errors would fail the same way anywhere.
package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
)

type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

// CodedError is implemented by JSON-RPC error values.
type CodedError interface {
	error
	RPCCode() int
}

// StatusError is implemented by non-200 HTTP responses from a node.
type StatusError interface {
	error
	HTTPStatus() int
}

type marked struct {
	err    error
	class  Class
	reason string
}

func (e *marked) Error() string { return e.err.Error() }
func (e *marked) Unwrap() error { return e.err }

// Transient marks err as an endpoint fault regardless of its content.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &marked{err: err, class: ClassTransient, reason: "marked_transient"}
}

// Terminal marks err as a request fault regardless of its content.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &marked{err: err, class: ClassTerminal, reason: "marked_terminal"}
}

// Classify checks, in order: explicit marks, context errors, network
// timeouts, HTTP status, JSON-RPC code, node message text. Anything
// unrecognised is terminal so a bad request never disables an endpoint.
func Classify(err error) Decision {
	if err == nil {
		return Decision{ClassTerminal, "nil_error"}
	}

	var m *marked
	if errors.As(err, &m) {
		return Decision{m.class, m.reason}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Decision{ClassTerminal, "caller_canceled"}
	case errors.Is(err, context.DeadlineExceeded):
		return Decision{ClassTransient, "call_timeout"}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Decision{ClassTransient, "net_timeout"}
	}

	var se StatusError
	if errors.As(err, &se) {
		return classifyStatus(se.HTTPStatus())
	}

	var ce CodedError
	if errors.As(err, &ce) {
		if d, ok := classifyMessage(ce.Error()); ok {
			return d
		}
		return classifyCode(ce.RPCCode())
	}

	if d, ok := classifyMessage(err.Error()); ok {
		return d
	}
	return Decision{ClassTerminal, "unrecognised"}
}

func classifyStatus(status int) Decision {
	switch {
	case status == http.StatusTooManyRequests:
		return Decision{ClassTransient, "http_rate_limited"}
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		// A revoked key is specific to this endpoint.
		return Decision{ClassTransient, "http_unauthorized"}
	case status >= 500:
		return Decision{ClassTransient, "http_server_error"}
	default:
		return Decision{ClassTerminal, "http_client_error"}
	}
}

func classifyCode(code int) Decision {
	switch {
	case code == -32603:
		return Decision{ClassTransient, "jsonrpc_internal"}
	case code == -32005:
		return Decision{ClassTransient, "jsonrpc_limit_exceeded"}
	case code <= -32000 && code >= -32099:
		return Decision{ClassTransient, "jsonrpc_server_error"}
	default:
		return Decision{ClassTerminal, "jsonrpc_request_error"}
	}
}

type messageRule struct {
	token  string
	class  Class
	reason string
}

// First match wins; "header not found" must precede "not found".
var messageRules = []messageRule{
	{"execution reverted", ClassTerminal, "evm_reverted"},
	{"invalid argument", ClassTerminal, "invalid_argument"},
	{"invalid params", ClassTerminal, "invalid_params"},
	{"method not found", ClassTerminal, "method_not_found"},
	{"parse error", ClassTerminal, "parse_error"},

	// Lagging or pruned nodes; another endpoint may be synced or archival.
	{"header not found", ClassTransient, "node_lagging"},
	{"unknown block", ClassTransient, "node_lagging"},
	{"missing trie node", ClassTransient, "node_pruned"},

	// Status errors that lost their type through string wrapping.
	{"http status 429", ClassTransient, "http_rate_limited"},
	{"http status 5", ClassTransient, "http_server_error"},

	{"rate limit", ClassTransient, "rate_limited"},
	{"too many requests", ClassTransient, "rate_limited"},
	{"capacity exceeded", ClassTransient, "rate_limited"},
	{"request limit", ClassTransient, "rate_limited"},
	{"timeout", ClassTransient, "node_timeout"},
	{"timed out", ClassTransient, "node_timeout"},
	{"temporar", ClassTransient, "node_unavailable"},
	{"unavailable", ClassTransient, "node_unavailable"},
	{"bad gateway", ClassTransient, "node_unavailable"},
	{"connection reset", ClassTransient, "connection_lost"},
	{"connection refused", ClassTransient, "connection_lost"},
	{"broken pipe", ClassTransient, "connection_lost"},
	{"server closed idle connection", ClassTransient, "connection_lost"},
	{"no such host", ClassTransient, "dns_failure"},
	{"eof", ClassTransient, "connection_lost"},

	{"not found", ClassTerminal, "not_found"},
}

func classifyMessage(msg string) (Decision, bool) {
	lower := strings.ToLower(msg)
	for _, r := range messageRules {
		if strings.Contains(lower, r.token) {
			return Decision{r.class, r.reason}, true
		}
	}
	return Decision{}, false
}
