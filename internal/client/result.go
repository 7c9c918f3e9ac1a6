// Package client defines the contract with the wire-protocol client that
// performs joins and posts on behalf of a worker identity, plus the drivers
// shipped with pewcast.
//
// Provider failures are never returned as Go errors: every call yields a
// Result from a closed set of kinds so orchestration code can switch on it
// exhaustively.
package client

import (
	"context"
	"fmt"
	"time"
)

type Kind int

const (
	KindSuccess Kind = iota
	KindRateLimited
	KindForbidden
	KindNotFound
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRateLimited:
		return "rate_limited"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Result is the outcome of one join or send.
//
// RetryAfter is set only for KindRateLimited. ProviderWide is meaningful only
// for KindForbidden on send: the resource itself refuses the content
// (restricted media, payment required, closed feature), so no other worker
// can succeed either.
type Result struct {
	Kind         Kind
	RetryAfter   time.Duration
	ProviderWide bool
	Message      string
}

func Success() Result { return Result{Kind: KindSuccess} }

func RateLimited(after time.Duration) Result {
	if after < 0 {
		after = 0
	}
	return Result{Kind: KindRateLimited, RetryAfter: after}
}

func Forbidden(providerWide bool, msg string) Result {
	return Result{Kind: KindForbidden, ProviderWide: providerWide, Message: msg}
}

func NotFound(msg string) Result { return Result{Kind: KindNotFound, Message: msg} }

func Unknown(msg string) Result { return Result{Kind: KindUnknown, Message: msg} }

func (r Result) OK() bool { return r.Kind == KindSuccess }

func (r Result) String() string {
	switch r.Kind {
	case KindSuccess:
		return "success"
	case KindRateLimited:
		return fmt.Sprintf("rate_limited(%s)", r.RetryAfter)
	case KindForbidden:
		if r.ProviderWide {
			return "forbidden(provider): " + r.Message
		}
		return "forbidden: " + r.Message
	default:
		return r.Kind.String() + ": " + r.Message
	}
}

// Identity is what a driver needs to act as a worker.
type Identity struct {
	WorkerID       int64
	CredentialsRef string
}

// Content is one message (and optional media reference) to post.
type Content struct {
	Text  string
	Media string
}

// Client performs network actions. Implementations must be safe for
// concurrent use across different identities; the engine never issues two
// concurrent calls for the same identity.
type Client interface {
	Join(ctx context.Context, address string, as Identity) Result
	Send(ctx context.Context, address string, c Content, as Identity) Result
}
