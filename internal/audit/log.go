// Package audit records one structured log entry per business API call:
// which method ran for which taxpayer, how the token was obtained and what
// the platform answered.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Level is the log level audit entries are written at. It sits above the
// standard levels so entries survive any level filter.
const Level = zerolog.Level(20)

// LevelFieldMarshal renders Level as "audit" and defers to zerolog for the
// rest. Install it as zerolog.LevelFieldMarshalFunc.
func LevelFieldMarshal(l zerolog.Level) string {
	if l == Level {
		return "audit"
	}
	return l.String()
}

type key struct{}

// Entry is the audit record of a single call.
type Entry struct {
	Method    string
	TaxNumber string
	Senid     string
	Status    int
	Code      string
	Error     string
	Duration  time.Duration

	Token TokenEntry

	start time.Time
}

// TokenEntry describes how the access token for the call was resolved.
type TokenEntry struct {
	Flow       string
	Cached     bool
	Shared     bool
	GrantError string
}

// Context returns the entry carried by ctx, attaching a new one when there
// is none.
func Context(ctx context.Context) (context.Context, *Entry) {
	if e, ok := ctx.Value(key{}).(*Entry); ok {
		return ctx, e
	}

	e := &Entry{}
	return context.WithValue(ctx, key{}, e), e
}

// Log returns the entry carried by ctx. Without one a detached entry is
// returned so callers never need a nil check.
func Log(ctx context.Context) *Entry {
	if e, ok := ctx.Value(key{}).(*Entry); ok {
		return e
	}
	return &Entry{}
}

// Begin starts timing the call.
func (e *Entry) Begin(method, taxNumber string) {
	e.Method = method
	e.TaxNumber = taxNumber
	e.start = time.Now()
}

// End returns a function, intended to be deferred, that writes the entry to
// the context logger. A panic in flight is recorded and then re-raised.
func (e *Entry) End(ctx context.Context) func() {
	return func() {
		r := recover()
		if r != nil {
			msg := fmt.Sprintf("panic: %v", r)
			if e.Error != "" {
				e.Error += "; " + msg
			} else {
				e.Error = msg
			}
		}

		if !e.start.IsZero() {
			e.Duration = time.Since(e.start)
		}

		zerolog.Ctx(ctx).WithLevel(Level).EmbedObject(e).Msg("audit_event")

		if r != nil {
			panic(r)
		}
	}
}

// SetError records err as the outcome of the call.
func (e *Entry) SetError(err error) {
	if err != nil {
		e.Error = err.Error()
	}
}

func (e *Entry) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("method", e.Method).
		Str("taxNumber", e.TaxNumber)

	if e.Senid != "" {
		ev.Str("senid", e.Senid)
	}
	if e.Status != 0 {
		ev.Int("status", e.Status)
	}
	if e.Code != "" {
		ev.Str("code", e.Code)
	}
	if e.Error != "" {
		ev.Str("error", e.Error)
	}
	ev.Dur("duration", e.Duration)

	token := NewOptionalEvent(nil).
		Str("flow", e.Token.Flow).
		Str("grantError", e.Token.GrantError)
	if e.Token.Flow != "" {
		token.Bool("cached", e.Token.Cached).Bool("shared", e.Token.Shared)
	}
	token.Set(ev, "token")
}
