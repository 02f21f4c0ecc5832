package scribe

import "context"

// Identity reports the currently authenticated owner. An empty string means
// nobody is signed in.
type Identity interface {
	Current(ctx context.Context) string
}

// StaticIdentity always reports the same owner.
type StaticIdentity string

func (s StaticIdentity) Current(context.Context) string { return string(s) }
