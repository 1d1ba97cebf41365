package handshake

import (
	"context"
	"fmt"
	"sync"

	"github.com/kolayfit/nativeauth/events"
)

// Failure codes produced by the adapter itself. They are negative so they never collide with
// provider status codes.
const (
	StatusMalformedResult = -1
	StatusSuperseded      = -2
	StatusCanceled        = -3
	StatusInternal        = -4
)

// Outcome is the terminal result of a sign-in attempt: either Success or Failure.
type Outcome interface {
	outcome()
}

// Success is a completed sign-in. IDToken is always set; the other fields are best effort.
type Success struct {
	IDToken     string `json:"idToken"`
	AccessToken string `json:"accessToken,omitempty"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Failure is a failed sign-in. Message is diagnostic text only.
type Failure struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (Success) outcome() {}
func (Failure) outcome() {}

func (f Failure) Error() string {
	return fmt.Sprintf("sign-in failed (%d): %s", f.Code, f.Message)
}

// Caller receives the outcome of the sign-in it started. Deliver is called exactly once per
// accepted request and must not block.
type Caller interface {
	Deliver(Outcome)
}

// CallerFunc adapts a function to a Caller.
type CallerFunc func(Outcome)

func (f CallerFunc) Deliver(o Outcome) { f(o) }

// Promise is a Caller that can be waited on.
type Promise struct {
	result chan Outcome
	once   sync.Once
}

func NewPromise() *Promise {
	return &Promise{result: make(chan Outcome, 1)}
}

// Deliver resolves the promise. Only the first call has an effect.
func (p *Promise) Deliver(o Outcome) {
	p.once.Do(func() { p.result <- o })
}

// Done returns a channel that receives the outcome once.
func (p *Promise) Done() <-chan Outcome {
	return p.result
}

// Wait blocks until the outcome arrives or ctx is done. A caller that gives up is expected to
// cancel the pending request; a completion arriving afterwards is dropped.
func (p *Promise) Wait(ctx context.Context) (Outcome, error) {
	select {
	case o := <-p.result:
		return o, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SignInCompleted is emitted after an outcome has been delivered to its caller.
type SignInCompleted struct {
	events.Event
	Success bool
	Status  int
}

// SignedOut is emitted after the provider cleared its cached identity.
type SignedOut struct {
	events.Event
}
