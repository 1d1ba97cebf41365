package handshake

import (
	"fmt"
	"strings"
	"sync"
)

// DefaultRequestCode is the correlation token used when none is configured.
const DefaultRequestCode = 9001

// Policy decides what happens to a sign-in request issued while another is pending.
type Policy int

const (
	// Reject fails the new request with ErrAlreadyPending and leaves the pending one alone.
	Reject Policy = iota
	// Supersede replaces the pending request. The displaced caller receives a
	// Failure{Code: StatusSuperseded}.
	Supersede
)

func (p Policy) String() string {
	switch p {
	case Reject:
		return "reject"
	case Supersede:
		return "supersede"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy parses "reject" or "supersede". An empty string selects Reject.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject", "fail-fast":
		return Reject, nil
	case "supersede":
		return Supersede, nil
	default:
		return Reject, fmt.Errorf("unknown concurrent request policy %q", s)
	}
}

type pendingRequest struct {
	caller Caller
	// generation distinguishes requests that share the fixed token
	generation uint64
}

// Correlator holds at most one pending sign-in request and routes exactly one completion to it.
type Correlator struct {
	token  int
	policy Policy

	mu         sync.Mutex
	pending    *pendingRequest
	generation uint64
}

func NewCorrelator(token int, policy Policy) *Correlator {
	return &Correlator{token: token, policy: policy}
}

// Token returns the correlation token handed out by Begin.
func (c *Correlator) Token() int {
	return c.token
}

// Begin records caller as the pending request and returns the correlation token.
func (c *Correlator) Begin(caller Caller) (int, error) {
	if _, _, err := c.begin(caller); err != nil {
		return 0, err
	}
	return c.token, nil
}

// begin returns the generation of the new request and whether it displaced a pending one.
func (c *Correlator) begin(caller Caller) (uint64, bool, error) {
	c.mu.Lock()
	displaced := c.pending
	if displaced != nil && c.policy == Reject {
		c.mu.Unlock()
		return 0, false, ErrAlreadyPending
	}
	c.generation++
	c.pending = &pendingRequest{caller: caller, generation: c.generation}
	gen := c.generation
	c.mu.Unlock()

	if displaced != nil {
		displaced.caller.Deliver(Failure{
			Code:    StatusSuperseded,
			Message: "superseded by a newer sign-in request",
		})
	}
	return gen, displaced != nil, nil
}

// Complete delivers outcome to the pending request if token matches it, then clears the slot.
// It reports whether a delivery happened; stale or unroutable completions are dropped.
func (c *Correlator) Complete(token int, outcome Outcome) bool {
	gen, ok := c.match(token)
	if !ok {
		return false
	}
	return c.completeGen(gen, outcome)
}

// completeGen delivers outcome only if the request started with generation gen is still
// pending. A request begun after gen was observed never receives it.
func (c *Correlator) completeGen(gen uint64, outcome Outcome) bool {
	c.mu.Lock()
	if c.pending == nil || c.pending.generation != gen {
		c.mu.Unlock()
		return false
	}
	req := c.pending
	c.pending = nil
	c.mu.Unlock()

	req.caller.Deliver(outcome)
	return true
}

// Cancel clears the pending request, delivering Failure{Code: StatusCanceled} to its caller.
func (c *Correlator) Cancel() bool {
	return c.Complete(c.token, Failure{Code: StatusCanceled, Message: "sign-in canceled"})
}

// Matches reports whether a completion tagged with token would be routed.
func (c *Correlator) Matches(token int) bool {
	_, ok := c.match(token)
	return ok
}

// match returns the generation of the pending request if token routes to it.
func (c *Correlator) match(token int) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil || token != c.token {
		return 0, false
	}
	return c.pending.generation, true
}

// Pending reports whether a request is outstanding.
func (c *Correlator) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

// release clears the request started with generation gen without delivering anything. It is
// used when the external flow could not be launched and the caller gets a synchronous error.
func (c *Correlator) release(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil && c.pending.generation == gen {
		c.pending = nil
	}
}
