package counter

import (
	"quotaguard/internal/budget"
)

// PairedBudget composes a token budget with a request budget into one atomic
// unit, per spec.md §4.2: a lock consumes one slot from requests and amount
// from tokens, all-or-nothing. The compound handle returned to callers is the
// concatenation of the two underlying handles (see handle.go).
//
// Mutexes are acquired in a fixed order — tokens before requests — on every
// operation that touches both, to match the ordering spec.md §4.2/§5 mandates
// across any other operation on the same pair of budgets.
type PairedBudget struct {
	tokens   *budget.Budget
	requests *budget.Budget

	// Every Lock takes exactly one slot from requests: one chat/embedding
	// call is one request, regardless of its token cost.
}

// NewPairedBudget constructs a PairedBudget from the given per-minute limits.
func NewPairedBudget(tokenLimit, requestLimit int) *PairedBudget {
	return &PairedBudget{
		tokens:   budget.New(tokenLimit),
		requests: budget.New(requestLimit),
	}
}

// PairedLockResult is returned by PairedBudget.Lock.
type PairedLockResult struct {
	Allowed           bool
	Handle            string
	DenialReason      DenialKind
	SecondsUntilReset int
}

// DenialKind distinguishes which half of a pair denied a paired lock, so
// callers can report a precise reason (spec.md §4.1: "distinguishing
// token-pool exhaustion from request-pool exhaustion when the budget is
// paired").
type DenialKind string

const (
	// DenialKindNone means the lock was allowed.
	DenialKindNone DenialKind = ""
	// DenialKindValidation means amount <= 0.
	DenialKindValidation DenialKind = "validation"
	// DenialKindTokens means the token half of the pair is exhausted.
	DenialKindTokens DenialKind = "tokens_exhausted"
	// DenialKindRequests means the request half of the pair is exhausted.
	DenialKindRequests DenialKind = "requests_exhausted"
)

// Lock reserves amount tokens and one request slot atomically. Tokens are
// locked first; if that succeeds but the request lock then denies, the token
// reservation is released before returning — the mandatory compensating
// release of spec.md §4.2.
func (p *PairedBudget) Lock(clientID string, amount int) PairedLockResult {
	tokRes := p.tokens.Lock(clientID, amount)
	if !tokRes.Allowed {
		reason := DenialKindTokens
		if tokRes.DenialReason == budget.DenialValidation {
			reason = DenialKindValidation
		}

		return PairedLockResult{
			DenialReason:      reason,
			SecondsUntilReset: secondsUntilResetMin(p),
		}
	}

	reqRes := p.requests.Lock(clientID, 1)
	if !reqRes.Allowed {
		// compensating release: tokens were reserved but the pair can't be
		// completed, so give them back before reporting the denial.
		p.tokens.Release(tokRes.Handle)

		return PairedLockResult{
			DenialReason:      DenialKindRequests,
			SecondsUntilReset: secondsUntilResetMin(p),
		}
	}

	return PairedLockResult{
		Allowed:           true,
		Handle:            formatHandle(tokRes.Handle, reqRes.Handle),
		SecondsUntilReset: secondsUntilResetMin(p),
	}
}

// Report settles a paired reservation: the token half is committed for
// tokenUsed (which may differ from the amount originally locked), and the
// request half always settles exactly one request slot regardless of
// tokenUsed, per spec.md §4.2. Either half missing from the handle (Design
// Note 2) or already reclaimed by a window roll is a benign no-op, matching
// the underlying Budget.Report policy.
func (p *PairedBudget) Report(handle string, tokenUsed int) {
	h := parseHandle(handle)
	if h.tokenHandle != "" {
		p.tokens.Report(h.tokenHandle, tokenUsed)
	}
	if h.requestHandle != "" {
		p.requests.Report(h.requestHandle, 1)
	}
}

// Release drops both halves of a paired reservation. Per the Open Question in
// spec.md §9, this repository mandates both-or-neither release semantics:
// every call releases whichever halves are present in the handle, never just
// one, so a caller can never strand the other half reserved.
func (p *PairedBudget) Release(handle string) {
	h := parseHandle(handle)
	if h.tokenHandle != "" {
		p.tokens.Release(h.tokenHandle)
	}
	if h.requestHandle != "" {
		p.requests.Release(h.requestHandle)
	}
}

// PairedSnapshot is the pair-level status: both sub-snapshots plus the
// effective seconds_until_reset, which is the minimum of the two.
type PairedSnapshot struct {
	Tokens            budget.Snapshot
	Requests          budget.Snapshot
	SecondsUntilReset int
}

// Status returns the paired snapshot.
func (p *PairedBudget) Status() PairedSnapshot {
	tok := p.tokens.Status()
	req := p.requests.Status()

	reset := tok.SecondsUntilReset
	if req.SecondsUntilReset < reset {
		reset = req.SecondsUntilReset
	}

	return PairedSnapshot{Tokens: tok, Requests: req, SecondsUntilReset: reset}
}

// secondsUntilResetMin reads both sub-budgets' status purely to compute the
// pair-level reset time for a denial response; it does not mutate state
// beyond each Budget's own lazy window roll.
func secondsUntilResetMin(p *PairedBudget) int {
	st := p.Status()

	return st.SecondsUntilReset
}
