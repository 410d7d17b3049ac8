package counter

import "strings"

// handleSeparator joins the two halves of a compound (paired) reservation
// handle. The client-facing handle for a paired budget is the concatenation
// of the token-budget handle and the request-budget handle separated by a
// single colon, per spec.md §3.
const handleSeparator = ":"

// compoundHandle is the tagged-record encoding of a paired handle (Design Note
// 2 of spec.md §9): both sides accept a missing half as benign rather than
// parsing failure, matching the reference's loose string-typed handles.
type compoundHandle struct {
	tokenHandle   string
	requestHandle string
}

// formatHandle joins a token-budget handle and a request-budget handle into
// the wire compound form.
func formatHandle(tokenHandle, requestHandle string) string {
	return tokenHandle + handleSeparator + requestHandle
}

// parseHandle splits a compound handle into its two halves. A handle lacking
// the separator is treated as a token-only handle with an empty request half,
// and vice versa is not distinguishable — callers that need both halves must
// treat an empty half as "nothing to release/report there", per Design Note 2.
func parseHandle(handle string) compoundHandle {
	tok, req, found := strings.Cut(handle, handleSeparator)
	if !found {
		return compoundHandle{tokenHandle: handle}
	}

	return compoundHandle{tokenHandle: tok, requestHandle: req}
}
