package ledger

import "strings"

// Outcome is the per-path result of a Lock call.
type Outcome string

// Lock outcomes. Contention is reported with LockedBy.
const (
	OutcomeLocked        Outcome = "locked"
	OutcomeAlreadyLocked Outcome = "already_locked"
)

const lockedByPrefix = "locked_by_"

// LockedBy returns the outcome for a path held by another worker.
func LockedBy(owner string) Outcome {
	return Outcome(lockedByPrefix + owner)
}

// Held reports whether the caller owns the path after the Lock call.
func (o Outcome) Held() bool {
	return o == OutcomeLocked || o == OutcomeAlreadyLocked
}

// Holder returns the other worker's name for a LockedBy outcome.
func (o Outcome) Holder() (string, bool) {
	return strings.CutPrefix(string(o), lockedByPrefix)
}

// RequestOutcome is the result of a Request call.
type RequestOutcome string

// Request outcomes. A successful request is reported with RequestSentTo.
const (
	RequestFileNotLocked RequestOutcome = "file_not_locked"
	RequestAlreadyOwner  RequestOutcome = "already_owner"
	RequestAlreadyExists RequestOutcome = "request_already_exists"
)

const requestSentPrefix = "request_sent_to_"

// RequestSentTo returns the outcome for a request delivered to owner.
func RequestSentTo(owner string) RequestOutcome {
	return RequestOutcome(requestSentPrefix + owner)
}

// Sent reports whether a new pending request was created.
func (o RequestOutcome) Sent() bool {
	return strings.HasPrefix(string(o), requestSentPrefix)
}

// RequestResult carries the outcome of a Request call. ID is set when a
// pending request exists for the triple, whether new or pre-existing.
type RequestResult struct {
	ID      int64
	Owner   string
	Outcome RequestOutcome
}
