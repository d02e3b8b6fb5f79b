// Package ledger is the resource ownership ledger: the sole authority on which
// worker owns which resource path.
//
// Locking never waits. A contended path is reported as an outcome
// ("locked_by_<owner>") rather than an error, and callers decide what to do
// with the paths they did not get.
//
// Mutations on a single path are serialized twice over: in-process by a
// striped mutex keyed on the path, and across processes by the partial unique
// index on resource_locks(path) WHERE status='locked'. Unrelated paths
// proceed concurrently.
//
// Ownership can move between workers through requests:
//
//	res, _ := l.Request(ctx, "carol", "config.json", "needs edit")
//	// res.Outcome == "request_sent_to_bob"
//	ok, _ := l.Approve(ctx, res.ID)
//	owner, _, _ := l.OwnerOf(ctx, "config.json") // "carol"
package ledger
