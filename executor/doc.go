// Package executor implements the single-threaded execution context that
// duologues are pinned to.
//
// # Execution Affinity
//
// A duologue has no internal locks. Instead, every operation that touches its
// mutable state must run on one designated goroutine: the loop goroutine of
// the Executor it was created with. The executor's bounded queue is the only
// way onto that goroutine, which makes the affinity contract structural -
// transport callbacks arriving on foreign goroutines package their work as
// tasks and enqueue them, and the loop applies them strictly one at a time in
// submission order.
//
// Assert provides the loud backstop for the structural contract: code that
// must hold affinity calls Assert at its entry point and panics if invoked
// from anywhere else. An affinity violation is a programming defect, never a
// recoverable runtime condition.
//
// # Sharing
//
// One executor may serve a single duologue or a whole batch of them, as the
// pool decides; all duologues on one executor are serialized against each
// other as well as against themselves.
//
// # Submission Semantics
//
//   - Execute: asynchronous, non-blocking; ErrQueueFull under overload so a
//     transport delivery goroutine is never stalled.
//   - Perform: synchronous; runs inline when already on the executor
//     goroutine so tasks can compose.
package executor
