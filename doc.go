// Package offlinesync keeps an application usable while disconnected from
// its backend. Reads and writes go to a local record store; every local
// mutation is also appended to a persisted pending queue, which the engine
// drains against the backend in FIFO order once connectivity returns.
// Server-pushed changes are applied to the local store live, independent of
// the queue. Conflict resolution is last-write-wins by replay order.
package offlinesync
