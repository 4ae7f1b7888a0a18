// Package syncutil wraps the sync primitives used by the engine so that a
// build with the "deadlock" tag swaps them for instrumented versions that
// report lock-order inversions and long waits.
package syncutil
