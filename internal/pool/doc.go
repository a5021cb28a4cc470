// Package pool runs verification jobs on a fixed-size set of isolated worker
// processes.
//
// Jobs are queued in a bounded FIFO and handed to workers one at a time.
// Each worker owns one child process and exchanges newline-delimited JSON
// with it: one job line in, one result line out. Workers are spawned lazily
// up to Config.MaxProcesses and reused for the life of the pool.
//
// A child that exits while the pool is running, emits a line that does not
// decode, or answers for a different job is a pool-fatal event. The pool
// reports it once to its Listener, stops handing out work and resolves every
// outstanding job with an ErrFatal reply. Recovery is left to the caller.
package pool
