// Package blinktree implements a concurrent B-link tree index engine:
// latch-coupled descent, right-sibling chasing across concurrent splits
// (Lehman & Yao), and a quota-bounded cache accessor layer that every
// traversal goes through.
//
// The package is organized the way the reference engine is: one flat
// package holding the page format, the latch primitives, the cache
// accessor decorators, the node accessor, and the reader/writer, plus
// sibling packages for the things that are genuinely external
// collaborators (interfaces, storage/segment, storage/memsegment, txn,
// keys).
package blinktree
