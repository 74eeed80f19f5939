// Package rfs implements the on-disk structures and algorithms of the
// ReiserFS v3 file system: block and buffer management, the bitmap and
// object-id allocators, the write-ahead journal, the B+ tree node codec,
// and the balancer that keeps the tree's invariants intact across
// insert/paste/delete/cut. Volume formatting lives in format.go; the
// repair (fsck) engine that rebuilds a tree from salvaged leaves lives in
// the sibling pkg/rfs/fsck package.
//
// The package is deliberately single-threaded: every exported type expects
// to be driven from one goroutine at a time, matching the cooperative,
// non-reentrant model the on-disk format was designed around.
package rfs
