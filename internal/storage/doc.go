// Package storage persists the key table. Every backend stores the same
// document: all activation records plus the derived statistics, replaced
// in full on each save.
//
// Backends:
//
//	file    JSON document written atomically, guarded by an OS file lock
//	sqlite  one row per key, replaced inside a single transaction
//	redis   JSON document stored under a single key
//	memory  in-process copy for tests and dry runs
package storage
