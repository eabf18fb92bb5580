// Package types defines the shared data model for the storage write path:
// buffer handles and write batches, pressure signals and the system pressure
// state, index entries, retention policies, and deletion audit records.
//
// The package is imported by every storage component and must not import any
// of them.
package types
