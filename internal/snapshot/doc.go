// Package snapshot defines the usage snapshot that a publisher writes to the
// shared store and subscribers read back. Values are immutable once built;
// a Snapshot is always transmitted whole.
package snapshot
