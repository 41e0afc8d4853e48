// Package fused provides a read-write lock whose write side is permanently
// surrendered the first time any reader acquires it. It targets
// write-once-then-read-forever state such as lazily initialized registries,
// resource caches and one-shot configuration: after the lock fuses, readers
// no longer pay for writer arbitration and can use a guard-free fast path.
package fused
