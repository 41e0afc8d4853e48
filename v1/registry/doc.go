// Package registry provides a named collection of fused locks for the
// lazy-initialization pattern: the first caller of a name creates the lock
// and its payload, later callers converge on the same instance. The registry
// never locks or fuses the payloads it hands out; that stays with the caller.
package registry
