// Package extension implements a registry of named implementations for a
// declared capability.
//
// A capability is declared once with Declare, naming its contract type and
// an optional default implementation name. Implementations are registered in
// the catalog with Backend or Decorator and bound to names by manifest files:
// for each source, the file <dir>/<capability id> is read and merged. Each
// manifest line is either
//
//	name[,alias...]=implementation.id   # a named backend
//	implementation.id                   # a decorator
//
// Backends are constructed lazily, at most once per implementation id, and
// every decorator discovered for the capability wraps the instance in
// discovery order. Steady-state lookups do not take locks.
package extension
