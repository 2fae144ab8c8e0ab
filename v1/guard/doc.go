// Package guard runs operations while holding a distributed lock.
//
// A Coordinator builds the lock key from Options and the call's named
// bindings, mints a fresh owner token, resolves the lock backend from the
// extension registry and hands back a Guard. Releasing the Guard deletes the
// lock only if it is still held by that token. Do and Run wrap the whole
// sequence and release on every exit path.
//
//	c := guard.New(registry)
//	opts := c.Options()
//	opts.Prefix, opts.Key = "orders", "#id"
//	err := c.Do(ctx, opts, map[string]any{"id": 42}, func(ctx context.Context) error {
//		return ship(ctx, 42)
//	})
package guard
