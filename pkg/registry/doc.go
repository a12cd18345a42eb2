// Package registry is the session registry: one active storage adapter, ID
// allocation, a unique name index and the migration that moves every
// session between adapters.
//
// A Registry is created around an adapter and torn down with Close:
//
//	reg, err := registry.New(ctx, memory.New())
//	if err != nil {
//		return err
//	}
//	defer reg.Close()
//
//	id, _ := reg.NewSession(ctx, "")
//	_ = reg.SetData(ctx, id, frame)
//	_ = reg.SetName(ctx, id, "prices")
//
//	// Move everything to a durable file and keep going.
//	if err := reg.UseDurableFile(ctx, dir); err != nil {
//		return err
//	}
//
// Reads of unknown IDs return empty defaults and store nothing. Writers
// create the session first. Operations run concurrently; a migration waits
// for in-flight operations and blocks new ones until the new adapter is
// active.
package registry
