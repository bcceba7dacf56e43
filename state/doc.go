// Package state provides the revisioned key-value store that holds task
// definitions and instance records.
//
// Two backends implement StateStore: NATSStore on a JetStream KV bucket for
// durable, multi-process deployments, and MemoryStore for tests and
// single-process use. Both support compare-and-set writes (Create, Update),
// prefix watches and expiring locks.
//
// # Usage
//
//	conn, _ := nats.Connect(nats.DefaultURL)
//	store, _ := state.NewNATSStore(state.NATSStoreConfig{
//	    Conn:   conn,
//	    Bucket: "stepkit",
//	})
//
//	rev, _ := store.Create("instance.abc", record)
//	rev, err := store.Update("instance.abc", next, rev)
//	if errors.Is(err, state.ErrRevisionMismatch) {
//	    // another runner wrote first
//	}
//
//	lock, err := store.Lock("run.abc", 30*time.Second)
//	if err == nil {
//	    defer lock.Unlock()
//	}
package state
