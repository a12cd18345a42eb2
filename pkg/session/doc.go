// Package session defines the session object and the storage contract that
// every registry backend implements.
//
// Invariants:
// - Adapters key exclusively on session-ID strings and never interpret the
//   stored session beyond round-tripping it through Export.
// - A session bound to a DataSource keeps no local payload; its data is read
//   and written through the source.
// - Encode/Decode never drop data silently; failures surface as CodecError.
//
// Usage:
//
//	s := session.New("1")
//	s.MergeSettings(map[string]any{"sort": "a"})
//	b, _ := session.Encode(s)
//	back, _ := session.Decode(b)
//	_ = back
package session
