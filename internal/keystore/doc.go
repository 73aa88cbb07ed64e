// Package keystore owns the in-memory license key table and the rules that
// move a key between its lifecycle states.
//
// A Store maps normalised keys to ActivationRecords. Every mutating call is
// a read-modify-write inside one Persister.Update: the current durable table
// is loaded, the change applied to it and the result saved while the backend
// keeps other writers out. Several processes (the server and keyadmin) can
// therefore share one backend without overwriting each other. When the
// Persister fails nothing is saved and the cached table is left as the
// backend holds it. Reads reload the table first and fall back to the cache
// if the backend is unreachable.
//
// # Lifecycle
//
//	(absent) --activate--> active
//	active    --deactivate--> inactive --activate--> active
//	active    --suspend-->    suspended --resume-->  active
//
// Every event is accepted from every existing state; see Next.
//
// Expiry is informational. A record whose expiry has passed keeps whatever
// status it was given until an operator changes it.
package keystore
