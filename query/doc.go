// Package query implements a client-side cache for asynchronous read
// operations: it fetches, dedupes, retains, and keeps fresh the results of
// key-addressed queries for many concurrent consumers of the same logical
// data.
//
// # Cache and entries
//
// A [Cache] is a registry of [Entry] state machines, one per distinct query
// key ([keys.Key], hashed canonically so structurally equal keys share an
// entry). Entries are created lazily by [Cache.GetOrCreate] and removed by a
// per-entry garbage collector once their observer count has been zero for the
// entry's cache time ([Forever] disables collection).
//
// Each entry tracks a data state ([StatusPending], [StatusSuccess],
// [StatusError]) and an independent network state ([FetchIdle],
// [FetchActive], [FetchPaused]). Data from the last successful fetch is
// retained across refetches and failed refresh runs, so consumers can always
// choose between "stale but available" and "hard failure".
//
// # Fetching
//
// The engine performs no I/O itself: every fetch run calls a caller-supplied
// [FetchFunc] with the key, an optional page parameter, and a fresh [Token].
// Concurrent fetch requests for the same entry share one in-flight run — a
// key never issues two simultaneous calls to its fetch function. Failed
// attempts retry with exponential backoff ([DefaultRetryDelay]) while
// observers see a single continuous fetching period. Runs are ordered by
// sequence number: a superseded or cancelled run can never overwrite the
// result of a newer one.
//
// Cancellation is cooperative. The fetch function polls [Token.IsCancelled]
// (or selects on [Token.Done]) and aborts; a cancelled run is discarded
// silently, restoring the entry exactly as it was before the run began.
//
// # Observers
//
// An [Observer] is a live subscription binding one consumer's [Options] to
// one entry. [Observer.Start] attaches (and fetches if the data is absent or
// stale); [Observer.Stop] detaches. The observer projects entry state into a
// consumer-facing [Result], applying the Select projection, staleness per its
// own stale time, and the keep-previous-data policy across key switches.
// Notification is synchronous with the state change, so two observers reading
// current state immediately after a fetch resolves never disagree.
//
// # Lifecycle signals
//
// Hosts deliver focus and connectivity changes through [Cache.SetFocused] and
// [Cache.SetOnline]. While offline, new fetch requests park with
// [FetchPaused] and start on reconnect; with the corresponding [Defaults]
// flags set, regaining focus or connectivity refetches stale observed
// entries.
//
// Mutations (one-shot writes with optimistic rollback) live in the mutation
// package; persistence and hydration live in the persist package.
package query
