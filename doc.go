// Package threadcache keeps a client-side cache of posts and threaded comments
// consistent across optimistic mutations.
//
// Every cached view is keyed by a structural Signature (kind + id + sort/filter
// params). Entries live in a byte Provider framed with a per-entry generation,
// the same compare-and-swap scheme used for fetch results:
//
//	obs := store.SnapshotGen(sig)        // before the network call
//	v   := fetch(ctx)
//	_, _ = store.WriteWithGen(ctx, sig, v, obs) // dropped if a patch landed meanwhile
//
// Components:
//   - Store: read/write/forEachMatching/markStale over signatures, observer
//     counting, in-flight fetch registry with cancellation.
//   - Pager: folds server pages into one growable sequence and seeds nested reply
//     page 1 from inline children without a round trip.
//   - Mutations: toggle-upvote and create-comment, each with its own per-entry
//     snapshot; success reconciles with server values, failure rolls back only
//     what that mutation touched.
//   - Propagation: after success, active views outside the mutation scope are
//     patched in place and inactive ones are marked stale.
//
// Keys:
//
//	entry:<ns>:<kind>:<id>:<param hash>
package threadcache
