package threadcache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The store calls them while holding its lock.
type Hooks interface {
	// An entry was deleted by the store on read and marked stale.
	// reason ∈ {"corrupt", "gen_mismatch", "value_decode"}
	SelfHeal(storageKey, reason string)

	// A fetch result was not written.
	// reason ∈ {"superseded", "cancelled"}
	FetchDropped(storageKey, reason string)

	// Provider returned ok=false on Set (backpressure/eviction).
	ProviderSetRejected(storageKey string)

	// GenStore errors (snapshot or bump).
	GenSnapshotError(storageKey string, err error)
	GenBumpError(storageKey string, err error)

	// A rollback found the entry changed since the optimistic patch
	// and restored only the mutated fields.
	RollbackPartial(storageKey, op string)

	// A mutation resolved after a newer mutation of the same target was applied.
	MutationSuperseded(op string, id int64, mutationID string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) SelfHeal(string, string)                 {}
func (NopHooks) FetchDropped(string, string)             {}
func (NopHooks) ProviderSetRejected(string)              {}
func (NopHooks) GenSnapshotError(string, error)          {}
func (NopHooks) GenBumpError(string, error)              {}
func (NopHooks) RollbackPartial(string, string)          {}
func (NopHooks) MutationSuperseded(string, int64, string) {}
