package polycache

// Hooks are lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking: the caches call them on
// hot paths. Wrap a slow implementation with hooks/async.
type Hooks interface {
	// A Wrap call was served by another caller's in-flight producer. The
	// caller that ran the producer does not report it.
	Coalesced(cache, key string)

	// A hit was below the refresh threshold and a background refresh began.
	RefreshStarted(cache, key string)
	// A background refresh failed (producer or write error, or panic).
	RefreshFailed(cache, key string, err error)
	// A background refresh finished but its write was dropped because the
	// key was set, deleted or reset while it ran.
	RefreshSkipped(cache, key string)

	// Writing a value found in tier `from` into a faster tier failed.
	PromoteFailed(cache, key string, from int, err error)
	// A tier read failed and was treated as a miss.
	TierReadFailed(cache string, tier int, err error)

	// A stored entry was deleted on read. reason ∈ {"corrupt", "expired", "value_decode"}
	SelfHeal(storageKey, reason string)
	// Provider returned ok=false on Set (admission refused under pressure).
	ProviderSetRejected(storageKey string)
}

// NopHooks is the default no-op.
type NopHooks struct{}

func (NopHooks) Coalesced(string, string)                 {}
func (NopHooks) RefreshStarted(string, string)            {}
func (NopHooks) RefreshFailed(string, string, error)      {}
func (NopHooks) RefreshSkipped(string, string)            {}
func (NopHooks) PromoteFailed(string, string, int, error) {}
func (NopHooks) TierReadFailed(string, int, error)        {}
func (NopHooks) SelfHeal(string, string)                  {}
func (NopHooks) ProviderSetRejected(string)               {}
