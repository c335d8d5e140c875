package queue

// Redis key construction is centralized here so key formats never leak
// to other packages. The hash tag keeps every key for one namespace on
// the same cluster slot, which the Lua scripts require.

// Keys holds all precomputed keys for a queue namespace to avoid
// repeated concatenations.
type Keys struct {
	Pending  string
	Active   string
	Delayed  string
	Priority string
	Leases   string
}

// KeysFor returns the key set for the provided namespace.
func KeysFor(ns string) Keys {
	prefix := "rf:{" + ns + "}:"
	return Keys{
		Pending:  prefix + "pending",
		Active:   prefix + "active",
		Delayed:  prefix + "delayed",
		Priority: prefix + "prio",
		Leases:   prefix + "leases",
	}
}
