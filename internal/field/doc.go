// Package field implements the in-memory coordinate index: the canonical
// mapping from pattern identity to record and coordinate.
//
// The index is the source of truth for query-time correctness. It supports
// concurrent readers with serialized writers, enforces a store-wide capacity
// bound with confidence/recency eviction, and caps the number of candidates
// materialized per query so exploration-heavy queries cannot force an
// unbounded scan. A flat scan with a bounded cutoff is deliberate at the
// supported scale; a spatial index can replace it without changing the
// contract.
package field
