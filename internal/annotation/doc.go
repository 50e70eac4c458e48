/*
Package annotation implements the community annotation engine: contributors
propose labels for a category of a categorical field (a bucket), vote on them
and comment on them, moderators merge equivalent proposals into bundles, and
the engine derives a consensus label per bucket.

# State and operations

All state lives in memory inside an Engine. Every mutation validates its
input completely before touching state, so a returned error always means
nothing changed. After a mutation is applied the engine emits exactly one
Change to the handlers registered with OnChanged. Handlers run after the
engine lock is released and may call read methods; they must not call
mutating methods.

# Bundles

A merge edge points one suggestion (from) at another (into). Following edges
from any suggestion reaches its canonical root; all suggestions resolving to
the same root form a bundle. Resolution fails closed on cycles: such a
suggestion is treated as its own singleton bundle and the condition is
logged, never raised as an error.

Votes are tallied per bundle with each user counted once. A user's direct
vote on the root wins; otherwise the majority of that user's votes on the
other members decides, and an exact tie counts as up.

# Persistence

The engine performs no I/O. Snapshot and Load exchange a plain structured
record with whatever layer stores or publishes it.
*/
package annotation
