/*
Package storage defines the persistence contracts for tinykpi.

Three record families live behind one Store:

  - events: the append-only log written by ingestion and only ever read by
    the aggregators;
  - accounts: a mirror of platform signups (id, created-at) used for new
    signup counts and retention cohorts;
  - rollups and retention rows: derived data, one row per period or per
    (cohort day, window), replaced wholesale on every recompute.

# Backends

  - memory: mutex-guarded maps, for tests and throwaway runs
  - badger: embedded LSM store, the default for a single node
  - sqlite: relational store with a UNIQUE idempotency constraint and
    ON CONFLICT upserts

# Idempotency

InsertEvent is the only write path for events. When an idempotency key is
present, duplicate detection is part of the same atomic write: a UNIQUE
constraint violation in sqlite, a transaction conflict on the key index in
badger, a single critical section in memory. Callers never read-then-write.

# Ranges

All time ranges are half-open window.Range values in UTC. Period bounds for
rollup and retention reads are inclusive civil dates.

Every backend runs the shared behavior suite in pkg/storage/storagetest.
*/
package storage
