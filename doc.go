/*
Package kvdict is a storage-engine abstraction for a document database:
ordered key-value dictionaries, sorted secondary indexes and capped record
stores, on top of pluggable engines (in memory, Bolt or SQLite).

We implement:

1. Dictionaries, ordered byte-string maps driven by a Comparator that is
persisted with the data and checked on every open.

2. Cursors, positioned iterators in either direction that seek to the nearest
key when the exact one is absent.

3. Sorted indexes, mapping structured keys (tuples of nulls, numbers,
strings, binary, booleans, dates, MinKey and MaxKey) to record locations, in
unique and non-unique flavors.

4. Record stores and capped record stores, holding documents by
monotonically assigned RecordID. A capped store evicts its oldest records
once it goes over a size or document-count ceiling.

# Technical Details

**Recovery units.**
Every call takes an *Op, which carries a context, a logger and a recovery
unit. Writes become durable on Commit and are undone on Abort.
Contention surfaces as ErrWriteConflict; RunOp retries the whole operation.

**Key strings.**
Structured keys are encoded so that bytewise order equals logical order (see
keystring.go). Engines therefore never need to understand the encoding, and
the StructuredEntry comparator is just a decoding-aware memcmp.

**Index layout.**
A unique index stores one entry per key, whose value is the sorted set of
locations having that key:

	key string => loc loc loc ...

A non-unique index stores one entry per (key, location) pair, with an empty
value:

	key string, loc => (empty)

**Record store metadata.**
Record counts and data sizes are kept in an optional metadata dictionary as
8-byte little-endian counters named "<ident>-numRecords" and
"<ident>-dataSize", updated through IncrementMessage within the same
recovery unit as the record itself.

# Engines

MemEngine keeps dictionaries in google/btree trees with an optional
write-ahead journal (package journal). BoltEngine maps each dictionary to a
bbolt bucket. SQLiteEngine maps each dictionary to a WITHOUT ROWID table.
Package kvdicttest holds the conformance suite every engine passes.
*/
package kvdict
