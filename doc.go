/*
Package mmdb implements an embedded, memory-mapped, transactional object
database.

We implement:

1. Typed records. A record type is a list of fields with scalar kinds, declared
explicitly (NewType) or derived from a tagged Go struct (AddType).

2. Secondary indexes. A field can carry a hashed index (equality only) or an
ordered index (equality and comparisons).

3. Cursors. A cursor selects objects of one type with a textual predicate
(see package query), navigates them, updates fields in place and removes
selections in bulk.

4. Transactions. All mutations since the last commit form one pending
transaction that is either committed atomically or rolled back.

# Technical Details

**File layout.**
The database is a single file mapped into memory. The first page holds the
header; everything after it is carved into extents aligned to AllocQuantum.
Each extent is owned by an object, by the object table or by the type catalog.
Free space is not persisted; it is derived on open from the extents reachable
from the header.

**Header**: magic, format version, page size, allocation quantum, database
UUID, commit sequence, file size, tail, object table location and capacity,
next OID, head of the free OID chain, live object count, catalog location,
xxhash checksum.

**Object table**: an array of 16-byte entries indexed by OID:
1. Extent offset (uint64). For a free entry, the next free OID instead.
2. Encoded size (uint32).
3. Type ID (uint16).
4. Flags (uint16), bit 0 set for live objects.

**Objects** are msgpack arrays with one element per field.

**Type catalog**: msgpack list of registered types with their IDs and fields.

**Indexes** live in memory only; they are rebuilt from the object table on
open.

## Commit protocol

Extents allocated by the pending transaction are not reachable from the
committed state, so they are written straight into the mapping. Everything
that overwrites committed bytes (object table entries, in-place updates of
committed objects, the header) goes to the journal file first:

1. Sync the mapping, making new extents durable.
2. Append the overwrites to the journal, seal them with a commit marker and
   sync the journal.
3. Apply the overwrites to the mapping. The commit is done.
4. Checkpoint: sync the mapping and reset the journal.

Commit returns ErrCommitFailed only when it fails before step 2 completes,
and the database then keeps its old state. A failed checkpoint is retried by
the next Commit or by Close. Opening a database replays committed journal
batches, so a crash at any point leaves either the old or the new state.
*/
package mmdb
