package tinytx

/*
TinyTx is the transactional state engine under a snapshot-isolation transaction manager that runs on top of a
multi-versioned key/value store. It tracks which transactions are in progress, committed or invalid, keeps that state
durable across restarts, hands a consistent view of it to the storage layer, and decides for every stored version
whether it is visible, must be kept, or may be dropped during flush and compaction.

Building TinyTx produces two executables: tinytx-server and tinytx-ctl. The first runs the transaction authority and
its status API, the second inspects the snapshots and transaction logs in a data dir.

The `tinytx` module is organized into the following packages:

* `txlog`: the append-only transaction log, with group commit and torn-tail tolerant readers.
* `snapshot`: the immutable snapshot of the transaction state and the mutable state the log is applied to.
* `storage`: snapshot generations and logs on local files or in badger, with versioned snapshot codecs.
* `cache`: a periodically refreshed in-memory copy of the newest snapshot for storage-layer readers.
* `janitor`: the visibility filter that decides which versions reads see and cleanup keeps.
* `manager`: the transaction authority that records begin, commit, abort and invalidate.
* `coprocessor`: a multi-versioned region that runs the janitor on flush, compaction and scans.
* `server/api`: the status HTTP API.
*/
