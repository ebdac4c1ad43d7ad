package tinydgraph

/*
TinyDgraph is a Go client library for the [Dgraph](https://github.com/dgraph-io/dgraph) graph database. It speaks the
Dgraph gRPC protocol and layers transactions, graph mutations, batching and upserts on top of it.

Building TinyDgraph produces one executable, dgraph-ctl, a command line tool for altering the schema, running queries
and upserting nodes.

The `tinydgraph` module is organized into the following packages:

* `client`: the connection pool, the transaction state machine, mutations, node minting, the batch client and upsert.
* `graph`: nodes, values, edges and properties, the building blocks of a mutation.
* `schema`: predicate definitions and the payload of a schema query.
* `config`: TOML configuration of a client and its logger.
* `pkg`: gRPC dialing, test helpers and `mockdgraph`, an in-memory Dgraph server used by tests.
* `cmd/dgraph-ctl`: the command line tool.
*/
