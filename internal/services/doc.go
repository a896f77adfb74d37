// Package services loads corpusd configuration and wires every component
// into a Registry.
//
// Open builds, in dependency order: telemetry, the SQLite repository, Redis
// (external or embedded), the vector backend, the graph store, source
// storage, the embedder, the LLM client and extractor, the runner registry,
// the locker, and finally the ingest, orchestrator, query and reaper
// services. Registry.Close releases them in reverse order.
package services
