// Package podstore assembles a linked-data resource store: documents and
// containers addressed by path-like identifiers, stored through a pluggable
// accessor (memory, local disk or S3-compatible object storage) and guarded
// by per-resource readers-writer locks that expire when their holder stops
// making progress.
//
// Copyright (C) 2026 pkt.systems <https://pkt.systems>
//
// # Building an engine
//
//	cfg := podstore.Config{
//	    Store:  "disk:///var/lib/podstore",
//	    Locker: "file:///run/podstore/locks",
//	}
//	eng, err := podstore.New(ctx, cfg, podstore.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	defer eng.Close(context.Background())
//	if _, err := eng.Init(ctx); err != nil { log.Fatal(err) }
//
// eng.Store() returns a resource.Store. Writes report every resource they
// touched:
//
//	id := resource.ID("/notes/today")
//	rep := resource.NewStringRepresentation(id, "hello", "text/plain")
//	changes, err := eng.Store().SetRepresentation(ctx, id, rep, nil)
//	// changes: created /notes/, created /notes/today
//
// Reads hold a read lock until the returned body is drained or closed, so
// always close representation data.
//
// # Containers and auxiliary resources
//
// Identifiers ending in "/" are containers. Writing a document creates the
// missing containers above it. A container listing is an RDF representation
// with one ldp:contains triple per child. Paths ending in ".acl" or ".meta"
// are auxiliary resources of the resource they extend; they must hold RDF,
// share their subject's lock and are removed together with it.
//
// # Locking backends
//
// Config.Locker selects the exclusive primitive the readers-writer lock is
// built from: "memory" for a single process or "file:///dir" for processes
// sharing a host. Config.Counters keeps the reader counts in memory or in a
// badger database ("badger:///path"). Config.LockExpiration bounds how long
// a holder may go without progress; Config.LockExpiryPolicy chooses between
// releasing the lock immediately ("release") and waiting for the holder to
// return ("await").
//
// # Telemetry
//
// Setting Config.MetricsListen exposes Prometheus metrics for store
// operations and lock acquisition, Config.OTLPEndpoint exports one span per
// storage call and Config.PprofListen serves net/http/pprof.
package podstore
