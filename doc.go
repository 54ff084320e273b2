// Package conveyor is the job lifecycle and queue management engine behind
// web services that expose long-running computational jobs. It tracks every
// submitted job from creation through completion, archival, or expiry, using
// a relational store as the single source of truth shared by the web tier
// and the backend compute tier.
//
// Conveyor is designed as a library, not a service. The web tier embeds the
// service façade (package service) in its request handlers; the backend
// process embeds the executor (package executor) and the retention sweeper
// (package sweep). Both sides talk only to the job store (package job),
// never directly to each other.
//
// # Quick Start
//
//	st, err := postgres.New(ctx, connString)
//	sys, err := engine.Build(cfg, st, runner, schema)
//	err = sys.Start(ctx)
//	http.ListenAndServe(":8080", sys.Handler())
//
// Package engine assembles the subsystems for deployments that run the
// web tier and the backend in one process; split deployments construct
// the façade and the executor separately around a shared store.
//
// Conveyor follows a composable store pattern: each subsystem (job, event)
// defines its own store interface and a single backend implements all of
// them. The postgres backend is the production store; the memory backend
// serves tests and development.
//
// This package holds only what every subsystem needs: the sentinel error
// set and the service configuration.
package conveyor
