// Package core defines the shared domain model of TaskMesh: configuration
// object snapshots (tasks, workers, channels, tools, resources, trackers,
// document repositories, flows), execution records (task executions, work
// requests, chat sessions) and the contracts the orchestration core requires
// from its collaborators (Store, adapters, credential store).
//
// The package contains no orchestration logic. Brokers in sibling packages
// implement behavior on top of these types; core stays import-light so every
// other package can depend on it without cycles.
package core
