// Package crew defines the domain model for crew executions: crews, agent
// and task configuration, the execution state machine, stage logging, and
// the error taxonomy shared by the engine, the broadcaster, and the
// human-input gate.
//
// The package is intentionally free of infrastructure concerns. Persistence
// lives in crew/store, transport in crew/broadcast, and orchestration in
// crew/engine; all of them depend on this package, never the other way
// around.
package crew
