// Package domain defines the core business types of the privacy request engine.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. All types in this package are:
//
// - Independent of infrastructure (no database, broker, object store, etc.)
// - Shared read-only between graph construction, planning and execution
// - Testable in isolation without mocks
//
// Other packages (graph, planner, engine, storage, connector) implement the
// behaviour around these types. The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
