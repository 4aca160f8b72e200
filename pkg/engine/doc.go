// Package engine provides the state convergence core: the compiler, the
// requisite graph, the round-based scheduler and the run registry.
//
// # Overview
//
// An apply flows through five steps:
//
//  1. Create - register a RunContext under a unique name (RunRegistry)
//  2. Gather - resolve and render source documents (Gatherer, external)
//  3. Compile - turn high data into low instructions (Compiler)
//  4. Build - resolve requisites into a graph (BuildGraph)
//  5. Schedule - execute the graph in rounds to a fixpoint (Scheduler)
//
// The final report is read from the run context with Snapshot.
//
// # High Data
//
// High data maps a declared id to module.function entries, each holding a
// list of single-key argument mappings:
//
//	nginx:
//	  pkg.installed:
//	    - version: "1.24"
//	  service.running:
//	    - enable: true
//	    - watch:
//	      - pkg: nginx
//
// The compiler produces one LowInstruction per entry with the id
// "<source>_|-<declared id>_|-<module>_|-<function>".
//
// # Requisites
//
//   - require: run after the target, skipped if it fails
//   - watch: like require, and the module reaction runs if the target changed
//   - onchanges: run after the target only if it changed, never skipped by failure
//   - prereq: run before the target when the target would change under test mode
//   - listen: the module reaction runs once at the end if the target changed
//   - order: tiebreak within a round
//
// # Handlers
//
// Handlers are registered as Modules in a Registry before compilation.
// A handler never aborts a run: errors and panics become failure records.
//
//	registry := engine.NewRegistry()
//	registry.MustRegister(engine.Module{
//	    Name: "test",
//	    Functions: map[string]engine.Function{
//	        "nop": func(ctx context.Context, call *engine.Call) (*engine.Result, error) {
//	            return engine.Succeed(call.Name, "Success!", nil), nil
//	        },
//	    },
//	})
//
// # Concurrency
//
// Each round's ready set runs as one bounded batch. Results are merged at the
// round boundary under the run context lock, so no handler observes a
// partial round. Cancellation is checked only between rounds.
package engine
