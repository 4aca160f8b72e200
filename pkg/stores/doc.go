// Package stores persists the history of finished applies in SQLite.
//
// SQLiteStore implements engine.Recorder: the Applier hands it every run
// report, and the run with its per-instruction records is written in one
// transaction. The schema is applied from embedded migrations with
// golang-migrate. Telemetry events can be persisted through EventSink, and
// operator actions taken over the HTTP API are kept in the audit table.
package stores
