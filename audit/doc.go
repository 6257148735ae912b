// Package audit bridges control plane lifecycle hooks to an audit
// trail backend. Every task, election, refresh cycle, and action state
// change becomes a structured audit event through a pluggable Recorder.
//
// The package ships a slog-based recorder for log-backed trails;
// deployments with a dedicated audit store implement Recorder (or wrap
// a function with RecorderFunc) and inject it at wiring time:
//
//	ext := audit.New(audit.NewLogRecorder(logger))
//	eng, err := engine.Build(core, engine.WithExtension(ext), ...)
package audit
