// Package sandbox provides isolated, on-demand execution of short
// untrusted code snippets in several guest languages.
//
// The core is the Session: it owns one live environment for its lifetime
// and exposes Setup (dependency installation), Run (build/execute with
// optional memory profiling), raw command execution and bidirectional file
// transfer. Environments come from a ContainerRuntime backend (Docker, or
// a development-only local process backend); language-specific commands
// come from a static profile table; profiled runs retrieve a two-column
// memory sample feed that ReduceSamples folds into peak memory, wall-clock
// duration and a running-maximum-weighted integral.
//
// Sessions are single-writer: at most one Setup/Run/transfer call may be
// in flight against a given session. Supervise wraps blocking operations
// with a hard wall-clock budget; on expiry it detaches from the operation
// and leaves environment reclamation to Close, which is the only mechanism
// that stops runaway guest-side work.
//
// Usage:
//
//	runtime, err := sandbox.NewRuntime(logger, "docker")
//	session, err := sandbox.NewSession(runtime, logger, sandbox.LanguagePython)
//	if err := session.Open(ctx); err != nil { ... }
//	defer session.Close(ctx)
//	result, err := session.Run(ctx, "print(1+1)", true)
package sandbox
