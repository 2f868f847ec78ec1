// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

// Package worker hosts native decompression modules in isolated execution
// contexts and dispatches tasks to them.
//
// Every execution context runs in its own goroutine and is reached only through
// [Request] and [Response] messages. The [Dispatcher] keeps a correlation table
// of outstanding tasks, settles every task exactly once (success, error,
// timeout or crash) and restarts a crashed context until its restart budget is
// exhausted. Tasks that were assigned to a crashed context are settled with
// WorkerCrash and are not retried.
//
// A timeout settles the task but does not stop the native work, the context
// stays busy until the module returns.
//
// Progress callbacks run on a goroutine of their task, never on the dispatcher
// loop. A task's result is delivered after its progress reports, unless the
// task times out, crashes or is closed first.
package worker
