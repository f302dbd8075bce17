/*
Package worker launches solver runs against case directories.

A Worker turns a (case directory, command) request into a runtime.RunSpec,
hands it to an Executor (containerd in production) and supervises the
resulting execution:

	Start ──▶ store.CreateRun (pending)
	      ──▶ Executor.Run ──▶ store.UpdateRun (running), run.started
	      ──▶ goroutine: tee output ─▶ <case>/log.foamRun
	                     Wait ─▶ store.UpdateRun, run.completed or run.failed

The parent of the case directory is mounted at /tmp/FOAM_Run and the
command runs inside /tmp/FOAM_Run/<case>, so relative paths in OpenFOAM
dictionaries keep working.

Each run truncates the case's run log before writing. The residual scanner
sees the shorter file and starts the residual history over.

Stop cancels one run and Shutdown cancels all of them; in both cases the
executor delivers SIGTERM to the container and the run is recorded as
failed with the container's exit code.
*/
package worker
