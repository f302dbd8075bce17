/*
Package runtime runs OpenFOAM commands in containers through containerd.

A RunSpec names an image, a shell command and the case directory as seen
inside the container, plus the host directories to bind mount. Run pulls
the image if needed, starts the container and returns an Execution whose
Output streams the solver's combined stdout and stderr. The caller usually
tees that stream into the case's run log, which is what the residual
scanner reads.

Every command runs as

	bash -c "source <bashrc> && cd <workdir> && <command>"

so the OpenFOAM environment is available without a login shell.

Containers live in the foamflask namespace and are deleted, together with
their snapshots, as soon as the process exits.
*/
package runtime
