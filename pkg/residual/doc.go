/*
Package residual extracts solver residuals from OpenFOAM run logs.

Solvers print one line per linear solve:

	smoothSolver:  Solving for Ux, Initial residual = 0.1, Final residual = 2e-06, No Iterations 2

The scanner looks for the "Solving for " marker with bytes.Index and only
hands the line to a regular expression when the marker is present, since
most log lines carry no residual. The variable name is read up to the
first comma and mapped to a matcher through a Registry, which compiles one
pattern per variable on first sight. The variable set is open: custom
transport scalars work without configuration.

Scanning is incremental. A Scanner keeps a byte watermark and consumes
only complete lines past it; a partially written last line stays for the
next call. A log that shrinks below the watermark, or whose first bytes
change (a rerun writes a new banner), resets the scanner and the returned
Update has Reset set so callers drop what they accumulated.
*/
package residual
