/*
Package freshness decides from file metadata alone whether a case's cached
aggregate can be served without re-reading anything.

Two tiers are checked in order:

	1. run log mtime         changes on every solver iteration
	2. case dir mtime        changes when a time directory is created
	   latest time dir mtime changes when fields are written into it

The log and the field files are written independently, so an unchanged log
does not short-circuit tier 2. A stamp that moves backwards, or a latest
time directory that disappeared, means the case was reset or re-imported;
the Decision then carries Reset and callers rebuild the case.

For cases with many time directories the SamplePolicy limits tier 2 to a
random fraction of calls. The random source is injectable for tests.

State.ETag renders the stamps for HTTP conditional requests.
*/
package freshness
