/*
Package field decodes the internalField entry of OpenFOAM field files.

A field file is a dictionary: an optional FoamFile header, a handful of
entries such as dimensions, the internalField, and boundaryField. Only the
internal field is plotted, so the parser stops as soon as it has decoded
it and never reads the (often much larger) boundary section.

	FoamFile { class volVectorField; ... }     header: class checked against value
	Uinlet (10 0 0);                           remembered for $Uinlet
	internalField uniform $Uinlet;             resolved, decoded, done
	boundaryField { ... }                      never read

# Forms

	uniform 101325;                            scalar
	uniform (1 0 0);                           vector
	uniform $name;                             header entry defined above
	nonuniform List<scalar> N ( ... );         reduced to one value
	nonuniform List<vector> N ( (..) ... );    reduced per component
	nonuniform List<scalar> N{v};              compact, every cell = v

Non-uniform lists are streamed through a bufio.Reader and folded into a
running sum, so a list with millions of cells costs constant memory. The
Reduction decides which value represents the list: ReduceMean (the
default) or ReduceFirst. A declared size that disagrees with the number of
elements makes the file unparseable rather than silently truncated.

Comments (// and block) are skipped anywhere, including glued to a value.
Numbers may carry an alphabetic unit suffix (300K).

# Caching

Reader remembers the decoded result of every file it has read, keyed by
path and invalidated when the file's size or modification time changes.
Files that failed to decode are remembered too, so a malformed file is not
reparsed on every poll. Forget drops everything under a case directory.

All decode failures wrap ErrUnparseable; callers treat the field as not
available for that time step.
*/
package field
