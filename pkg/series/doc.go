// Package series stores append-only plot samples per (case, name) and
// downsamples them for clients that bound the number of points.
package series
