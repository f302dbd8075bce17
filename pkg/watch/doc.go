// Package watch uses fsnotify to follow the case directories under a case
// root. Changes inside a case are debounced into one case.changed event;
// removing a case directory invalidates its cached data and publishes
// case.removed.
package watch
