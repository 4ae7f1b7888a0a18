// Package affinity pins the calling OS thread to a single CPU. Localities use
// it so that a worker and the tasks homed to it share one core's caches.
package affinity
