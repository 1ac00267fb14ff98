// Package platform defines the isolation layer applied to worker processes.
// Most users never import it: the worker package selects the platform for
// the running OS and the root sandbox package reports its dependencies.
// Import it directly to inspect capabilities or to supply a custom Platform
// to a worker pool.
package platform
