package sandbox

import "github.com/Simon-McIntosh/nucleai-sandbox/worker"

// MaybeRunWorker checks if the current process was re-executed as a
// sandbox worker. In a worker it runs the attempt and exits; otherwise it
// returns false at once.
//
// Any binary that creates an Engine with IsolationWorker must call this at
// the very beginning of main() before any other initialization:
//
//	func main() {
//	    if sandbox.MaybeRunWorker() {
//	        return
//	    }
//	    // ... rest of main
//	}
func MaybeRunWorker() bool {
	return worker.MaybeRun()
}
