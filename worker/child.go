package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/Simon-McIntosh/nucleai-sandbox/interp"
)

const (
	// stageEnvKey selects the worker stage of a re-executed binary.
	stageEnvKey = "NUCLEAI_SANDBOX_WORKER"
	stageRun    = "run"
)

// Exit codes of the run stage.
const (
	exitOK         = 0
	exitBadRequest = 2
	exitWrite      = 3
)

// MaybeRun must be called at the very start of main (or TestMain) of every
// binary that hosts a Pool. In a worker process it completes the worker's
// job and exits, never returning; otherwise it returns false at once.
//
// A worker passes through two stages. The init stage, on Linux, restricts
// the process and execs the binary again. The run stage decodes one request
// from stdin, evaluates it and writes the outcome to stdout.
func MaybeRun() bool {
	if sandboxInit() {
		return true
	}
	if os.Getenv(stageEnvKey) != stageRun {
		return false
	}
	os.Exit(serve(os.Stdin, os.Stdout, os.Stderr))
	return true
}

// serve handles a single request and returns the process exit code.
func serve(in io.Reader, out, errOut io.Writer) int {
	var req interp.Request
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		fmt.Fprintf(errOut, "worker: decode request: %v\n", err)
		return exitBadRequest
	}
	// The host owns cancellation: it kills the whole process group.
	o := interp.Run(context.Background(), req)
	if err := json.NewEncoder(out).Encode(o); err != nil {
		fmt.Fprintf(errOut, "worker: encode outcome: %v\n", err)
		return exitWrite
	}
	return exitOK
}
