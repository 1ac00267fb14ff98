package sandbox

import (
	"os"
	"testing"
)

func TestMaybeRunWorker_NoEnvVar(t *testing.T) {
	// t.Setenv registers cleanup to restore the original value after the test.
	// os.Unsetenv then actually removes it for the duration of the test.
	t.Setenv("NUCLEAI_SANDBOX_WORKER", "")
	os.Unsetenv("NUCLEAI_SANDBOX_WORKER")
	if MaybeRunWorker() {
		t.Error("MaybeRunWorker() should return false outside a worker")
	}
}
