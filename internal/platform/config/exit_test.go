package config

import (
	"bytes"
	"os"
	"testing"
)

func TestExitf_WritesMessageAndExitsWithCode1(t *testing.T) {
	var out bytes.Buffer
	code := -1
	exitWriter = &out
	exitFunc = func(c int) { code = c }
	t.Cleanup(func() {
		exitWriter = os.Stderr
		exitFunc = os.Exit
	})

	Exitf("fatal: %s", "store unreadable")

	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if got := out.String(); got != "fatal: store unreadable\n" {
		t.Fatalf("output = %q, want %q", got, "fatal: store unreadable\n")
	}
}
