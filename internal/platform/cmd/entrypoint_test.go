package cmd

import (
	"context"
	"errors"
	"flag"
	"testing"
)

type testConfig struct {
	Address string `env:"LINKDAO_CMD_TEST_ADDRESS" envDefault:"127.0.0.1:8095"`
	Kind    string `env:"LINKDAO_CMD_TEST_KIND" envDefault:"create-post"`
}

func TestParseConfigReadsEnvAndFlags(t *testing.T) {
	t.Setenv("LINKDAO_CMD_TEST_ADDRESS", "env:9000")
	t.Setenv("LINKDAO_CMD_TEST_KIND", "env-kind")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := testConfig{}
	if err := ParseConfig(&cfg); err != nil {
		t.Fatalf("load config defaults: %v", err)
	}
	fs.StringVar(&cfg.Address, "address", cfg.Address, "address")
	fs.StringVar(&cfg.Kind, "kind", cfg.Kind, "kind")

	if err := ParseArgs(fs, []string{"-address", "flag:9001"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if cfg.Address != "flag:9001" {
		t.Fatalf("address = %q, want %q", cfg.Address, "flag:9001")
	}
	if cfg.Kind != "env-kind" {
		t.Fatalf("kind = %q, want %q", cfg.Kind, "env-kind")
	}
}

func TestParseConfigRejectsNilTarget(t *testing.T) {
	if err := ParseConfig[testConfig](nil); err == nil {
		t.Fatal("expected nil target error")
	}
}

func TestParseArgsRejectsNilParser(t *testing.T) {
	if err := ParseArgs(nil, []string{}); err == nil {
		t.Fatal("expected parse args to reject nil parser")
	}
}

func TestRunWithTelemetryRejectsMissingInputs(t *testing.T) {
	if err := RunWithTelemetry(context.Background(), "", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected missing service error")
	}
	if err := RunWithTelemetry(context.Background(), ServiceWriteQueue, nil); err == nil {
		t.Fatal("expected missing run function error")
	}
}

func TestRunWithTelemetryAndOptionsShutsDownAfterRun(t *testing.T) {
	var events []string
	runErr := errors.New("run failed")
	err := RunWithTelemetryAndOptions(context.Background(), ServiceWriteQueue, RunOptions{
		Setup: func(_ context.Context, service string) (func(context.Context) error, error) {
			events = append(events, "setup:"+service)
			return func(context.Context) error {
				events = append(events, "shutdown")
				return nil
			}, nil
		},
	}, func(context.Context) error {
		events = append(events, "run")
		return runErr
	})
	if !errors.Is(err, runErr) {
		t.Fatalf("err = %v, want %v", err, runErr)
	}
	want := []string{"setup:writequeue", "run", "shutdown"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}
