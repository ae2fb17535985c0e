package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Synthesis.Mode != "mock" {
		t.Fatalf("expected mock synthesis by default, got %q", cfg.Synthesis.Mode)
	}
	if cfg.Scheduler.BatchPersistSize != 10 {
		t.Fatalf("expected batch persist size 10, got %d", cfg.Scheduler.BatchPersistSize)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NARRATO_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("NARRATO_BUS_EMBEDDED", "false")
	t.Setenv("NARRATO_SEGMENT_STORE_PATH", "./tmp.db")
	t.Setenv("NARRATO_SEGMENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("NARRATO_SYNTHESIS_MODE", "exec")
	t.Setenv("NARRATO_SYNTHESIS_COMMAND", "piper --output-raw")
	t.Setenv("NARRATO_SYNTHESIS_SAMPLE_RATE", "24000")
	t.Setenv("NARRATO_SCHEDULER_PARALLELISM", "4")
	t.Setenv("NARRATO_ASSEMBLY_FORMAT", "m4b")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Embedded {
		t.Fatal("expected embedded bus override false")
	}
	if cfg.SegmentStore.Path != "./tmp.db" {
		t.Fatalf("expected segment store path override")
	}
	if !cfg.SegmentStore.VacuumOnStart {
		t.Fatalf("expected vacuum flag override")
	}
	if cfg.Synthesis.Mode != "exec" || cfg.Synthesis.Command != "piper --output-raw" {
		t.Fatalf("expected synthesis overrides, got %+v", cfg.Synthesis)
	}
	if cfg.Synthesis.SampleRate != 24000 {
		t.Fatalf("expected sample rate 24000, got %d", cfg.Synthesis.SampleRate)
	}
	if cfg.Scheduler.Parallelism != 4 {
		t.Fatalf("expected parallelism 4, got %d", cfg.Scheduler.Parallelism)
	}
	if cfg.Assembly.Format != "m4b" {
		t.Fatalf("expected format m4b, got %q", cfg.Assembly.Format)
	}
}

func TestValidateRejectsBadFormat(t *testing.T) {
	t.Setenv("NARRATO_ASSEMBLY_FORMAT", "ogg")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for unsupported assembly format")
	}
}

func TestValidateExecRequiresCommand(t *testing.T) {
	t.Setenv("NARRATO_SYNTHESIS_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error when exec mode has no command")
	}
}
