package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Pipeline.GlobalConcurrency != 15 || cfg.Pipeline.JobConcurrency != 5 {
		t.Fatalf("expected 15/5 concurrency defaults, got %d/%d", cfg.Pipeline.GlobalConcurrency, cfg.Pipeline.JobConcurrency)
	}
	if cfg.Pipeline.MaxAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", cfg.Pipeline.MaxAttempts)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "narrator.yaml")
	data := []byte(`
pipeline:
  max_chunk_length: 2000
  global_concurrency: 8
  job_concurrency: 2
  format: wav
merge:
  mode: wav
synth:
  mode: exec
  command: "python3 synth.py --voice-dir ./voices"
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pipeline.MaxChunkLength != 2000 {
		t.Fatalf("expected max chunk length 2000, got %d", cfg.Pipeline.MaxChunkLength)
	}
	if cfg.Merge.Mode != "wav" || cfg.Pipeline.Format != "wav" {
		t.Fatalf("expected wav merge, got %s/%s", cfg.Merge.Mode, cfg.Pipeline.Format)
	}
	if cfg.Pipeline.MaxAttempts != 3 {
		t.Fatalf("expected untouched default attempts, got %d", cfg.Pipeline.MaxAttempts)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NARRATOR_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("NARRATOR_BUS_USERNAME", "alice")
	t.Setenv("NARRATOR_BUS_PASSWORD", "secret")
	t.Setenv("NARRATOR_BUS_TLS_INSECURE", "true")
	t.Setenv("NARRATOR_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("NARRATOR_NODE_ID", "test-node")
	t.Setenv("NARRATOR_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("NARRATOR_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("NARRATOR_EVENT_STORE_MAX_JOBS", "123")
	t.Setenv("NARRATOR_PIPELINE_GLOBAL_CONCURRENCY", "20")
	t.Setenv("NARRATOR_PIPELINE_JOB_CONCURRENCY", "4")
	t.Setenv("NARRATOR_PIPELINE_BACKOFF_STEP_MS", "250")
	t.Setenv("NARRATOR_SYNTH_MODE", "elevenlabs")
	t.Setenv("NARRATOR_ELEVENLABS_API_KEY", "xi-key")
	t.Setenv("NARRATOR_SYNTH_REQUESTS_PER_MINUTE", "120")
	t.Setenv("NARRATOR_TRACKER_BACKEND", "redis")
	t.Setenv("NARRATOR_TRACKER_REDIS_ADDR", "redis:6379")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store overrides")
	}
	if cfg.EventStore.MaxJobs != 123 {
		t.Fatalf("expected event store max jobs override")
	}
	if cfg.Pipeline.GlobalConcurrency != 20 || cfg.Pipeline.JobConcurrency != 4 {
		t.Fatalf("expected concurrency overrides, got %d/%d", cfg.Pipeline.GlobalConcurrency, cfg.Pipeline.JobConcurrency)
	}
	if cfg.Pipeline.BackoffStepMS != 250 {
		t.Fatalf("expected backoff override")
	}
	if cfg.Synth.Mode != "elevenlabs" || cfg.Synth.ElevenLabs.APIKey != "xi-key" {
		t.Fatalf("expected synth overrides")
	}
	if cfg.Synth.RequestsPerMinute != 120 {
		t.Fatalf("expected rate override")
	}
	if cfg.Tracker.Backend != "redis" || cfg.Tracker.RedisAddr != "redis:6379" {
		t.Fatalf("expected tracker overrides")
	}
}

func TestValidateRejectsJobLimitAboveGlobal(t *testing.T) {
	t.Setenv("NARRATOR_PIPELINE_GLOBAL_CONCURRENCY", "3")
	t.Setenv("NARRATOR_PIPELINE_JOB_CONCURRENCY", "5")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error when job concurrency exceeds global")
	}
}

func TestValidateRejectsCompressedSpoolWithFFmpeg(t *testing.T) {
	t.Setenv("NARRATOR_SPOOL_COMPRESS", "true")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for compressed spool with ffmpeg merge")
	}
}

func TestSampleRatio(t *testing.T) {
	t.Setenv("NARRATOR_TELEMETRY_SAMPLE_RATIO", "0.25")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry.SampleRatio != 0.25 {
		t.Fatalf("expected sample ratio 0.25, got %v", cfg.Telemetry.SampleRatio)
	}
	t.Setenv("NARRATOR_TELEMETRY_SAMPLE_RATIO", "1.5")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for sample ratio above 1")
	}
}

func TestValidateSynthModes(t *testing.T) {
	cases := map[string]bool{
		"mock":       true,
		"edge":       true,
		"exec":       false, // no command
		"elevenlabs": false, // no key
		"tencent":    false, // no credentials
		"espeak":     false,
	}
	for mode, ok := range cases {
		cfg := Default()
		cfg.Synth.Mode = mode
		err := validate(cfg)
		if ok && err != nil {
			t.Fatalf("mode %s: unexpected error %v", mode, err)
		}
		if !ok && err == nil {
			t.Fatalf("mode %s: expected error", mode)
		}
	}
}
