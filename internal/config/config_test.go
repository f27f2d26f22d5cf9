package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaultsUnderOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9100
storage:
  kind: memory
logging:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.ListenAddr() != "0.0.0.0:9100" {
		t.Errorf("listen addr = %s", cfg.ListenAddr())
	}
	if cfg.Storage.Kind != "memory" {
		t.Errorf("storage kind = %s", cfg.Storage.Kind)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %s", cfg.Logging.Level)
	}

	// Untouched sections keep their defaults.
	if cfg.Commit.MaxRetries != 4 {
		t.Errorf("commit retries = %d, want 4", cfg.Commit.MaxRetries)
	}
	if cfg.Multipart.MinPartSizeBytes != 5<<20 {
		t.Errorf("min part size = %d", cfg.Multipart.MinPartSizeBytes)
	}
	if cfg.Reclaim.BatchSize != 256 {
		t.Errorf("reclaim batch = %d", cfg.Reclaim.BatchSize)
	}
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
storage:
  kind: erasure
  data_dir: /var/lib/objectio
  erasure:
    data_shards: 6
    parity_shards: 3
encryption:
  enabled: true
  key: ` + strings.Repeat("ab", 32) + `
notifications:
  sinks:
    - kind: webhook
      endpoint: http://hooks.internal/objectio
      events: ["s3:ObjectCreated:*"]
      prefix: logs/
    - kind: kafka
      brokers: [broker-1:9092, broker-2:9092]
      topic: object-events
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Storage.Erasure.DataShards != 6 || cfg.Storage.Erasure.ParityShards != 3 {
		t.Errorf("erasure = %+v", cfg.Storage.Erasure)
	}
	key, err := cfg.Encryption.KeyBytes()
	if err != nil {
		t.Fatalf("KeyBytes: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("key length = %d, want 32", len(key))
	}
	if len(cfg.Notifications.Sinks) != 2 {
		t.Fatalf("sinks = %d, want 2", len(cfg.Notifications.Sinks))
	}
	if cfg.Notifications.Sinks[1].Topic != "object-events" {
		t.Errorf("kafka topic = %s", cfg.Notifications.Sinks[1].Topic)
	}
}

func TestLoad_Rejections(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"unknown storage kind", "storage:\n  kind: tape\n"},
		{"erasure without shards", "storage:\n  kind: erasure\n  erasure:\n    data_shards: 0\n"},
		{"s3 without endpoint", "storage:\n  kind: s3\n"},
		{"short encryption key", "encryption:\n  enabled: true\n  key: abcd\n"},
		{"non-hex encryption key", "encryption:\n  enabled: true\n  key: " + strings.Repeat("zz", 32) + "\n"},
		{"sink without endpoint", "notifications:\n  sinks:\n    - kind: webhook\n"},
		{"kafka without brokers", "notifications:\n  sinks:\n    - kind: kafka\n      topic: t\n"},
		{"unknown sink kind", "notifications:\n  sinks:\n    - kind: carrier-pigeon\n      endpoint: x\n"},
		{"malformed yaml", "storage: [\n"},
	}
	for _, tc := range cases {
		if _, err := Load(writeConfig(t, tc.body)); err == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestKeyBytes_DisabledReturnsNil(t *testing.T) {
	var e EncryptionConfig
	key, err := e.KeyBytes()
	if err != nil || key != nil {
		t.Errorf("disabled encryption: key=%v err=%v", key, err)
	}
}
