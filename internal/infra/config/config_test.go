package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	// WriteFile is subject to umask; set the mode explicitly.
	if err := os.Chmod(path, perm); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Broker.Addr != ":5234" {
		t.Errorf("Broker.Addr = %q, want %q", cfg.Broker.Addr, ":5234")
	}
	if cfg.Broker.Path != "/ws" {
		t.Errorf("Broker.Path = %q, want %q", cfg.Broker.Path, "/ws")
	}
	if cfg.Broker.CallTimeout != 0 {
		t.Errorf("Broker.CallTimeout = %v, want no timeout", cfg.Broker.CallTimeout)
	}
	if cfg.Logger.Level != "info" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "info")
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.SendQueue != 64 {
		t.Errorf("expected defaults, got SendQueue=%d", cfg.Broker.SendQueue)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
broker:
  addr: "127.0.0.1:6000"
  call_timeout: 30s
  auth:
    type: static
    tokens:
      - token: "t0k"
        name: "lab"
worker:
  enabled: true
  command: "python3"
  args: ["-m", "snippets.server"]
logger:
  level: "debug"
`, 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.Addr != "127.0.0.1:6000" {
		t.Errorf("Broker.Addr = %q", cfg.Broker.Addr)
	}
	if cfg.Broker.CallTimeout != 30*time.Second {
		t.Errorf("Broker.CallTimeout = %v, want 30s", cfg.Broker.CallTimeout)
	}
	if cfg.Broker.Path != "/ws" {
		t.Errorf("unset fields should keep defaults, Path = %q", cfg.Broker.Path)
	}
	if len(cfg.Broker.Auth.Tokens) != 1 || cfg.Broker.Auth.Tokens[0].Token != "t0k" {
		t.Errorf("Tokens mismatch: %+v", cfg.Broker.Auth.Tokens)
	}
	if cfg.Worker.Command != "python3" || len(cfg.Worker.Args) != 2 {
		t.Errorf("Worker mismatch: %+v", cfg.Worker)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want debug", cfg.Logger.Level)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "broker: [unterminated", 0600)
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadValidationError(t *testing.T) {
	path := writeConfig(t, "broker:\n  send_queue: 0\n", 0600)
	_, err := Load(path)
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected *ValidationError, got %T: %v", err, err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_BROKER_ADDR", "0.0.0.0:7000")
	t.Setenv("RELAY_BROKER_CALL_TIMEOUT", "2s")
	t.Setenv("RELAY_BROKER_ALLOWED_ORIGINS", "example.com, *.lab.local ,")
	t.Setenv("RELAY_BROKER_TOKEN", "from-env")
	t.Setenv("RELAY_WORKER_COMMAND", "./worker")
	t.Setenv("RELAY_WORKER_ARGS", "--port 5234")
	t.Setenv("RELAY_LOGGER_LEVEL", "debug")
	t.Setenv("RELAY_TRACER_ENABLED", "true")
	t.Setenv("RELAY_TRACER_EXPORTER", "stdout")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Broker.Addr != "0.0.0.0:7000" {
		t.Errorf("Broker.Addr = %q", cfg.Broker.Addr)
	}
	if cfg.Broker.CallTimeout != 2*time.Second {
		t.Errorf("Broker.CallTimeout = %v", cfg.Broker.CallTimeout)
	}
	if got := cfg.Broker.AllowedOrigins; len(got) != 2 || got[0] != "example.com" || got[1] != "*.lab.local" {
		t.Errorf("AllowedOrigins = %q", got)
	}
	if cfg.Broker.Auth.Type != "static" || len(cfg.Broker.Auth.Tokens) != 1 {
		t.Errorf("Auth = %+v", cfg.Broker.Auth)
	}
	if !cfg.Worker.Enabled || cfg.Worker.Command != "./worker" || len(cfg.Worker.Args) != 2 {
		t.Errorf("Worker = %+v", cfg.Worker)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q", cfg.Logger.Level)
	}
	if !cfg.Tracer.Enabled || cfg.Tracer.Exporter != "stdout" {
		t.Errorf("Tracer = %+v", cfg.Tracer)
	}
}

func TestEnvOverridesIgnoreMalformedNumbers(t *testing.T) {
	t.Setenv("RELAY_BROKER_SEND_QUEUE", "lots")
	t.Setenv("RELAY_BROKER_CALL_TIMEOUT", "soon")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Broker.SendQueue != 64 || cfg.Broker.CallTimeout != 0 {
		t.Errorf("malformed values should be ignored: %+v", cfg.Broker)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	passphrase := "test-passphrase-123"
	plaintext := "relay-token-abcdef"

	encrypted, err := EncryptValue(plaintext, passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}
	decrypted, err := DecryptValue(encrypted, passphrase)
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}
	if decrypted != plaintext {
		t.Errorf("got %q, want %q", decrypted, plaintext)
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	encrypted, err := EncryptValue("secret", "correct-pass")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecryptValue(encrypted, "wrong-pass"); err == nil {
		t.Error("expected error with wrong passphrase")
	}
}

func TestDecryptValueMalformed(t *testing.T) {
	cases := map[string]string{
		"no separator":   "abcdef",
		"bad salt":       "zz:00",
		"bad ciphertext": "00:zz",
		"too short":      "00112233445566778899aabbccddeeff:00",
	}
	for name, in := range cases {
		if _, err := DecryptValue(in, "pass"); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestDecryptSecrets(t *testing.T) {
	passphrase := "test-config-key"
	encrypted, err := EncryptValue("plain-token", passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	cfg := Defaults()
	cfg.Broker.Auth.Tokens = []TokenConfig{
		{Name: "lab", Token: "enc:" + encrypted},
		{Name: "ci", Token: "unencrypted"},
	}
	if err := decryptSecrets(cfg, passphrase); err != nil {
		t.Fatalf("decryptSecrets: %v", err)
	}
	if cfg.Broker.Auth.Tokens[0].Token != "plain-token" {
		t.Errorf("Token = %q, want %q", cfg.Broker.Auth.Tokens[0].Token, "plain-token")
	}
	if cfg.Broker.Auth.Tokens[1].Token != "unencrypted" {
		t.Errorf("plain token should remain unchanged")
	}

	cfg.Broker.Auth.Tokens = []TokenConfig{{Name: "bad", Token: "enc:notvalidhex"}}
	if err := decryptSecrets(cfg, passphrase); err == nil {
		t.Error("expected error for invalid ciphertext")
	}
}

func TestLoadWithConfigKey(t *testing.T) {
	passphrase := "test-load-key"
	encrypted, err := EncryptValue("s3cret", passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	path := writeConfig(t, `
broker:
  auth:
    type: static
    tokens:
      - name: "lab"
        token: "enc:`+encrypted+`"
`, 0600)

	t.Setenv("RELAY_CONFIG_KEY", passphrase)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.Auth.Tokens[0].Token != "s3cret" {
		t.Errorf("Token = %q, want %q", cfg.Broker.Auth.Tokens[0].Token, "s3cret")
	}
}

func TestValidatePermissions(t *testing.T) {
	for _, perm := range []os.FileMode{0600, 0644} {
		if err := validatePermissions(writeConfig(t, "x: 1", perm)); err != nil {
			t.Errorf("%o should pass: %v", perm, err)
		}
	}
	for _, perm := range []os.FileMode{0666, 0620} {
		if err := validatePermissions(writeConfig(t, "x: 1", perm)); err == nil {
			t.Errorf("%o should fail", perm)
		}
	}
	if err := validatePermissions(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for non-existent file")
	}
}

func TestLoadInsecurePermissions(t *testing.T) {
	path := writeConfig(t, "broker:\n  send_queue: 8\n", 0666)
	if _, err := Load(path); err == nil {
		t.Error("expected error for insecure permissions")
	}
}
