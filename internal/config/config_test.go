package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nuetzliches/eventpipe/internal/secrets"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eventpipe.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func noEnv(string) (string, bool) { return "", false }

func mapEnv(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	c := Default()
	if c.DefaultStream != "go_sdk" || c.CollectionEndpoint != "https://api.lytics.io/collect/json/" {
		t.Fatalf("stream=%q endpoint=%q", c.DefaultStream, c.CollectionEndpoint)
	}
	if c.MaxQueueSize != 10 || c.UploadInterval.D() != 10*time.Second || c.MaxRetryAttempts != 3 {
		t.Fatalf("dispatch defaults=%d/%s/%d", c.MaxQueueSize, c.UploadInterval, c.MaxRetryAttempts)
	}
	if c.NetworkRequestTimeout.D() != 30*time.Second || c.NetworkRetries != 0 || c.SessionTimeout.D() != 20*time.Minute {
		t.Fatalf("network defaults=%s/%d/%s", c.NetworkRequestTimeout, c.NetworkRetries, c.SessionTimeout)
	}
	if res := c.Validate(ValidationOptions{}); !res.OK {
		t.Fatalf("defaults invalid: %v", res.Errors)
	}
}

func TestParse_OverlaysDefaults(t *testing.T) {
	c, err := Parse([]byte(`
api_key: raw:abc
default_stream: mobile
max_queue_size: 25
upload_interval: 1m
session_timeout: 1d
headers:
  X-Tenant: acme
queue:
  backend: memory
ingest:
  max_body: 256kb
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.DefaultStream != "mobile" || c.MaxQueueSize != 25 {
		t.Fatalf("stream=%q max=%d", c.DefaultStream, c.MaxQueueSize)
	}
	if c.UploadInterval.D() != time.Minute || c.SessionTimeout.D() != 24*time.Hour {
		t.Fatalf("interval=%s session=%s", c.UploadInterval, c.SessionTimeout)
	}
	if c.Ingest.MaxBody != 256*1024 {
		t.Fatalf("max_body=%d", c.Ingest.MaxBody)
	}
	if c.Ingest.Listen != DefaultIngestListen || c.MaxRetryAttempts != 3 {
		t.Fatalf("untouched defaults lost: listen=%q retries=%d", c.Ingest.Listen, c.MaxRetryAttempts)
	}
	if c.Headers["X-Tenant"] != "acme" {
		t.Fatalf("headers=%v", c.Headers)
	}
}

func TestParse_OffDisablesTimer(t *testing.T) {
	c, err := Parse([]byte("upload_interval: off\nmax_queue_size: 0\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.UploadInterval != 0 || c.MaxQueueSize != 0 {
		t.Fatalf("interval=%s max=%d", c.UploadInterval, c.MaxQueueSize)
	}
	res := c.Validate(ValidationOptions{})
	if !res.OK || len(res.Warnings) == 0 {
		t.Fatalf("res=%+v, want ok with a warning", res)
	}
}

func TestParse_Errors(t *testing.T) {
	cases := map[string]string{
		"unknown_key":   "max_queue_sise: 3\n",
		"bad_duration":  "upload_interval: soon\n",
		"negative":      "upload_interval: -1s\n",
		"bad_size":      "ingest:\n  max_body: lots\n",
		"placeholder":   "api_key: {$UNTERMINATED\n",
		"wrong_type":    "max_queue_size: many\n",
		"empty_env_var": "api_key: {$}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(body)); err == nil {
				t.Fatalf("expected parse error")
			}
		})
	}
}

func TestParse_EmptyDocument(t *testing.T) {
	c, err := Parse([]byte("\xEF\xBB\xBF\r\n# only a comment\r\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.MaxQueueSize != 10 {
		t.Fatalf("max=%d, want default", c.MaxQueueSize)
	}
}

func TestParse_Placeholders(t *testing.T) {
	t.Setenv("EVENTPIPE_TEST_ENDPOINT", "https://collector.test/c/")
	c, err := Parse([]byte(`
collection_endpoint: "{$EVENTPIPE_TEST_ENDPOINT}"
default_stream: "{$EVENTPIPE_TEST_STREAM_UNSET:fallback}"
kafka:
  topic_prefix: "{$EVENTPIPE_TEST_PREFIX_UNSET}"
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.CollectionEndpoint != "https://collector.test/c/" || c.DefaultStream != "fallback" {
		t.Fatalf("endpoint=%q stream=%q", c.CollectionEndpoint, c.DefaultStream)
	}
	res := c.Validate(ValidationOptions{})
	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "EVENTPIPE_TEST_PREFIX_UNSET") {
			found = true
		}
	}
	if !found {
		t.Fatalf("warnings=%v, want unset placeholder reported", res.Warnings)
	}
}

func TestApplyEnv(t *testing.T) {
	c := Default()
	err := c.ApplyEnv(mapEnv(map[string]string{
		"EVENTPIPE_MAX_QUEUE_SIZE":  "50",
		"EVENTPIPE_UPLOAD_INTERVAL": "2s",
		"EVENTPIPE_REQUIRE_CONSENT": "true",
		"EVENTPIPE_TRANSPORT":       "KAFKA",
		"EVENTPIPE_KAFKA_BROKERS":   "a:9092, b:9092,,",
		"EVENTPIPE_QUEUE_BACKEND":   "postgres",
		"EVENTPIPE_POSTGRES_DSN":    "postgres://localhost/eventpipe",
	}))
	if err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if c.MaxQueueSize != 50 || c.UploadInterval.D() != 2*time.Second || !c.RequireConsent {
		t.Fatalf("cfg=%+v", c)
	}
	if c.Transport != TransportKafka || len(c.Kafka.Brokers) != 2 || c.Kafka.Brokers[1] != "b:9092" {
		t.Fatalf("transport=%q brokers=%v", c.Transport, c.Kafka.Brokers)
	}
	if c.Queue.Backend != BackendPostgres || c.Queue.PostgresDSN == "" {
		t.Fatalf("queue=%+v", c.Queue)
	}
	if res := c.Validate(ValidationOptions{}); !res.OK {
		t.Fatalf("errors=%v", res.Errors)
	}
}

func TestApplyEnv_ReportsEveryBadValue(t *testing.T) {
	c := Default()
	err := c.ApplyEnv(mapEnv(map[string]string{
		"EVENTPIPE_MAX_QUEUE_SIZE": "ten",
		"EVENTPIPE_SANDBOX_MODE":   "perhaps",
	}))
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"EVENTPIPE_MAX_QUEUE_SIZE", "EVENTPIPE_SANDBOX_MODE"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("err=%v, want mention of %s", err, want)
		}
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, "max_queue_size: 4\nqueue:\n  backend: memory\n")
	t.Setenv("EVENTPIPE_MAX_QUEUE_SIZE", "7")
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.MaxQueueSize != 7 {
		t.Fatalf("max=%d, want env override 7", c.MaxQueueSize)
	}
	if c.Queue.Backend != BackendMemory {
		t.Fatalf("backend=%q", c.Queue.Backend)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing file err=%v", err)
	}
}

func TestLoadDotenv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("EVENTPIPE_TEST_DOTENV=from-file\nEVENTPIPE_TEST_DOTENV_SET=from-file\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("EVENTPIPE_TEST_DOTENV_SET", "from-process")
	t.Setenv("EVENTPIPE_TEST_DOTENV", "")
	os.Unsetenv("EVENTPIPE_TEST_DOTENV")

	if err := LoadDotenv(path); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
	if got := os.Getenv("EVENTPIPE_TEST_DOTENV"); got != "from-file" {
		t.Fatalf("dotenv value=%q", got)
	}
	if got := os.Getenv("EVENTPIPE_TEST_DOTENV_SET"); got != "from-process" {
		t.Fatalf("existing env overridden: %q", got)
	}
	if err := LoadDotenv(filepath.Join(dir, "missing.env")); err == nil {
		t.Fatalf("expected error for missing dotenv")
	}
	if err := LoadDotenv(""); err != nil {
		t.Fatalf("empty path err=%v", err)
	}
}

func TestValidate_CollectsEveryError(t *testing.T) {
	c := Default()
	c.MaxQueueSize = -1
	c.NetworkRetries = 11
	c.CollectionEndpoint = "ftp://x"
	c.APIKey = "plain"
	c.Headers = map[string]string{"Authorization": "x"}
	c.Queue.Backend = "redis"
	c.Observability.LogLevel = "loud"
	c.Breaker.ConsecutiveFailures = 0

	res := c.Validate(ValidationOptions{})
	if res.OK {
		t.Fatalf("expected invalid")
	}
	for _, want := range []string{"max_queue_size", "network_retries", "collection_endpoint", "api_key", "headers", "queue.backend", "log_level", "breaker.consecutive_failures"} {
		found := false
		for _, e := range res.Errors {
			if strings.Contains(e, want) {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("errors=%v, want one mentioning %s", res.Errors, want)
		}
	}
	if err := res.Err(); err == nil || !strings.Contains(err.Error(), "queue.backend") {
		t.Fatalf("Err()=%v", err)
	}
}

func TestValidate_Kafka(t *testing.T) {
	c := Default()
	c.Transport = TransportKafka
	res := c.Validate(ValidationOptions{})
	if res.OK {
		t.Fatalf("kafka without brokers accepted")
	}
	c.Kafka.Brokers = []string{"localhost:9092"}
	c.APIKey = ""
	if res := c.Validate(ValidationOptions{}); !res.OK {
		t.Fatalf("errors=%v, api key must not be required for kafka", res.Errors)
	}
}

func TestValidate_SecretPreflight(t *testing.T) {
	c := Default()
	c.Ingest.Token = "env:EVENTPIPE_INGEST_TOKEN"
	r := secrets.Resolver{LookupEnv: mapEnv(map[string]string{"EVENTPIPE_API_KEY": "k"})}

	res := c.Validate(ValidationOptions{SecretPreflight: true, Resolver: r})
	if res.OK || len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "ingest.token") {
		t.Fatalf("errors=%v, want missing ingest token", res.Errors)
	}

	r.LookupEnv = mapEnv(map[string]string{"EVENTPIPE_API_KEY": "k", "EVENTPIPE_INGEST_TOKEN": "t"})
	if res := c.Validate(ValidationOptions{SecretPreflight: true, Resolver: r}); !res.OK {
		t.Fatalf("errors=%v", res.Errors)
	}
}

func TestValidate_PublicIngestWithoutTokenWarns(t *testing.T) {
	c := Default()
	c.Ingest.Listen = "0.0.0.0:8787"
	res := c.Validate(ValidationOptions{})
	if !res.OK || len(res.Warnings) == 0 {
		t.Fatalf("res=%+v, want warning", res)
	}
}

func TestDiff(t *testing.T) {
	a := Default()
	b := Default()
	b.MaxQueueSize = 20
	b.UploadInterval = Duration(time.Second)
	if got := Diff(a, b); len(got) != 2 || RestartRequired(got) {
		t.Fatalf("diff=%v, want two reloadable changes", got)
	}
	if got := Diff(a, b)[1].String(); got != "upload_interval: 10s -> 1s" {
		t.Fatalf("change=%q", got)
	}

	b.APIKey = "raw:secret"
	changes := Diff(a, b)
	if !RestartRequired(changes) {
		t.Fatalf("api key change must require restart")
	}
	for _, ch := range changes {
		if strings.Contains(ch.Old+ch.New, "secret") {
			t.Fatalf("change %v leaks secret", ch)
		}
	}
	if got := Diff(a, a); len(got) != 0 {
		t.Fatalf("diff of identical configs=%v", got)
	}
}

func TestParseByteSize(t *testing.T) {
	cases := map[string]int64{"1": 1, "10b": 10, "2k": 2048, "1mb": 1 << 20, " 3 GB ": 3 << 30}
	for in, want := range cases {
		got, err := parseByteSize(in)
		if err != nil || got != want {
			t.Fatalf("parseByteSize(%q)=%d,%v, want %d", in, got, err, want)
		}
	}
	for _, in := range []string{"", "0", "-1kb", "mb", "1.5mb"} {
		if _, err := parseByteSize(in); err == nil {
			t.Fatalf("parseByteSize(%q) accepted", in)
		}
	}
}
