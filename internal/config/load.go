package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "EVENTPIPE_"

// Load reads path on top of Default and applies EVENTPIPE_* overrides from
// the process environment. An empty path yields defaults plus overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default without consulting the environment
// for overrides. Placeholders are still resolved.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	text, errs, warns := resolvePlaceholders(string(normalizeInput(data)))
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	c.warnings = append(c.warnings, warns...)

	dec := yaml.NewDecoder(bytes.NewReader([]byte(text)))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// LoadDotenv loads KEY=VALUE pairs into the process environment without
// overriding variables that are already set.
func LoadDotenv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load dotenv %s: %w", path, err)
	}
	return nil
}

type envOverride struct {
	name  string
	apply func(c *Config, v string) error
}

var envOverrides = []envOverride{
	{"DEFAULT_STREAM", func(c *Config, v string) error { c.DefaultStream = v; return nil }},
	{"COLLECTION_ENDPOINT", func(c *Config, v string) error { c.CollectionEndpoint = v; return nil }},
	{"SANDBOX_MODE", envBool(func(c *Config) *bool { return &c.SandboxMode })},
	{"MAX_QUEUE_SIZE", envInt(func(c *Config) *int { return &c.MaxQueueSize })},
	{"UPLOAD_INTERVAL", envDuration(func(c *Config) *Duration { return &c.UploadInterval })},
	{"MAX_RETRY_ATTEMPTS", envInt(func(c *Config) *int { return &c.MaxRetryAttempts })},
	{"NETWORK_REQUEST_TIMEOUT", envDuration(func(c *Config) *Duration { return &c.NetworkRequestTimeout })},
	{"NETWORK_RETRIES", envInt(func(c *Config) *int { return &c.NetworkRetries })},
	{"SESSION_TIMEOUT", envDuration(func(c *Config) *Duration { return &c.SessionTimeout })},
	{"REQUIRE_CONSENT", envBool(func(c *Config) *bool { return &c.RequireConsent })},
	{"TRANSPORT", func(c *Config, v string) error { c.Transport = strings.ToLower(v); return nil }},
	{"KAFKA_BROKERS", func(c *Config, v string) error { c.Kafka.Brokers = splitList(v); return nil }},
	{"QUEUE_BACKEND", func(c *Config, v string) error { c.Queue.Backend = strings.ToLower(v); return nil }},
	{"QUEUE_PATH", func(c *Config, v string) error { c.Queue.Path = v; return nil }},
	{"POSTGRES_DSN", func(c *Config, v string) error { c.Queue.PostgresDSN = v; return nil }},
	{"INGEST_LISTEN", func(c *Config, v string) error { c.Ingest.Listen = v; return nil }},
	{"INGEST_TOKEN", func(c *Config, v string) error { c.Ingest.Token = v; return nil }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Observability.LogLevel = v; return nil }},
}

// ApplyEnv applies EVENTPIPE_<KEY> overrides found through lookup. Every
// unparsable value is reported.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for _, o := range envOverrides {
		raw, ok := lookup(EnvPrefix + o.name)
		if !ok {
			continue
		}
		raw = strings.TrimSpace(raw)
		if err := o.apply(c, raw); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, o.name, err))
		}
	}
	return errors.Join(errs...)
}

func envBool(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("must be true or false")
		}
		*field(c) = b
		return nil
	}
}

func envInt(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("must be an integer")
		}
		*field(c) = n
		return nil
	}
}

func envDuration(field func(*Config) *Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := parseDurationValue(v)
		if err != nil {
			return err
		}
		*field(c) = Duration(d)
		return nil
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// normalizeInput strips a UTF-8 BOM and normalizes CRLF/CR to LF.
func normalizeInput(in []byte) []byte {
	in = bytes.TrimPrefix(in, []byte("\xEF\xBB\xBF"))
	out := make([]byte, 0, len(in))
	for i := 0; i < len(in); i++ {
		b := in[i]
		if b == '\r' {
			if i+1 < len(in) && in[i+1] == '\n' {
				i++
			}
			out = append(out, '\n')
			continue
		}
		out = append(out, b)
	}
	return out
}

// resolvePlaceholders expands {$NAME} and {$NAME:default} from the process
// environment. Unset variables without a default become empty and are
// reported as warnings.
func resolvePlaceholders(in string) (string, []string, []string) {
	var errs, warns []string
	var out strings.Builder
	out.Grow(len(in))

	for i := 0; i < len(in); {
		if !strings.HasPrefix(in[i:], "{$") {
			out.WriteByte(in[i])
			i++
			continue
		}
		end := strings.IndexByte(in[i+2:], '}')
		if end == -1 {
			errs = append(errs, "unterminated {$...} placeholder")
			out.WriteString(in[i:])
			break
		}
		body := in[i+2 : i+2+end]
		name, def, hasDef := strings.Cut(body, ":")
		if name == "" {
			errs = append(errs, "empty env var in {$...} placeholder")
		}
		val, ok := os.LookupEnv(name)
		if !ok {
			val = def
			if !hasDef && name != "" {
				warns = append(warns, fmt.Sprintf("env var %q not set; replaced with empty string", name))
			}
		}
		out.WriteString(val)
		i += 2 + end + 1
	}
	return out.String(), errs, warns
}
