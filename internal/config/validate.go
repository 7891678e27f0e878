package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"

	"github.com/nuetzliches/eventpipe/internal/httpheader"
	"github.com/nuetzliches/eventpipe/internal/secrets"
)

type ValidationResult struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Err joins every error, or returns nil when the result is OK.
func (r ValidationResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Errors))
	for _, e := range r.Errors {
		errs = append(errs, errors.New(e))
	}
	return errors.Join(errs...)
}

type ValidationOptions struct {
	// SecretPreflight loads the api key and ingest token references to catch
	// missing secrets before the agent starts.
	SecretPreflight bool
	Resolver        secrets.Resolver
}

func (c Config) Validate(opts ValidationOptions) ValidationResult {
	res := ValidationResult{Warnings: append([]string(nil), c.warnings...)}
	errorf := func(format string, args ...any) {
		res.Errors = append(res.Errors, fmt.Sprintf(format, args...))
	}
	warnf := func(format string, args ...any) {
		res.Warnings = append(res.Warnings, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.DefaultStream) == "" {
		warnf("default_stream is empty; %q is used", DefaultStream)
	}
	if c.MaxQueueSize < 0 {
		errorf("max_queue_size must be >= 0")
	}
	if c.MaxRetryAttempts < 0 {
		errorf("max_retry_attempts must be >= 0")
	}
	if c.NetworkRetries < 0 || c.NetworkRetries > 10 {
		errorf("network_retries must be between 0 and 10")
	}
	if c.NetworkRequestTimeout <= 0 {
		errorf("network_request_timeout must be > 0")
	}
	if c.SessionTimeout <= 0 {
		errorf("session_timeout must be > 0")
	}
	if c.MaxQueueSize == 0 && c.UploadInterval == 0 {
		warnf("max_queue_size and upload_interval are both off; payloads leave only on explicit dispatch")
	}
	if strings.TrimSpace(c.AnonymousIdentityKey) == "" {
		errorf("anonymous_identity_key must not be empty")
	}

	switch c.Transport {
	case TransportHTTP:
		if err := validateEndpoint(c.CollectionEndpoint); err != nil {
			errorf("collection_endpoint %v", err)
		}
		if strings.TrimSpace(c.APIKey) == "" {
			errorf("api_key is required for the http transport")
		} else if err := secrets.ValidateRef(c.APIKey); err != nil {
			errorf("api_key: %v", err)
		}
		if _, err := httpheader.Build(c.Headers); err != nil {
			errorf("headers: %v", err)
		}
		if c.SandboxMode {
			warnf("sandbox_mode is on; the collector validates but does not store events")
		}
	case TransportKafka:
		if len(c.Kafka.Brokers) == 0 {
			errorf("kafka.brokers must list at least one broker for the kafka transport")
		}
		for i, b := range c.Kafka.Brokers {
			if _, _, err := net.SplitHostPort(b); err != nil {
				errorf("kafka.brokers[%d] %q must be host:port", i, b)
			}
		}
		if len(c.Headers) > 0 {
			warnf("headers are ignored by the kafka transport")
		}
	default:
		errorf("transport must be http|kafka")
	}

	switch c.Queue.Backend {
	case BackendSQLite:
		if strings.TrimSpace(c.Queue.Path) == "" {
			errorf("queue.path is required for the sqlite backend")
		}
	case BackendPostgres:
		if strings.TrimSpace(c.Queue.PostgresDSN) == "" {
			errorf("queue.postgres_dsn is required for the postgres backend")
		}
	case BackendMemory:
		warnf("queue.backend memory loses queued payloads on restart")
	default:
		errorf("queue.backend must be sqlite|memory|postgres")
	}

	if c.Ingest.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Ingest.Listen); err != nil {
			errorf("ingest.listen %q must be host:port", c.Ingest.Listen)
		}
		if c.Ingest.Token == "" && !isLoopbackListen(c.Ingest.Listen) {
			warnf("ingest.listen %q is not loopback and ingest.token is empty", c.Ingest.Listen)
		}
	}
	if c.Ingest.Token != "" {
		if err := secrets.ValidateRef(c.Ingest.Token); err != nil {
			errorf("ingest.token: %v", err)
		}
	}
	if c.Ingest.MaxBody <= 0 {
		errorf("ingest.max_body must be > 0")
	}
	if c.Health.GRPCListen != "" {
		if _, _, err := net.SplitHostPort(c.Health.GRPCListen); err != nil {
			errorf("health.grpc_listen %q must be host:port", c.Health.GRPCListen)
		}
	}

	if c.Breaker.Enabled {
		if c.Breaker.ConsecutiveFailures <= 0 {
			errorf("breaker.consecutive_failures must be > 0")
		}
		if c.Breaker.OpenTimeout <= 0 {
			errorf("breaker.open_timeout must be > 0")
		}
	}

	obs := c.Observability
	switch strings.ToLower(strings.TrimSpace(obs.LogLevel)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errorf("observability.log_level must be debug|info|warn|error")
	}
	switch obs.LogOutput {
	case "stdout", "stderr":
		if obs.LogPath != "" {
			errorf("observability.log_path requires log_output file")
		}
	case "file":
		if strings.TrimSpace(obs.LogPath) == "" {
			errorf("observability.log_path is required when log_output is file")
		}
	default:
		errorf("observability.log_output must be stdout|stderr|file")
	}
	if obs.Tracing.Enabled && obs.Tracing.Collector != "" {
		if err := validateEndpoint(obs.Tracing.Collector); err != nil {
			errorf("observability.tracing.collector %v", err)
		}
	}
	if obs.Metrics.Enabled {
		if obs.Metrics.Collector != "" {
			if err := validateEndpoint(obs.Metrics.Collector); err != nil {
				errorf("observability.metrics.collector %v", err)
			}
		}
		if obs.Metrics.Interval <= 0 {
			errorf("observability.metrics.interval must be > 0")
		}
	}

	if opts.SecretPreflight && len(res.Errors) == 0 {
		refs := map[string]string{}
		if c.Transport == TransportHTTP {
			refs["api_key"] = c.APIKey
		}
		if c.Ingest.Token != "" {
			refs["ingest.token"] = c.Ingest.Token
		}
		keys := make([]string, 0, len(refs))
		for k := range refs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, err := opts.Resolver.Load(refs[k]); err != nil {
				errorf("secret preflight %s: %v", k, err)
			}
		}
	}

	res.OK = len(res.Errors) == 0
	return res
}

func validateEndpoint(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("is not a valid URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must be an absolute http(s) URL")
	}
	if u.Host == "" {
		return fmt.Errorf("must include a host")
	}
	return nil
}

func isLoopbackListen(listen string) bool {
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
