package config

import (
	"fmt"
	"reflect"
)

// Change is one differing key between two configurations.
type Change struct {
	Key string `json:"key"`
	Old string `json:"old"`
	New string `json:"new"`
	// Reloadable changes take effect without a restart.
	Reloadable bool `json:"reloadable"`
}

func (c Change) String() string {
	return fmt.Sprintf("%s: %s -> %s", c.Key, c.Old, c.New)
}

type diffField struct {
	key        string
	reloadable bool
	get        func(Config) any
}

var diffFields = []diffField{
	{"default_stream", true, func(c Config) any { return c.DefaultStream }},
	{"max_queue_size", true, func(c Config) any { return c.MaxQueueSize }},
	{"upload_interval", true, func(c Config) any { return c.UploadInterval }},
	{"session_timeout", true, func(c Config) any { return c.SessionTimeout }},
	{"require_consent", true, func(c Config) any { return c.RequireConsent }},
	{"auto_track_app_opens", true, func(c Config) any { return c.AutoTrackAppOpens }},
	{"auto_track_screens", true, func(c Config) any { return c.AutoTrackScreens }},
	{"network_retries", false, func(c Config) any { return c.NetworkRetries }},
	{"api_key", false, func(c Config) any { return c.APIKey }},
	{"collection_endpoint", false, func(c Config) any { return c.CollectionEndpoint }},
	{"sandbox_mode", false, func(c Config) any { return c.SandboxMode }},
	{"max_retry_attempts", false, func(c Config) any { return c.MaxRetryAttempts }},
	{"network_request_timeout", false, func(c Config) any { return c.NetworkRequestTimeout }},
	{"anonymous_identity_key", false, func(c Config) any { return c.AnonymousIdentityKey }},
	{"identity_path", false, func(c Config) any { return c.IdentityPath }},
	{"advertising_id_path", false, func(c Config) any { return c.AdvertisingIDPath }},
	{"headers", false, func(c Config) any { return c.Headers }},
	{"transport", false, func(c Config) any { return c.Transport }},
	{"kafka", false, func(c Config) any { return c.Kafka }},
	{"queue.backend", false, func(c Config) any { return c.Queue.Backend }},
	{"queue.path", false, func(c Config) any { return c.Queue.Path }},
	{"queue.postgres_dsn", false, func(c Config) any { return c.Queue.PostgresDSN }},
	{"ingest", false, func(c Config) any { return c.Ingest }},
	{"health", false, func(c Config) any { return c.Health }},
	{"breaker", false, func(c Config) any { return c.Breaker }},
	{"observability", false, func(c Config) any { return c.Observability }},
}

// Diff lists keys that differ between prev and next. Secret-bearing values are
// compared but rendered without their content.
func Diff(prev, next Config) []Change {
	var out []Change
	for _, f := range diffFields {
		a, b := f.get(prev), f.get(next)
		if reflect.DeepEqual(a, b) {
			continue
		}
		ch := Change{Key: f.key, Reloadable: f.reloadable, Old: render(a), New: render(b)}
		switch f.key {
		case "api_key", "ingest", "queue.postgres_dsn":
			ch.Old, ch.New = "(changed)", "(changed)"
		}
		out = append(out, ch)
	}
	return out
}

// RestartRequired reports whether any change needs a restart.
func RestartRequired(changes []Change) bool {
	for _, c := range changes {
		if !c.Reloadable {
			return true
		}
	}
	return false
}

func render(v any) string {
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", v)
}
