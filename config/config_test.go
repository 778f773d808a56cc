package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func withEnv(k, v string, fn func()) {
	old, had := os.LookupEnv(k)
	_ = os.Setenv(k, v)
	defer func() {
		if had {
			_ = os.Setenv(k, old)
		} else {
			_ = os.Unsetenv(k)
		}
	}()
	fn()
}

func Test_firstNonEmpty(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want string
	}{
		{"all empty", []string{"", "", ""}, ""},
		{"first non-empty", []string{"a", "b"}, "a"},
		{"later non-empty", []string{"", "b"}, "b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := firstNonEmpty(tt.in...)
			if got != tt.want {
				t.Errorf("firstNonEmpty() got=%#v want=%#v", got, tt.want)
			}
		})
	}
}

func Test_getEnv(t *testing.T) {
	tests := []struct {
		name string
		setK string
		setV string
		key  string
		def  string
		want string
	}{
		{"no env uses default non-empty", "", "", "FOO", "bar", "bar"},
		{"env overrides", "FOO", "baz", "FOO", "bar", "baz"},
		{"default empty stays empty", "", "", "FOO", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setK != "" {
				withEnv(tt.setK, tt.setV, func() {
					got := getEnv(tt.key, tt.def)
					if got != tt.want {
						t.Errorf("getEnv() got=%#v want=%#v", got, tt.want)
					}
				})
				return
			}
			got := getEnv(tt.key, tt.def)
			if got != tt.want {
				t.Errorf("getEnv() got=%#v want=%#v", got, tt.want)
			}
		})
	}
}

func Test_getEnvInt(t *testing.T) {
	tests := []struct {
		name string
		set  string
		def  int
		want int
	}{
		{"no env -> default", "", 7, 7},
		{"valid int", "42", 7, 42},
		{"invalid int -> default", "abc", 9, 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.set == "" {
				_ = os.Unsetenv("XINT")
			} else {
				_ = os.Setenv("XINT", tt.set)
				defer os.Unsetenv("XINT")
			}
			got := getEnvInt("XINT", tt.def)
			if got != tt.want {
				t.Errorf("getEnvInt() got=%#v want=%#v", got, tt.want)
			}
		})
	}
}

func Test_Config_HTTPAddr(t *testing.T) {
	tests := []struct {
		name string
		port int
		want string
	}{
		{"default", 8080, "0.0.0.0:8080"},
		{"custom", 9090, "0.0.0.0:9090"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{MetricsPort: tt.port}
			if got := c.HTTPAddr(); got != tt.want {
				t.Errorf("HTTPAddr() got=%#v want=%#v", got, tt.want)
			}
		})
	}
}

func Test_Config_Redacted(t *testing.T) {
	c := &Config{
		Strategy:               "weighted",
		RedisAddr:              "redis:6379",
		RedisPassword:          "hunter2",
		LockTTL:                10 * time.Second,
		LockWait:               3 * time.Second,
		CacheTTL:               10 * time.Second,
		DefaultDurationMinutes: 60,
		DefaultQuota:           2,
		RetentionDays:          30,
		CollaboratorTimeout:    5 * time.Second,
		InstanceID:             "allocator-0",
		NotificationTopic:      "notifications",
		BillingTopic:           "billing.usage",
		SubscriptionPrefix:     "allocator-",
		GoogleProjectID:        "pid",
		TargetNamespace:        "ns",
		DeviceSelector:         "pool=gpu",
		MetricsPort:            8081,
		LogLevel:               "debug",
		CredentialsFile:        "creds.json",
	}
	got := c.Redacted()
	want := map[string]any{
		"strategy":               "weighted",
		"redisAddr":              "redis:6379",
		"redisPasswordSet":       true,
		"redisDB":                0,
		"lockTTL":                "10s",
		"lockWait":               "3s",
		"cacheTTL":               "10s",
		"defaultDurationMinutes": 60,
		"defaultQuota":           2,
		"retentionDays":          30,
		"collaboratorTimeout":    "5s",
		"instanceID":             "allocator-0",
		"eventTopicPrefix":       "",
		"notificationTopic":      "notifications",
		"billingTopic":           "billing.usage",
		"subscriptionPrefix":     "allocator-",
		"projectID":              "pid",
		"targetNamespace":        "ns",
		"deviceSelector":         "pool=gpu",
		"metricsPort":            8081,
		"logLevel":               "debug",
		"credentialsProvided":    true,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Redacted()\n got=%#v\nwant=%#v", got, want)
	}
	for k, v := range got {
		if v == "hunter2" {
			t.Errorf("Redacted() leaks password under %q", k)
		}
	}
}

func Test_getEnvDuration(t *testing.T) {
	tests := []struct {
		name string
		set  string
		def  time.Duration
		want time.Duration
	}{
		{"no env -> default", "", 5 * time.Second, 5 * time.Second},
		{"go duration", "250ms", time.Second, 250 * time.Millisecond},
		{"bare seconds", "15", time.Second, 15 * time.Second},
		{"zero -> default", "0", time.Second, time.Second},
		{"invalid -> default", "soon", 2 * time.Second, 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.set == "" {
				_ = os.Unsetenv("XDUR")
			} else {
				_ = os.Setenv("XDUR", tt.set)
				defer os.Unsetenv("XDUR")
			}
			if got := getEnvDuration("XDUR", tt.def); got != tt.want {
				t.Errorf("getEnvDuration() got=%#v want=%#v", got, tt.want)
			}
		})
	}
}

func Test_projectIDFromCredentials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	content := []byte(`{"project_id":"my-proj"}`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write temp creds: %#v", err)
	}
	pid, err := projectIDFromCredentials(path)
	if err != nil || pid != "my-proj" {
		t.Errorf("projectIDFromCredentials() pid=%#v err=%#v", pid, err)
	}

	// invalid json returns empty id, no error
	if err := os.WriteFile(path, []byte(`{"nope":1}`), 0o600); err != nil {
		t.Fatalf("write temp creds: %#v", err)
	}
	pid2, err2 := projectIDFromCredentials(path)
	if err2 != nil || pid2 != "" {
		t.Errorf("projectIDFromCredentials(invalid) pid=%#v err=%#v", pid2, err2)
	}
}

func Test_getGoogleProjectID(t *testing.T) {
	unset := func(keys ...string) {
		for _, k := range keys {
			_ = os.Unsetenv(k)
		}
	}
	// ensure clean env
	unset("GOOGLE_APPLICATION_CREDENTIALS", "ALLOCATOR_PUBSUB_PROJECT_ID", "GOOGLE_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCLOUD_PROJECT", "GCP_PROJECT")

	dir := t.TempDir()
	credFile := filepath.Join(dir, "creds.json")
	_ = os.WriteFile(credFile, []byte(`{"project_id":"file-proj"}`), 0o600)

	tests := []struct {
		name     string
		setEnv   map[string]string
		creds    string
		explicit string
		want     string
	}{
		{"from GOOGLE_APPLICATION_CREDENTIALS", map[string]string{"GOOGLE_APPLICATION_CREDENTIALS": credFile}, "", "", "file-proj"},
		{"from explicit ALLOCATOR_PUBSUB_PROJECT_ID", map[string]string{}, "", "explicit-proj", "explicit-proj"},
		{"from GOOGLE_PROJECT_ID", map[string]string{"GOOGLE_PROJECT_ID": "env-proj"}, "", "", "env-proj"},
		{"from common env", map[string]string{"GOOGLE_CLOUD_PROJECT": "common-proj"}, "", "", "common-proj"},
		{"from provided credsFile path", map[string]string{}, credFile, "", "file-proj"},
		{"none -> empty", map[string]string{}, "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// reset env
			unset("GOOGLE_APPLICATION_CREDENTIALS", "ALLOCATOR_PUBSUB_PROJECT_ID", "GOOGLE_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCLOUD_PROJECT", "GCP_PROJECT")
			for k, v := range tt.setEnv {
				_ = os.Setenv(k, v)
			}
			got := getGoogleProjectID(tt.creds, tt.explicit)
			if got != tt.want {
				t.Errorf("getGoogleProjectID() got=%#v want=%#v", got, tt.want)
			}
		})
	}
}

func Test_Load(t *testing.T) {
	// Use only environment inputs to load; avoid panics
	keys := []string{
		"ALLOCATOR_STRATEGY", "ALLOCATOR_REDIS_ADDR", "ALLOCATOR_REDIS_DB", "ALLOCATOR_LOCK_TTL",
		"ALLOCATOR_CACHE_TTL", "ALLOCATOR_DEFAULT_QUOTA", "ALLOCATOR_RETENTION_DAYS",
		"ALLOCATOR_SUBSCRIPTION_PREFIX", "TARGET_NAMESPACE", "ALLOCATOR_METRICS_PORT", "ALLOCATOR_LOG_LEVEL",
		"GOOGLE_APPLICATION_CREDENTIALS", "ALLOCATOR_GSA_CREDENTIALS", "ALLOCATOR_PUBSUB_PROJECT_ID",
		"ALLOCATOR_INSTANCE_ID",
	}
	unset := func() {
		for _, k := range keys {
			_ = os.Unsetenv(k)
		}
	}
	unset()
	defer unset()

	cfg := Load()
	if cfg.Strategy != "resource-based" || cfg.RedisAddr != "localhost:6379" || cfg.LockTTL != 10*time.Second ||
		cfg.CacheTTL != 10*time.Second || cfg.RetentionDays != 30 || cfg.SubscriptionPrefix != "allocator-" {
		b, _ := json.Marshal(cfg)
		t.Errorf("Load() unexpected defaults: %#v", string(b))
	}
	if host, _ := os.Hostname(); cfg.InstanceID != host {
		t.Errorf("Load() InstanceID = %q, want hostname %q", cfg.InstanceID, host)
	}

	os.Setenv("ALLOCATOR_STRATEGY", "least-utilized")
	os.Setenv("ALLOCATOR_REDIS_ADDR", "redis:6380")
	os.Setenv("ALLOCATOR_REDIS_DB", "3")
	os.Setenv("ALLOCATOR_LOCK_TTL", "30s")
	os.Setenv("ALLOCATOR_DEFAULT_QUOTA", "5")
	os.Setenv("TARGET_NAMESPACE", "ns")
	os.Setenv("ALLOCATOR_METRICS_PORT", "7777")
	os.Setenv("ALLOCATOR_LOG_LEVEL", "warn")
	os.Setenv("ALLOCATOR_INSTANCE_ID", "allocator-1")

	cfg = Load()
	if cfg == nil {
		t.Fatalf("Load() returned nil")
	}
	if cfg.Strategy != "least-utilized" || cfg.RedisAddr != "redis:6380" || cfg.RedisDB != 3 || cfg.LockTTL != 30*time.Second ||
		cfg.DefaultQuota != 5 || cfg.TargetNamespace != "ns" || cfg.MetricsPort != 7777 || cfg.LogLevel != "warn" {
		b, _ := json.Marshal(cfg)
		t.Errorf("Load() unexpected cfg: %#v", string(b))
	}
	if cfg.InstanceID != "allocator-1" {
		t.Errorf("Load() InstanceID = %q, want %q", cfg.InstanceID, "allocator-1")
	}
}
