package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

type Config struct {
	Strategy               string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	LockTTL                time.Duration
	LockWait               time.Duration
	CacheTTL               time.Duration
	DefaultDurationMinutes int
	DefaultQuota           int
	RetentionDays          int
	CollaboratorTimeout    time.Duration
	// InstanceID namespaces the Redis availability cache. Records are held in process, so
	// replicas do not share allocations and must not share that cache entry.
	InstanceID             string

	EventTopicPrefix   string
	NotificationTopic  string
	BillingTopic       string
	SubscriptionPrefix string

	GoogleProjectID string
	CredentialsFile string
	TargetNamespace string
	DeviceSelector  string
	MetricsPort     int
	LogLevel        string
}

func Load() *Config {
	cfg := &Config{
		Strategy:               strings.TrimSpace(getEnv("ALLOCATOR_STRATEGY", "resource-based")),
		RedisAddr:              strings.TrimSpace(getEnv("ALLOCATOR_REDIS_ADDR", "localhost:6379")),
		RedisPassword:          os.Getenv("ALLOCATOR_REDIS_PASSWORD"),
		RedisDB:                getEnvInt("ALLOCATOR_REDIS_DB", 0),
		LockTTL:                getEnvDuration("ALLOCATOR_LOCK_TTL", 10*time.Second),
		LockWait:               getEnvDuration("ALLOCATOR_LOCK_WAIT", 3*time.Second),
		CacheTTL:               getEnvDuration("ALLOCATOR_CACHE_TTL", 10*time.Second),
		DefaultDurationMinutes: getEnvInt("ALLOCATOR_DEFAULT_DURATION_MINUTES", 60),
		DefaultQuota:           getEnvInt("ALLOCATOR_DEFAULT_QUOTA", 2),
		RetentionDays:          getEnvInt("ALLOCATOR_RETENTION_DAYS", 30),
		CollaboratorTimeout:    getEnvDuration("ALLOCATOR_COLLABORATOR_TIMEOUT", 5*time.Second),
		EventTopicPrefix:       strings.TrimSpace(getEnv("ALLOCATOR_EVENT_TOPIC_PREFIX", "")),
		NotificationTopic:      strings.TrimSpace(getEnv("ALLOCATOR_NOTIFICATION_TOPIC", "notifications")),
		BillingTopic:           strings.TrimSpace(getEnv("ALLOCATOR_BILLING_TOPIC", "billing.usage")),
		SubscriptionPrefix:     strings.TrimSpace(getEnv("ALLOCATOR_SUBSCRIPTION_PREFIX", "allocator-")),
		TargetNamespace:        strings.TrimSpace(getEnv("TARGET_NAMESPACE", "default")),
		DeviceSelector:         strings.TrimSpace(getEnv("ALLOCATOR_DEVICE_SELECTOR", "")),
		MetricsPort:            getEnvInt("ALLOCATOR_METRICS_PORT", 8080),
		LogLevel:               strings.TrimSpace(getEnv("ALLOCATOR_LOG_LEVEL", "info")),
		CredentialsFile:        strings.TrimSpace(firstNonEmpty(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"), os.Getenv("ALLOCATOR_GSA_CREDENTIALS"))),
	}

	cfg.InstanceID = strings.TrimSpace(getEnv("ALLOCATOR_INSTANCE_ID", ""))
	if cfg.InstanceID == "" {
		cfg.InstanceID, _ = os.Hostname()
	}

	cfg.GoogleProjectID = getGoogleProjectID(cfg.CredentialsFile, strings.TrimSpace(getEnv("ALLOCATOR_PUBSUB_PROJECT_ID", "")))
	if cfg.GoogleProjectID == "" {
		log.Warn().Msg("Google project ID not resolved; set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_PROJECT_ID or ALLOCATOR_PUBSUB_PROJECT_ID")
	}
	if cfg.RedisAddr == "" {
		log.Warn().Msg("Redis address not set; set ALLOCATOR_REDIS_ADDR")
	}
	return cfg
}

func (c *Config) HTTPAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.MetricsPort))
}

// Redacted returns a view safe for logging
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"strategy":               c.Strategy,
		"redisAddr":              c.RedisAddr,
		"redisPasswordSet":       c.RedisPassword != "",
		"redisDB":                c.RedisDB,
		"lockTTL":                c.LockTTL.String(),
		"lockWait":               c.LockWait.String(),
		"cacheTTL":               c.CacheTTL.String(),
		"defaultDurationMinutes": c.DefaultDurationMinutes,
		"defaultQuota":           c.DefaultQuota,
		"retentionDays":          c.RetentionDays,
		"collaboratorTimeout":    c.CollaboratorTimeout.String(),
		"instanceID":             c.InstanceID,
		"eventTopicPrefix":       c.EventTopicPrefix,
		"notificationTopic":      c.NotificationTopic,
		"billingTopic":           c.BillingTopic,
		"subscriptionPrefix":     c.SubscriptionPrefix,
		"projectID":              c.GoogleProjectID,
		"targetNamespace":        c.TargetNamespace,
		"deviceSelector":         c.DeviceSelector,
		"metricsPort":            c.MetricsPort,
		"logLevel":               c.LogLevel,
		"credentialsProvided":    c.CredentialsFile != "",
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		iv, err := strconv.Atoi(v)
		if err == nil {
			return iv
		}
		fmt.Printf("invalid int for %s: %s\n", key, v)
	}
	return def
}

// getEnvDuration accepts Go duration strings ("15s") or a bare number of seconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	fmt.Printf("invalid duration for %s: %s\n", key, v)
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func projectIDFromCredentials(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	var x struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(b, &x); err != nil {
		return "", err
	}
	return x.ProjectID, nil
}

func getGoogleProjectID(credsFile string, explicit string) string {
	// 1) Prefer GOOGLE_APPLICATION_CREDENTIALS if set
	if p := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")); p != "" {
		log.Info().Str("credsFile", p).Msg("GOOGLE_APPLICATION_CREDENTIALS is set; extracting project_id from credentials file")
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			return strings.TrimSpace(pid)
		}
		log.Warn().Str("credsFile", p).Msg("project_id not found in credentials file or unreadable")
	}

	// 2) Explicit override from allocator env
	if explicit := strings.TrimSpace(explicit); explicit != "" {
		log.Info().Str("projectID", explicit).Msg("using ALLOCATOR_PUBSUB_PROJECT_ID for Google project")
		return explicit
	}

	// 3) External k8s override
	if v := strings.TrimSpace(os.Getenv("GOOGLE_PROJECT_ID")); v != "" {
		log.Info().Str("projectID", v).Msg("using GOOGLE_PROJECT_ID from environment")
		return v
	}

	// 4) Common Google envs
	if v := firstNonEmpty(os.Getenv("GOOGLE_CLOUD_PROJECT"), os.Getenv("GCLOUD_PROJECT"), os.Getenv("GCP_PROJECT")); strings.TrimSpace(v) != "" {
		v = strings.TrimSpace(v)
		log.Info().Str("projectID", v).Msg("using Google project from common environment variables")
		return v
	}

	// 5) Fallback to provided credentials file path (ALLOCATOR_GSA_CREDENTIALS)
	if p := strings.TrimSpace(credsFile); p != "" {
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			log.Info().Str("credsFile", p).Msg("using project_id from provided credentials file")
			return strings.TrimSpace(pid)
		}
	}
	return ""
}
