package config

import "fmt"

// Recognized configuration keys. Components read settings through these
// constants so renames stay mechanical.
const (
	KeyBatchSize              = "processing.batch_size"
	KeyTimeoutSeconds         = "processing.timeout_seconds"
	KeyRetryAttempts          = "processing.retry_attempts"
	KeyConcurrentProcesses    = "processing.concurrent_processes"
	KeyCrossDocumentDedup     = "processing.cross_document_dedup"
	KeyMaxUploadBytes         = "processing.max_upload_bytes"
	KeyMemoryLimitMB          = "processing.memory_limit_mb"
	KeyConnectionPoolSize     = "database.connection_pool_size"
	KeyQueryTimeout           = "database.query_timeout"
	KeyMetricsInterval        = "monitoring.metrics_collection_interval"
	KeyQueueModeThreshold     = "degradation.queue_mode_threshold"
	KeyMemoryThreshold        = "degradation.memory_threshold"
	KeyAutoRecovery           = "degradation.auto_recovery"
	KeyLocalQueueCap          = "degradation.local_queue_cap"
	KeyAuditLogging           = "security.audit_logging"
	KeyDataSanitization       = "security.data_sanitization"
	KeyCircuitBreakerFailures = "reliability.circuit_breaker_threshold"
	KeyCircuitBreakerCooldown = "reliability.circuit_breaker_cooldown"
)

// Defaults returns the flattened default tree for an environment. Production
// values follow the service's published defaults; development and testing
// relax limits so local runs and unit tests stay fast.
func Defaults(env string) map[string]interface{} {
	defaults := map[string]interface{}{
		KeyBatchSize:              3,
		KeyTimeoutSeconds:         900,
		KeyRetryAttempts:          5,
		KeyConcurrentProcesses:    5,
		KeyCrossDocumentDedup:     false,
		KeyMaxUploadBytes:         10 * 1024 * 1024,
		KeyMemoryLimitMB:          2048,
		KeyConnectionPoolSize:     10,
		KeyQueryTimeout:           60,
		KeyMetricsInterval:        15,
		KeyQueueModeThreshold:     120,
		KeyMemoryThreshold:        70,
		KeyAutoRecovery:           true,
		KeyLocalQueueCap:          10000,
		KeyAuditLogging:           true,
		KeyDataSanitization:       true,
		KeyCircuitBreakerFailures: 5,
		KeyCircuitBreakerCooldown: 60,
	}

	switch env {
	case EnvDevelopment:
		defaults[KeyConcurrentProcesses] = 2
		defaults[KeyTimeoutSeconds] = 300
	case EnvTesting:
		defaults[KeyConcurrentProcesses] = 2
		defaults[KeyTimeoutSeconds] = 30
		defaults[KeyMetricsInterval] = 1
		defaults[KeyAuditLogging] = false
	}
	return defaults
}

// Templates are named setting groups applied together via ApplyTemplate.
func Templates() map[string]map[string]interface{} {
	return map[string]map[string]interface{}{
		"high_throughput": {
			KeyBatchSize:           10,
			KeyConcurrentProcesses: 8,
			KeyConnectionPoolSize:  20,
		},
		"conservative": {
			KeyBatchSize:           2,
			KeyConcurrentProcesses: 2,
			KeyConnectionPoolSize:  5,
		},
	}
}

// schema maps keys to validation checks run on load and on every Set.
func schema() map[string]func(interface{}) error {
	positiveInt := func(v interface{}) error {
		switch n := v.(type) {
		case int:
			if n > 0 {
				return nil
			}
		case int64:
			if n > 0 {
				return nil
			}
		case float64:
			if n > 0 {
				return nil
			}
		}
		return fmt.Errorf("must be a positive number, got %v", v)
	}
	boolean := func(v interface{}) error {
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("must be a boolean, got %v", v)
		}
		return nil
	}
	percent := func(v interface{}) error {
		if n, ok := toFloat(v); ok && n > 0 && n <= 100 {
			return nil
		}
		return fmt.Errorf("must be a percentage in (0,100], got %v", v)
	}

	return map[string]func(interface{}) error{
		KeyBatchSize:              positiveInt,
		KeyTimeoutSeconds:         positiveInt,
		KeyRetryAttempts:          positiveInt,
		KeyConcurrentProcesses:    positiveInt,
		KeyMaxUploadBytes:         positiveInt,
		KeyMemoryLimitMB:          positiveInt,
		KeyConnectionPoolSize:     positiveInt,
		KeyQueryTimeout:           positiveInt,
		KeyMetricsInterval:        positiveInt,
		KeyQueueModeThreshold:     positiveInt,
		KeyMemoryThreshold:        percent,
		KeyLocalQueueCap:          positiveInt,
		KeyCircuitBreakerFailures: positiveInt,
		KeyCircuitBreakerCooldown: positiveInt,
		KeyAutoRecovery:           boolean,
		KeyAuditLogging:           boolean,
		KeyDataSanitization:       boolean,
		KeyCrossDocumentDedup:     boolean,
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
