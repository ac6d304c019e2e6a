package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate checks the configuration. The server port must already be set.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateServer(&cfg.Server, result)
	validateAPI(&cfg.API, cfg.Server.Port, result)
	validateMQTT(&cfg.MQTT, result)
	validateAudit(&cfg.Audit, result)
	validateScheduler(&cfg.Scheduler, result)

	return result
}

func validateServer(s *ServerConfig, result *ValidationResult) {
	validatePort(s.Port, "server.port", result)

	switch s.Store.Backend {
	case "disk":
		if strings.TrimSpace(s.Store.Root) == "" {
			result.AddError("server.store.root", "store root is required for the disk backend")
		}
	case "s3":
		if strings.TrimSpace(s.Store.Bucket) == "" {
			result.AddError("server.store.bucket", "bucket is required for the s3 backend")
		}
		if s.Store.Region == "" && s.Store.Endpoint == "" {
			result.AddWarning("server.store.region", "no region or endpoint set, using us-east-1")
		}
	default:
		result.AddError("server.store.backend",
			fmt.Sprintf("unknown backend %q (must be disk or s3)", s.Store.Backend))
	}
}

func validateAPI(a *APIConfig, tftpPort int, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	_, portStr, err := net.SplitHostPort(a.ListenAddr)
	if err != nil {
		result.AddError("api.listen_addr", fmt.Sprintf("invalid address %q: %v", a.ListenAddr, err))
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		result.AddError("api.listen_addr", fmt.Sprintf("invalid port %q", portStr))
		return
	}
	if port != 0 && port == tftpPort {
		result.AddError("api.listen_addr", "API port conflicts with the TFTP port")
	}
	if a.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps", "rate limiting is disabled")
	}
}

func validateMQTT(m *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
	if m.UseTLS && m.CertFile != "" && m.KeyFile == "" {
		result.AddError("mqtt.key_file", "client key is required with a client certificate")
	}
}

func validateAudit(a *AuditConfig, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	if strings.TrimSpace(a.DBPath) == "" {
		result.AddError("audit.db_path", "database path is required when audit is enabled")
	}
	if a.RetentionDays < 1 {
		result.AddError("audit.retention_days", "retention days must be at least 1")
	}
}

func validateScheduler(s *SchedulerConfig, result *ValidationResult) {
	if s.DiskCheckInterval < 10 {
		result.AddWarning("scheduler.disk_check_interval_sec",
			"disk check interval less than 10s may cause excessive load")
	}
	if s.MinFreeMB == 0 {
		result.AddWarning("scheduler.min_free_mb", "low disk space alerts are disabled")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// ParsePort parses a command line port argument.
func ParsePort(arg string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", arg, err)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}
