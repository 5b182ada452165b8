package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the environment variables main.go reads, as an
// optional YAML file merged in before env overrides (spec's ambient
// configuration stack: a config struct populated from env, optionally
// seeded from YAML first). Parsing flags is out of scope; this struct only
// says what fields `cmd/dynmcpd` understands.
type fileConfig struct {
	LogLevel string `yaml:"logLevel"`
	Version  string `yaml:"version"`

	Transport string `yaml:"transport"`
	Port      string `yaml:"port"`
	MCPPath   string `yaml:"mcpPath"`

	Backend        string `yaml:"backend"`
	ToolstorePath  string `yaml:"toolstorePath"`
	ToolstoreDB    string `yaml:"toolstoreDB"`
	MaxTools       int    `yaml:"maxTools"`
	AuditLogPath   string `yaml:"auditLogPath"`
	AuditBuffer    int    `yaml:"auditBuffer"`
	AdminToken     string `yaml:"adminToken"`
	ReadOnly       bool   `yaml:"readOnly"`

	GuardMaxConcurrency    int `yaml:"guardMaxConcurrency"`
	GuardMaxCallsPerWindow int `yaml:"guardMaxCallsPerWindow"`
	GuardWindowMs          int `yaml:"guardWindowMs"`

	SandboxBackend         string  `yaml:"sandboxBackend"`
	SandboxMemoryMB        int     `yaml:"sandboxMemoryMB"`
	SandboxCPUs            float64 `yaml:"sandboxCPUs"`
	SandboxMaxOutputBytes  int     `yaml:"sandboxMaxOutputBytes"`
	SandboxMaxTimeoutMs    int     `yaml:"sandboxMaxTimeoutMs"`
	SandboxMaxDependencies int     `yaml:"sandboxMaxDependencies"`

	AuthMode  string `yaml:"authMode"`
	JWTSecret string `yaml:"jwtSecret"`

	MaxRequestBytes     int `yaml:"maxRequestBytes"`
	SessionTTLSeconds   int `yaml:"sessionTTLSeconds"`
	SessionSweepSeconds int `yaml:"sessionSweepSeconds"`
}

// applyAsDefaults seeds each fileConfig field's environment variable from
// the file, so a value present in the file but not already set in the
// environment is applied as a default without main.go needing to know the
// file format exists.
func (c fileConfig) applyAsDefaults() {
	setIfUnset := func(key, val string) {
		if val != "" && os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
	setIntIfUnset := func(key string, val int) {
		if val != 0 && os.Getenv(key) == "" {
			os.Setenv(key, fmt.Sprintf("%d", val))
		}
	}

	setIfUnset("LOG_LEVEL", c.LogLevel)
	setIfUnset("VERSION", c.Version)
	setIfUnset("TRANSPORT", c.Transport)
	setIfUnset("PORT", c.Port)
	setIfUnset("MCP_PATH", c.MCPPath)
	setIfUnset("BACKEND", c.Backend)
	setIfUnset("TOOLSTORE_PATH", c.ToolstorePath)
	setIfUnset("TOOLSTORE_DB", c.ToolstoreDB)
	setIntIfUnset("MAX_TOOLS", c.MaxTools)
	setIfUnset("AUDIT_LOG_PATH", c.AuditLogPath)
	setIntIfUnset("AUDIT_BUFFER", c.AuditBuffer)
	setIfUnset("ADMIN_TOKEN", c.AdminToken)
	if c.ReadOnly {
		setIfUnset("READ_ONLY", "true")
	}
	setIntIfUnset("GUARD_MAX_CONCURRENCY", c.GuardMaxConcurrency)
	setIntIfUnset("GUARD_MAX_CALLS_PER_WINDOW", c.GuardMaxCallsPerWindow)
	setIntIfUnset("GUARD_WINDOW_MS", c.GuardWindowMs)
	setIfUnset("SANDBOX_BACKEND", c.SandboxBackend)
	setIntIfUnset("SANDBOX_MEMORY_MB", c.SandboxMemoryMB)
	if c.SandboxCPUs != 0 {
		setIfUnset("SANDBOX_CPUS", fmt.Sprintf("%g", c.SandboxCPUs))
	}
	setIntIfUnset("SANDBOX_MAX_OUTPUT_BYTES", c.SandboxMaxOutputBytes)
	setIntIfUnset("SANDBOX_MAX_TIMEOUT_MS", c.SandboxMaxTimeoutMs)
	setIntIfUnset("SANDBOX_MAX_DEPENDENCIES", c.SandboxMaxDependencies)
	setIfUnset("AUTH_MODE", c.AuthMode)
	setIfUnset("JWT_SECRET", c.JWTSecret)
	setIntIfUnset("MAX_REQUEST_BYTES", c.MaxRequestBytes)
	setIntIfUnset("SESSION_TTL_SECONDS", c.SessionTTLSeconds)
	setIntIfUnset("SESSION_SWEEP_SECONDS", c.SessionSweepSeconds)
}

// loadConfigFile reads CONFIG_FILE, if set, and applies its values as
// environment defaults so every subsequent env()/envInt() lookup in
// main.go sees them without changing how those helpers work. Absence of
// CONFIG_FILE is not an error: the YAML file is always optional.
func loadConfigFile() error {
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyAsDefaults()
	return nil
}
