package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) addError(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationResult) addWarning(path, format string, args ...any) {
	v.Warnings = append(v.Warnings, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

var bashStyleRegex = regexp.MustCompile(`\$\{?([A-Z_][A-Z0-9_]*)\}?`)

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	result := &ValidationResult{}

	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.addError("", "invalid JSON: %v", err)
		return result, nil
	}

	checkBashStyleSyntax(rawConfig, "", result)

	version, ok := rawConfig["version"].(string)
	if !ok {
		result.addError("version", "version field is required. Hint: Add \"version\": %q", SupportedVersion)
	} else if version != SupportedVersion {
		result.addError("version", "unsupported version '%s' - use '%s'", version, SupportedVersion)
	}

	validateServerStructure(rawConfig, result)
	validateAzureStructure(rawConfig, result)
	validateSessionStructure(rawConfig, result)
	validateStorageStructure(rawConfig, result)
	validateMailStructure(rawConfig, result)

	return result, nil
}

func section(rawConfig map[string]any, name string) (map[string]any, bool) {
	m, ok := rawConfig[name].(map[string]any)
	return m, ok
}

func validateServerStructure(rawConfig map[string]any, result *ValidationResult) {
	server, ok := section(rawConfig, "server")
	if !ok {
		result.addError("server", "server field is required and must be an object")
		return
	}
	if _, ok := server["baseURL"]; !ok {
		result.addError("server.baseURL", "baseURL is required. Example: \"https://lcpsych.com\"")
	}
	if _, ok := server["addr"]; !ok {
		result.addError("server.addr", "addr is required. Example: \":8080\" or \"0.0.0.0:8080\"")
	}
}

func validateAzureStructure(rawConfig map[string]any, result *ValidationResult) {
	azure, ok := section(rawConfig, "azure")
	if !ok {
		result.addWarning("azure", "azure section missing - Microsoft sign-in will be unavailable")
		return
	}
	if enabled, _ := azure["enabled"].(bool); !enabled {
		return
	}

	for _, field := range []string{"tenantId", "clientId"} {
		if _, ok := azure[field]; !ok {
			result.addError("azure."+field, "%s is required when azure is enabled", field)
		}
	}
	if secret, ok := azure["clientSecret"]; ok {
		if err := validateEnvVarReference(secret, "clientSecret", "azure.clientSecret"); err != nil {
			result.Errors = append(result.Errors, *err)
		}
	} else {
		result.addError("azure.clientSecret", "clientSecret is required when azure is enabled")
	}
}

func validateSessionStructure(rawConfig map[string]any, result *ValidationResult) {
	session, ok := section(rawConfig, "session")
	if !ok {
		result.addError("session", "session field is required and must be an object")
		return
	}
	if key, ok := session["signingKey"]; ok {
		if err := validateEnvVarReference(key, "signingKey", "session.signingKey"); err != nil {
			result.Errors = append(result.Errors, *err)
		}
	} else {
		result.addError("session.signingKey", "signingKey is required. Hint: Must be at least 32 bytes long for HMAC-SHA256")
	}
	if domain, ok := session["domain"].(string); ok && strings.HasPrefix(domain, ".") {
		result.addWarning("session.domain", "leading dot in '%s' is ignored by browsers; use '%s'", domain, strings.TrimPrefix(domain, "."))
	}
	if sameSite, ok := session["sameSite"].(string); ok {
		switch strings.ToLower(sameSite) {
		case "lax", "strict":
		case "none":
			if secure, ok := session["secure"].(bool); ok && !secure {
				result.addError("session.secure", "sameSite none requires secure cookies; browsers drop SameSite=None cookies without Secure")
			}
		default:
			result.addError("session.sameSite", "sameSite must be lax, strict or none (got '%s')", sameSite)
		}
	}
}

func validateMailStructure(rawConfig map[string]any, result *ValidationResult) {
	mail, _ := section(rawConfig, "mail")
	kind, _ := mail["kind"].(string)
	switch kind {
	case "", MailLog:
		result.addWarning("mail.kind", "log mail writes invitation emails to the server log; invitees receive nothing. Use smtp in production")
	case MailSMTP:
		for _, field := range []string{"host", "from"} {
			if _, ok := mail[field]; !ok {
				result.addError("mail."+field, "%s is required for smtp mail", field)
			}
		}
		if password, ok := mail["password"]; ok {
			if err := validateEnvVarReference(password, "password", "mail.password"); err != nil {
				result.Errors = append(result.Errors, *err)
			}
		}
	default:
		result.addError("mail.kind", "unknown mail kind '%s' - supported: log, smtp", kind)
	}
}

func validateStorageStructure(rawConfig map[string]any, result *ValidationResult) {
	storage, ok := section(rawConfig, "storage")
	if !ok {
		return
	}
	kind, _ := storage["kind"].(string)
	switch kind {
	case "", StorageMemory:
		result.addWarning("storage.kind", "memory storage loses accounts on restart")
	case StoragePostgres:
		if dsn, ok := storage["dsn"]; ok {
			if err := validateEnvVarReference(dsn, "dsn", "storage.dsn"); err != nil {
				result.Errors = append(result.Errors, *err)
			}
		} else {
			result.addError("storage.dsn", "dsn is required for postgres storage")
		}
	case StorageFirestore:
		if _, ok := storage["gcpProject"]; !ok {
			result.addError("storage.gcpProject", "gcpProject is required for firestore storage")
		}
	default:
		result.addError("storage.kind", "unknown storage kind '%s' - supported: memory, postgres, firestore", kind)
	}
}

// validateEnvVarReference validates that a field uses proper env var reference format
func validateEnvVarReference(value any, fieldName, path string) *ValidationError {
	switch v := value.(type) {
	case string:
		if matches := bashStyleRegex.FindStringSubmatch(v); len(matches) > 1 {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", v, matches[1]),
			}
		}
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must use environment variable reference {\"$env\": \"YOUR_ENV_VAR\"} instead of plain text. Hint: This keeps secrets out of config files", fieldName),
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; !hasEnv {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("%s must use {\"$env\": \"YOUR_ENV_VAR\"} format", fieldName),
			}
		}
		return nil
	default:
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must be an environment variable reference {\"$env\": \"YOUR_ENV_VAR\"}, not %T", fieldName, value),
		}
	}
}

// checkBashStyleSyntax recursively checks for bash-style env var syntax
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	switch v := value.(type) {
	case string:
		for _, match := range bashStyleRegex.FindAllString(v, -1) {
			varName := strings.Trim(match, "${}")
			result.addWarning(path, "found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", match, varName)
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}
		for key, val := range v {
			newPath := key
			if path != "" {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			checkBashStyleSyntax(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}
