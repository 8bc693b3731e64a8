package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/proofscan/proofscan/internal/domain/target"
)

// Validate validates the configuration using struct tags plus the
// cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := target.ValidateSet(c.Targets); err != nil {
		return err
	}

	// A connector id containing the tool separator would make prefixed
	// tool names like "<id><sep><tool>" ambiguous to split.
	sep := c.Proxy.ToolSeparator
	if sep == "" {
		sep = "__"
	}
	for i := range c.Targets {
		t := &c.Targets[i]
		if !t.IsAgent() && strings.Contains(t.ID, sep) {
			return fmt.Errorf("connector %q: id must not contain the tool separator %q", t.ID, sep)
		}
	}

	if c.Gateway.AuthMode == AuthBearer && len(c.Gateway.Tokens) == 0 {
		return errors.New("gateway: auth_mode bearer requires at least one token")
	}
	for i, tok := range c.Gateway.Tokens {
		for _, perm := range tok.Permissions {
			if err := validatePermission(perm); err != nil {
				return fmt.Errorf("gateway: token %d: %w", i, err)
			}
		}
	}
	return nil
}

// validatePermission checks one mcp:<action>:<target> permission string.
// The bare wildcard "mcp:*" is accepted as shorthand for "mcp:*:*".
func validatePermission(perm string) error {
	if perm == "mcp:*" {
		return nil
	}
	parts := strings.Split(perm, ":")
	if len(parts) != 3 || parts[0] != "mcp" {
		return fmt.Errorf("invalid permission %q: want mcp:<action>:<target>", perm)
	}
	for _, seg := range parts[1:] {
		if seg == "" {
			return fmt.Errorf("invalid permission %q: empty segment", perm)
		}
	}
	return nil
}

// formatValidationErrors converts validator errors into actionable
// messages naming the offending field.
func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Namespace()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", fe.Namespace(), fe.Param()))
		case "startswith":
			msgs = append(msgs, fmt.Sprintf("%s must start with %q", fe.Namespace(), fe.Param()))
		case "hostname_port":
			msgs = append(msgs, fmt.Sprintf("%s must be a host:port address", fe.Namespace()))
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", fe.Namespace(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", fe.Namespace(), fe.Tag()))
		}
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(msgs, "; "))
}
