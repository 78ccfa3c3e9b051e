package types

import "log/slog"

const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString holds a credential such as the database URL. Formatting,
// JSON encoding and slog attributes all render a placeholder; Unmask is the
// only way to read the value.
type SecretString string

func (s SecretString) String() string { return redactedPlaceholder }

// GoString covers %#v.
func (s SecretString) GoString() string { return redactedPlaceholder }

func (s SecretString) MarshalJSON() ([]byte, error) { return redactedJSON, nil }

// LogValue keeps the value out of structured logs, including when the
// enclosing config struct is logged as a group.
func (s SecretString) LogValue() slog.Value { return slog.StringValue(redactedPlaceholder) }

// Unmask returns the plaintext. Call it only where the driver or client
// needs the raw value.
func (s SecretString) Unmask() string { return string(s) }
