package networks

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"relaycast/internal/models"
)

// Keystore keys understood by the RTMP adapter. Destination keystores take
// precedence over the account keystore.
const (
	KeyServer    = "server"
	KeyStreamKey = "key"
)

// RTMPAdapter relays to a fixed ingest server. It has no remote API, so stop
// and update are no-ops.
type RTMPAdapter struct {
	name    string
	sharing bool
	fields  []Field
}

// NewRTMPAdapter constructs a static relay adapter registered as name.
func NewRTMPAdapter(name string, allowSharing bool, fields []Field) *RTMPAdapter {
	return &RTMPAdapter{name: name, sharing: allowSharing, fields: cloneFields(fields)}
}

func (a *RTMPAdapter) Name() string { return a.name }

func (a *RTMPAdapter) AllowSharing() bool { return a.sharing }

func (a *RTMPAdapter) MetadataFields() []Field { return cloneFields(a.fields) }

func (a *RTMPAdapter) PushStart(_ context.Context, account models.Account, target Target) (string, error) {
	server := lookupKey(KeyServer, target.Link.Keystore, account.Keystore)
	key := lookupKey(KeyStreamKey, target.Link.Keystore, account.Keystore)
	if server == "" {
		return "", fmt.Errorf("%s: server URL not configured", a.name)
	}
	if key == "" {
		return "", fmt.Errorf("%s: stream key not configured", a.name)
	}
	if err := validateRTMPServer(server); err != nil {
		return "", fmt.Errorf("%s: %w", a.name, err)
	}
	return strings.TrimRight(server, "/") + "/" + strings.TrimLeft(key, "/"), nil
}

func (a *RTMPAdapter) PushStop(context.Context, models.Account, Target) {}

func (a *RTMPAdapter) NotifyUpdate(context.Context, models.Account, Target) error { return nil }

// CheckErrors validates the account keystore alone. A value missing here may
// still be supplied per destination at push time, so missing values are
// reported as such rather than as unusable credentials.
func (a *RTMPAdapter) CheckErrors(_ context.Context, account models.Account) []ValidationError {
	var problems []ValidationError
	server := strings.TrimSpace(account.Keystore.Get(KeyServer))
	switch {
	case server == "":
		problems = append(problems, ValidationError{Field: KeyServer, Message: "server URL is not set on the account; every destination must provide one"})
	default:
		if err := validateRTMPServer(server); err != nil {
			problems = append(problems, ValidationError{Field: KeyServer, Message: err.Error()})
		}
	}
	if strings.TrimSpace(account.Keystore.Get(KeyStreamKey)) == "" {
		problems = append(problems, ValidationError{Field: KeyStreamKey, Message: "stream key is not set on the account; every destination must provide one"})
	}
	return problems
}

func validateRTMPServer(raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "rtmp", "rtmps":
	default:
		return fmt.Errorf("server URL must use rtmp or rtmps, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("server URL host missing")
	}
	return nil
}

func lookupKey(key string, stores ...models.Keystore) string {
	for _, store := range stores {
		if value := strings.TrimSpace(store.Get(key)); value != "" {
			return value
		}
	}
	return ""
}

func cloneFields(fields []Field) []Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]Field, len(fields))
	copy(out, fields)
	return out
}
