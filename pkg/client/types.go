package client

import (
	"errors"
	"fmt"
	"strings"
)

// Channel types understood by the remote service.
const (
	TypeTCP    = "tcp"
	TypeUDP    = "udp"
	TypeSerial = "serial"
)

// StatusRunning is the instance status reported for a live bridge.
const StatusRunning = "running"

// StartRequest asks the remote service to start a bridge for a configuration
type StartRequest struct {
	Type     string `json:"type"`
	ConfigID string `json:"config_id"`
}

// RemoteInstance is one entry of the remote status snapshot
type RemoteInstance struct {
	ConfigID string `json:"config_id"`
	Type     string `json:"type"`
	Status   string `json:"status"`
}

// Running reports whether the instance is live.
func (r RemoteInstance) Running() bool { return strings.EqualFold(r.Status, StatusRunning) }

// StatusSnapshot is the remote service's view of all instances
type StatusSnapshot struct {
	TotalInstances  int              `json:"total_instances"`
	ActiveInstances int              `json:"active_instances"`
	Instances       []RemoteInstance `json:"instances"`
}

// RunningFor reports whether an instance of typ for configID is running.
// An empty typ matches any type.
func (s StatusSnapshot) RunningFor(typ, configID string) bool {
	for _, in := range s.Instances {
		if in.ConfigID != configID || !in.Running() {
			continue
		}
		if typ == "" || strings.EqualFold(in.Type, typ) {
			return true
		}
	}
	return false
}

// RunningConfigIDs returns ids with at least one running instance, in snapshot order.
func (s StatusSnapshot) RunningConfigIDs() []string {
	seen := make(map[string]bool, len(s.Instances))
	var out []string
	for _, in := range s.Instances {
		if !in.Running() || in.ConfigID == "" || seen[in.ConfigID] {
			continue
		}
		seen[in.ConfigID] = true
		out = append(out, in.ConfigID)
	}
	return out
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// ErrorKind classifies a gateway failure. It is decided once, when the
// response is received, and carried on the error value.
type ErrorKind string

const (
	KindTransport      ErrorKind = "transport"
	KindValidation     ErrorKind = "validation"
	KindAddressInUse   ErrorKind = "address_in_use"
	KindDeviceNotFound ErrorKind = "device_not_found"
	KindConfigNotFound ErrorKind = "config_not_found"
	KindNotSupported   ErrorKind = "not_supported"
)

func (k ErrorKind) String() string { return string(k) }

// APIError is returned by every Client command that fails.
type APIError struct {
	Op      string
	Kind    ErrorKind
	Status  int // HTTP status, 0 when no response was received
	Message string
	Err     error
}

func (e *APIError) Error() string {
	switch {
	case e.Status > 0:
		return fmt.Sprintf("%s: %s (HTTP %d): %s", e.Op, e.Kind, e.Status, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	}
}

func (e *APIError) Unwrap() error { return e.Err }

// KindOf extracts the classification of err. Errors that did not come from
// the gateway are reported as transport failures; nil yields "".
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindTransport
}

// IsNotSupported reports whether err signals that a command is unsupported.
func IsNotSupported(err error) bool { return KindOf(err) == KindNotSupported }
