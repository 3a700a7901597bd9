package configstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/bridgectl/pkg/client"
)

// Endpoint holds the parameters a bridge needs to open both of its sides.
type Endpoint struct {
	Host      string `json:"host" mapstructure:"host"`
	Port      int    `json:"port" mapstructure:"port"`
	LocalPort int    `json:"local_port,omitempty" mapstructure:"local_port"`
	Device    string `json:"device,omitempty" mapstructure:"device"`
	BaudRate  int    `json:"baud_rate,omitempty" mapstructure:"baud_rate"`
}

// Configuration describes one bridge between a local channel and a network endpoint.
type Configuration struct {
	ID       string   `json:"id" mapstructure:"id"`
	Name     string   `json:"name" mapstructure:"name"`
	Type     string   `json:"type" mapstructure:"type"`
	Endpoint Endpoint `json:"endpoint" mapstructure:"endpoint"`
}

// Problems lists every completeness violation of a configuration.
type Problems []string

func (p Problems) Error() string { return strings.Join(p, "; ") }

// Validate checks that the configuration carries every field its type requires.
// It returns Problems or nil.
func (c Configuration) Validate() error {
	var p Problems
	if strings.TrimSpace(c.ID) == "" {
		p = append(p, "id is required")
	}
	if strings.TrimSpace(c.Name) == "" {
		p = append(p, "name is required")
	}
	if strings.TrimSpace(c.Endpoint.Host) == "" {
		p = append(p, "endpoint host is required")
	}
	if !validPort(c.Endpoint.Port) {
		p = append(p, fmt.Sprintf("endpoint port %d out of range", c.Endpoint.Port))
	}
	switch strings.ToLower(c.Type) {
	case client.TypeSerial:
		if strings.TrimSpace(c.Endpoint.Device) == "" {
			p = append(p, "serial device is required")
		}
		if c.Endpoint.BaudRate <= 0 {
			p = append(p, "baud rate must be positive")
		}
	case client.TypeTCP, client.TypeUDP:
		if !validPort(c.Endpoint.LocalPort) {
			p = append(p, fmt.Sprintf("local port %d out of range", c.Endpoint.LocalPort))
		}
	case "":
		p = append(p, "type is required")
	default:
		p = append(p, fmt.Sprintf("unknown type %q", c.Type))
	}
	if len(p) == 0 {
		return nil
	}
	return p
}

func validPort(p int) bool { return p > 0 && p <= 65535 }

// ErrNotFound is returned when a configuration id is unknown.
var ErrNotFound = errors.New("configuration not found")
