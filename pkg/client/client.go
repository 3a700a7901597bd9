package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/loykin/bridgectl/internal/metrics"
)

// Client talks to the remote bridge control API
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	CACert     string `mapstructure:"ca_cert"`
	ClientCert string `mapstructure:"client_cert"`
	ClientKey  string `mapstructure:"client_key"`
	ServerName string `mapstructure:"server_name"`
	SkipVerify bool   `mapstructure:"skip_verify"`
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new API client
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080/api"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// BaseURL returns the API root the client sends commands to.
func (c *Client) BaseURL() string { return c.baseURL }

// IsReachable checks if the remote service answers status queries
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.QueryStatus(ctx)
	return KindOf(err) != KindTransport
}

// Start asks the service to start a bridge of typ for configID.
func (c *Client) Start(ctx context.Context, typ, configID string) error {
	c.logger.Debug("starting instance", "type", typ, "config_id", configID)
	data, err := json.Marshal(StartRequest{Type: typ, ConfigID: configID})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.command(ctx, "start", http.MethodPost, c.baseURL+"/instances", data, nil)
}

// StopInstance stops the single instance of typ bound to configID.
// Services without targeted stop answer with KindNotSupported.
func (c *Client) StopInstance(ctx context.Context, typ, configID string) error {
	c.logger.Debug("stopping instance", "type", typ, "config_id", configID)
	u := fmt.Sprintf("%s/instances/%s/%s/stop", c.baseURL, url.PathEscape(typ), url.PathEscape(configID))
	return c.command(ctx, "stop_instance", http.MethodPost, u, nil, nil)
}

// StopAll stops every instance.
func (c *Client) StopAll(ctx context.Context) error {
	return c.command(ctx, "stop_all", http.MethodPost, c.baseURL+"/instances/stop-all", nil, nil)
}

// EmergencyStopAll forcibly terminates every instance.
func (c *Client) EmergencyStopAll(ctx context.Context) error {
	return c.command(ctx, "emergency_stop", http.MethodPost, c.baseURL+"/instances/emergency-stop", nil, nil)
}

// QueryStatus fetches the authoritative instance list.
func (c *Client) QueryStatus(ctx context.Context) (StatusSnapshot, error) {
	var snap StatusSnapshot
	err := c.command(ctx, "status", http.MethodGet, c.baseURL+"/status", nil, &snap)
	return snap, err
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

// command performs one request, decodes out on success and classifies failures.
func (c *Client) command(ctx context.Context, op, method, u string, body []byte, out any) error {
	err := c.doRequest(ctx, op, method, u, body, out)
	kind := "ok"
	if err != nil {
		kind = KindOf(err).String()
	}
	metrics.IncGatewayRequest(op, kind)
	return err
}

// doRequest performs HTTP request with common error handling
func (c *Client) doRequest(ctx context.Context, op, method, u string, body []byte, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return &APIError{Op: op, Kind: KindTransport, Err: fmt.Errorf("create request: %w", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("HTTP request failed", "op", op, "error", err, "url", u)
		return &APIError{Op: op, Kind: KindTransport, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.handleErrorResponse(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{Op: op, Kind: KindTransport, Status: resp.StatusCode, Message: "decode response", Err: err}
	}
	return nil
}

// handleErrorResponse turns a non-2xx response into an APIError
func (c *Client) handleErrorResponse(op string, resp *http.Response) error {
	var errorResp ErrorResponse
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(b, &errorResp); err != nil || errorResp.Error == "" {
		errorResp.Error = strings.TrimSpace(string(b))
		if errorResp.Error == "" {
			errorResp.Error = http.StatusText(resp.StatusCode)
		}
	}
	kind := classify(resp.StatusCode, errorResp)
	c.logger.Debug("API request failed", "op", op, "error", errorResp.Error, "status", resp.StatusCode, "kind", kind)
	return &APIError{Op: op, Kind: kind, Status: resp.StatusCode, Message: errorResp.Error}
}

// classify prefers the explicit code, then the status, and only then the
// message text for services that predate error codes.
func classify(status int, er ErrorResponse) ErrorKind {
	switch k := ErrorKind(strings.ToLower(strings.TrimSpace(er.Code))); k {
	case KindValidation, KindAddressInUse, KindDeviceNotFound, KindConfigNotFound, KindNotSupported, KindTransport:
		return k
	}
	switch status {
	case http.StatusNotImplemented:
		return KindNotSupported
	case http.StatusNotFound:
		return KindConfigNotFound
	}
	msg := strings.ToLower(er.Error)
	switch {
	case strings.Contains(msg, "address already in use"), strings.Contains(msg, "address in use"):
		return KindAddressInUse
	case strings.Contains(msg, "no such device"), strings.Contains(msg, "device not found"):
		return KindDeviceNotFound
	case strings.Contains(msg, "config not found"), strings.Contains(msg, "configuration not found"):
		return KindConfigNotFound
	case strings.Contains(msg, "not supported"):
		return KindNotSupported
	}
	if status == http.StatusBadRequest || status == http.StatusUnprocessableEntity {
		return KindValidation
	}
	return KindTransport
}
