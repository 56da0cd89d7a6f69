package ledger

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Client delivers one record to the ledger.
type Client interface {
	Send(ctx context.Context, rec Record) Outcome
}

// Config holds ledger connection and delivery settings.
type Config struct {
	URL                string        `yaml:"url"`
	CAFile             string        `yaml:"ca_file"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	Token              string        `yaml:"token"`
	Timeout            time.Duration `yaml:"timeout"`         // SendAndWait bound
	DrainTimeout       time.Duration `yaml:"drain_timeout"`   // DrainOne bound
	OutboxCapacity     int           `yaml:"outbox_capacity"` // async records held
	MaxAttempts        int           `yaml:"max_attempts"`    // per async record
}

// Defaults fills unset fields.
func (c *Config) Defaults() {
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 8 * time.Second
	}
	if c.OutboxCapacity == 0 {
		c.OutboxCapacity = 64
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 1
	}
}

// maxResponseBody bounds how much of a ledger reply is inspected.
const maxResponseBody = 4096

// HTTPClient posts records as JSON over HTTPS.
type HTTPClient struct {
	url      string
	username string
	password string
	token    string
	http     *http.Client
}

// NewHTTPClient builds a client from cfg. Redirects are not followed so
// that a 302 from the ledger counts as accepted.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("ledger url missing")
	}

	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build TLS config: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig

	return &HTTPClient{
		url:      cfg.URL,
		username: cfg.Username,
		password: cfg.Password,
		token:    cfg.Token,
		http: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA cert: %w", err)
		}
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = caPool
	}
	return tlsConfig, nil
}

// Send implements Client.Send.
func (c *HTTPClient) Send(ctx context.Context, rec Record) Outcome {
	logger := log.WithFields(log.Fields{"uid": rec.UID, "type": rec.Type})

	body, err := json.Marshal(rec)
	if err != nil {
		logger.Errorf("Ledger encode: %v", err)
		return NetworkFailure
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		logger.Errorf("Ledger request: %v", err)
		return NetworkFailure
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.username != "":
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		logger.Warnf("Ledger transport failure: %v", err)
		return NetworkFailure
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusFound {
		logger.Warnf("Ledger status failure: %d", resp.StatusCode)
		return NetworkFailure
	}

	if resp.StatusCode == http.StatusOK {
		reply, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err == nil && refused(reply) {
			logger.Warnf("Ledger rejected record: %s", strings.TrimSpace(string(reply)))
			return Rejected
		}
	}

	logger.Debugf("Ledger accepted (%d)", resp.StatusCode)
	return Accepted
}

// refused reports whether a 200 reply body carries an explicit refusal.
// Bodies that are not JSON objects count as acceptance.
func refused(body []byte) bool {
	var reply struct {
		Success *bool  `json:"success"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return false
	}
	if reply.Success != nil && !*reply.Success {
		return true
	}
	switch strings.ToLower(reply.Status) {
	case "rejected", "error":
		return true
	}
	return false
}
