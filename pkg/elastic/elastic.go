package elastic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	es8 "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
)

const DefaultIndex = "squirrelrun_launches"

type Config struct {
	URL       string
	Username  string
	Password  string
	Index     string
	Transport http.RoundTripper
}

type Client struct {
	es    *es8.Client
	index string
}

// LaunchDocument is what gets indexed for one finished launch.
type LaunchDocument struct {
	Name            string            `json:"name"`
	Profile         string            `json:"profile"`
	Mode            string            `json:"mode"`
	GPUs            string            `json:"gpus"`
	Resume          string            `json:"resume"`
	Mechanism       string            `json:"mechanism"`
	Argv            []string          `json:"argv"`
	Flags           map[string]string `json:"flags"`
	Status          string            `json:"status"`
	ExitCode        int               `json:"exit_code"`
	StartedAt       time.Time         `json:"started_at"`
	FinishedAt      time.Time         `json:"finished_at"`
	DurationSeconds float64           `json:"duration_seconds"`
}

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("elasticsearch URL is required")
	}
	index := cfg.Index
	if strings.TrimSpace(index) == "" {
		index = DefaultIndex
	}

	es, err := es8.NewClient(es8.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	// Lightweight ping
	res, err := es.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to elasticsearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch ping failed: %s", res.Status())
	}

	return &Client{es: es, index: index}, nil
}

func (c *Client) Index() string {
	return c.index
}

func (c *Client) IndexLaunch(ctx context.Context, doc LaunchDocument) error {
	res, err := c.es.Index(
		c.index,
		esutil.NewJSONReader(doc),
		c.es.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to index launch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 500))
		return fmt.Errorf("index request failed: %s: %s", res.Status(), strings.TrimSpace(string(body)))
	}

	return nil
}
