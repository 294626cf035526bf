package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v9"

	"github.com/basemap/auth-service/internal/events"
)

type Config struct {
	URL      string
	Username string
	Password string
	Index    string
}

// Sink indexes auth events into Elasticsearch so security reviews can
// search them by user and time.
type Sink struct {
	client *elasticsearch.Client
	index  string
}

func NewSink(cfg Config) (*Sink, error) {
	esCfg := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}

	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch client: %w", err)
	}

	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("elasticsearch info: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch error: %s", res.Status())
	}

	return &Sink{client: client, index: cfg.Index}, nil
}

func (s *Sink) Index(ctx context.Context, ev events.UserEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}

	res, err := s.client.Index(s.index, bytes.NewReader(data), s.client.Index.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("audit: index event: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("audit: index event: %s", res.Status())
	}
	return nil
}
