package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/recordkeeper/recordkeeper/internal/db/models"
)

var (
	// ErrOpenSearchConnection indicates the OpenSearch client could not be created.
	ErrOpenSearchConnection = errors.New("opensearch connection failed")
	// ErrOpenSearchHealthcheck indicates the cluster is unreachable or unhealthy.
	ErrOpenSearchHealthcheck = errors.New("opensearch healthcheck failed")
)

// OpenSearchConfig holds OpenSearch shipper configuration
type OpenSearchConfig struct {
	Addresses  []string `json:"addresses"`
	Username   string   `json:"username"`
	Password   string   `json:"password"`
	Index      string   `json:"index"`
	MaxRetries int      `json:"max_retries"`
}

// OpenSearchShipper indexes each audit record as one document, keyed by the
// record id so a re-shipped record overwrites rather than duplicates.
type OpenSearchShipper struct {
	client *opensearch.Client
	index  string
}

// NewOpenSearchShipper creates an OpenSearch shipper. The cluster is not
// contacted until the first Ship or Healthcheck call.
func NewOpenSearchShipper(cfg *OpenSearchConfig) (*OpenSearchShipper, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("%w: at least one address is required", ErrOpenSearchConnection)
	}
	index := cfg.Index
	if index == "" {
		index = "audit-records"
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses:  cfg.Addresses,
		Username:   cfg.Username,
		Password:   cfg.Password,
		MaxRetries: maxRetries,
	})
	if err != nil {
		return nil, errors.Join(ErrOpenSearchConnection, err)
	}

	return &OpenSearchShipper{client: client, index: index}, nil
}

// Healthcheck calls the cluster info endpoint.
func (s *OpenSearchShipper) Healthcheck(ctx context.Context) error {
	res, err := s.client.Info(
		s.client.Info.WithContext(ctx),
		s.client.Info.WithErrorTrace(),
	)
	if err != nil {
		return errors.Join(ErrOpenSearchHealthcheck, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("%w: %s", ErrOpenSearchHealthcheck, res.Status())
	}
	return nil
}

// Ship indexes rec.
func (s *OpenSearchShipper) Ship(ctx context.Context, rec *models.AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	res, err := s.client.Index(
		s.index,
		bytes.NewReader(data),
		s.client.Index.WithDocumentID(strconv.FormatInt(rec.ID, 10)),
		s.client.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to index audit record %d: %w", rec.ID, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return fmt.Errorf("opensearch returned %s indexing record %d: %s", res.Status(), rec.ID, bytes.TrimSpace(body))
	}
	return nil
}

// Close is a no-op; the client holds no resources beyond its HTTP transport.
func (s *OpenSearchShipper) Close() error {
	return nil
}
