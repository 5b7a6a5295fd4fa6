package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"bridge.linelead.io/common"
	"bridge.linelead.io/model"
)

// HTTPEntityExtractor calls the external LLM extraction service. The service
// accepts the document text and responds with raw entities and relationships
// carrying local ids.
type HTTPEntityExtractor struct {
	baseURL string
	client  *http.Client
}

// NewHTTPEntityExtractor creates a client for the extraction service.
func NewHTTPEntityExtractor(baseURL string, timeout time.Duration) *HTTPEntityExtractor {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPEntityExtractor{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type extractRequest struct {
	SourceDocument string     `json:"source_document"`
	Pages          []PageText `json:"pages"`
}

// ExtractEntities implements EntityExtractor.
func (e *HTTPEntityExtractor) ExtractEntities(ctx context.Context, sourceDocument string, pages []PageText) (*model.ExtractionResult, error) {
	body, err := json.Marshal(extractRequest{SourceDocument: sourceDocument, Pages: pages})
	if err != nil {
		return nil, fmt.Errorf("failed to encode extraction request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/extract", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build extraction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, common.WrapError(common.KindTimeout, err, "entity extraction timed out")
		}
		return nil, common.WrapError(common.KindTimeout, err, "entity extraction service unreachable")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return nil, common.NewError(common.KindTimeout, "extraction service returned %d", resp.StatusCode)
	default:
		return nil, common.NewError(common.KindExtractionFailed, "extraction service rejected document (%d)", resp.StatusCode)
	}

	var result model.ExtractionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, common.WrapError(common.KindExtractionFailed, err, "undecodable extraction response")
	}
	return &result, nil
}
