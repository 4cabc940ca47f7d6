package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/devrev/engagement/internal/model"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// SearchIndexOptions configures the HTTP search index client
type SearchIndexOptions struct {
	Endpoint         string
	Index            string
	Timeout          time.Duration
	MaxRequests      uint32
	Interval         time.Duration
	OpenTimeout      time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// StatusError is a non-2xx response from the search index
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("search index returned %d: %s", e.StatusCode, e.Body)
}

// HTTPSearchIndex upserts documents through the index's JSON document API.
// Calls go through a circuit breaker so a down index does not slow every
// reconciliation repair.
type HTTPSearchIndex struct {
	client   *http.Client
	endpoint string
	index    string
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger
}

// NewHTTPSearchIndex creates a new search index client
func NewHTTPSearchIndex(opts SearchIndexOptions, logger *zap.Logger) *HTTPSearchIndex {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "search-index",
		MaxRequests: opts.MaxRequests,
		Interval:    opts.Interval,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Only trip if we have enough requests to make a decision
			if counts.Requests < opts.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= opts.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// A rejected document is our problem, not the index being down
			var statusErr *StatusError
			if errors.As(err, &statusErr) {
				return statusErr.StatusCode < http.StatusInternalServerError
			}
			return err == nil
		},
	})

	return &HTTPSearchIndex{
		client:   &http.Client{Timeout: opts.Timeout},
		endpoint: opts.Endpoint,
		index:    opts.Index,
		breaker:  breaker,
		logger:   logger,
	}
}

// UpsertDocument writes the document under id {type}-{id}
func (s *HTTPSearchIndex) UpsertDocument(ctx context.Context, doc model.SearchDocument) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode search document: %w", err)
	}

	docID := fmt.Sprintf("%s-%d", doc.Type, doc.ID)
	target, err := url.JoinPath(s.endpoint, s.index, "_doc", docID)
	if err != nil {
		return fmt.Errorf("failed to build search index url: %w", err)
	}

	_, err = s.breaker.Execute(func() (interface{}, error) {
		return nil, s.put(ctx, target, body)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert search document %s: %w", docID, err)
	}

	s.logger.Debug("Search document upserted", zap.String("doc_id", docID))
	return nil
}

func (s *HTTPSearchIndex) put(ctx context.Context, target string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(msg)}
}

// NoopSearchIndex is used when no search index is configured
type NoopSearchIndex struct{}

// UpsertDocument does nothing
func (NoopSearchIndex) UpsertDocument(context.Context, model.SearchDocument) error {
	return nil
}
