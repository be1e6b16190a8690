package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/gastronom/gastronom/internal/catalog"
)

// Source yields the current master export.
type Source interface {
	Fetch(ctx context.Context) ([]catalog.RawRecord, error)
}

// HTTPSource downloads the export over HTTP. Requests are throttled so a
// retry storm cannot hammer the point-of-sale box.
type HTTPSource struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	reader  *Reader
	logger  *slog.Logger
}

// NewHTTPSource builds an HTTPSource allowing rps requests per second.
func NewHTTPSource(url string, reader *Reader, rps float64, logger *slog.Logger) *HTTPSource {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSource{
		url:     url,
		client:  &http.Client{Timeout: 2 * time.Minute},
		limiter: rate.NewLimiter(limit, 1),
		reader:  reader,
		logger:  logger,
	}
}

// Fetch downloads and parses the export.
func (s *HTTPSource) Fetch(ctx context.Context) ([]catalog.RawRecord, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("feed: build request: %w", err)
	}
	started := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("feed: fetch: unexpected status %d", resp.StatusCode)
	}
	records, err := s.reader.Read(resp.Body)
	if err != nil {
		return nil, err
	}
	s.logger.Info("feed fetched", slog.Int("records", len(records)), slog.Duration("duration", time.Since(started)))
	return records, nil
}

// FileSource reads an export from disk, used for manual imports.
type FileSource struct {
	path   string
	reader *Reader
}

// NewFileSource builds a FileSource.
func NewFileSource(path string, reader *Reader) *FileSource {
	return &FileSource{path: path, reader: reader}
}

// Fetch reads and parses the file.
func (s *FileSource) Fetch(_ context.Context) ([]catalog.RawRecord, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("feed: open %s: %w", s.path, err)
	}
	defer f.Close()
	return s.reader.Read(f)
}
