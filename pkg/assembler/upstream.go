package assembler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// TokenSource is the opaque upstream that turns a prompt into a
// chunked stream of text.
type TokenSource interface {
	// Stream opens a generation. The returned body yields raw text
	// chunks; reading it suspends until the next chunk arrives and is
	// aborted by canceling ctx.
	Stream(ctx context.Context, prompt, model string) (io.ReadCloser, error)
}

// ErrUpstream marks token-source connection failures and non-2xx
// answers; both are fatal for the generation that triggered them.
var ErrUpstream = errors.New("upstream token source failed")

// HTTPTokenSource posts {prompt, model} to a model endpoint and
// streams the chunked text body back.
type HTTPTokenSource struct {
	url    string
	client *http.Client
}

var _ TokenSource = &HTTPTokenSource{}

func NewHTTPTokenSource(url string) (*HTTPTokenSource, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("token source: empty url")
	}
	return &HTTPTokenSource{
		url: url,
		// No overall client timeout: the generation ceiling lives in
		// the producer context; a fixed Timeout here would also cut
		// off slow-but-healthy streams.
		client: &http.Client{Transport: &http.Transport{ResponseHeaderTimeout: 30 * time.Second}},
	}, nil
}

func (s *HTTPTokenSource) Stream(ctx context.Context, prompt, model string) (io.ReadCloser, error) {
	body, err := json.Marshal(map[string]string{"prompt": prompt, "model": model})
	if err != nil {
		return nil, errors.Wrap(err, "token source: encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "token source: build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.WithMessage(ErrUpstream, err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return nil, errors.WithMessagef(ErrUpstream, "status %d", resp.StatusCode)
	}
	if resp.Body == nil {
		return nil, errors.WithMessage(ErrUpstream, "empty body")
	}
	return resp.Body, nil
}
