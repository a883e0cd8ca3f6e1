package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"routeclient/pkg/coderr"
)

// RPCPathPrefix is where tablet servers expose their methods: POST /rpc/{method}.
const RPCPathPrefix = "/rpc/"

// HTTPHandle реализует Handle поверх HTTP/JSON запросов к tablet server.
type HTTPHandle struct {
	endpoint string
	baseURL  string
	client   *http.Client
}

var _ Handle = (*HTTPHandle)(nil)

func NewHTTPHandle(endpoint, baseURL string, client *http.Client) *HTTPHandle {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPHandle{
		endpoint: endpoint,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
	}
}

func (h *HTTPHandle) Endpoint() string { return h.endpoint }

func (h *HTTPHandle) SendAsync(ctrl *Controller, method string, req, resp any, done func(error)) {
	ctx, cancel := ctrl.Begin()
	go func() {
		defer cancel()
		done(h.call(ctx, method, req, resp))
	}()
}

func (h *HTTPHandle) call(ctx context.Context, method string, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return errors.Wrapf(err, "encode %s request", method)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+RPCPathPrefix+method, bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "create %s request", method)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		return classifyCallError(ctx, h.endpoint, method, err)
	}
	defer httpResp.Body.Close()

	switch httpResp.StatusCode {
	case http.StatusOK:
	case http.StatusServiceUnavailable:
		b, _ := io.ReadAll(httpResp.Body)
		return coderr.Newf(coderr.ServiceUnavailable, "%s on %s: %s", method, h.endpoint, strings.TrimSpace(string(b)))
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return coderr.Newf(coderr.TimedOut, "%s on %s: remote timeout", method, h.endpoint)
	default:
		b, _ := io.ReadAll(httpResp.Body)
		return coderr.Newf(coderr.Internal, "%s on %s failed: %d: %s", method, h.endpoint, httpResp.StatusCode, strings.TrimSpace(string(b)))
	}

	if resp == nil {
		return nil
	}
	if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		return errors.Wrapf(err, "decode %s response", method)
	}
	return nil
}

func classifyCallError(ctx context.Context, endpoint, method string, err error) error {
	switch ctx.Err() {
	case context.Canceled:
		return coderr.Newf(coderr.Aborted, "%s on %s canceled", method, endpoint)
	case context.DeadlineExceeded:
		return coderr.Newf(coderr.TimedOut, "%s on %s timed out", method, endpoint)
	}
	return errors.Wrap(coderr.Newf(coderr.NetworkError, "%s on %s: %v", method, endpoint, err), "http transport")
}

// HTTPDialer создает HTTPHandle для "host:port".
type HTTPDialer struct {
	Scheme string
	Client *http.Client
}

var _ Dialer = HTTPDialer{}

func (d HTTPDialer) Dial(endpoint string) (Handle, error) {
	if endpoint == "" {
		return nil, coderr.NewCodeError(coderr.InvalidArgument, "empty endpoint")
	}
	scheme := d.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return NewHTTPHandle(endpoint, fmt.Sprintf("%s://%s", scheme, endpoint), d.Client), nil
}
