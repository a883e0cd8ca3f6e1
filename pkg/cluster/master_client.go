package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"routeclient/pkg/coderr"
	"routeclient/pkg/metacache"
	"routeclient/pkg/types"
)

// LocationsResponse is the body of both master location endpoints.
type LocationsResponse struct {
	Tablets []metacache.TabletLocation `json:"tablets"`
}

// TabletLocationsRequest is the body of POST /api/tablets/locations.
type TabletLocationsRequest struct {
	TabletIDs []types.TabletID `json:"tablet_ids"`
}

// MasterClient реализует metacache.Directory поверх HTTP API мастера.
type MasterClient struct {
	baseURL    string
	httpClient *http.Client
}

var _ metacache.Directory = (*MasterClient)(nil)

// NewMasterClient создает клиент для мастера по адресу baseURL.
func NewMasterClient(baseURL string, client *http.Client) *MasterClient {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &MasterClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
	}
}

func (c *MasterClient) GetTableLocations(ctx context.Context, table types.TableID, partitionStart string, maxLocations int) ([]metacache.TabletLocation, error) {
	q := url.Values{}
	q.Set("start", partitionStart)
	if maxLocations > 0 {
		q.Set("max", strconv.Itoa(maxLocations))
	}
	reqURL := c.baseURL + "/api/tables/" + url.PathEscape(string(table)) + "/locations?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create table locations request")
	}
	return c.do(ctx, req)
}

func (c *MasterClient) GetTabletLocations(ctx context.Context, ids []types.TabletID) ([]metacache.TabletLocation, error) {
	body, err := json.Marshal(TabletLocationsRequest{TabletIDs: ids})
	if err != nil {
		return nil, errors.Wrap(err, "encode tablet locations request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/tablets/locations", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "create tablet locations request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(ctx, req)
}

func (c *MasterClient) do(ctx context.Context, req *http.Request) ([]metacache.TabletLocation, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		switch ctx.Err() {
		case context.Canceled:
			return nil, coderr.Newf(coderr.Aborted, "master request canceled")
		case context.DeadlineExceeded:
			return nil, coderr.Newf(coderr.TimedOut, "master request timed out")
		}
		return nil, errors.Wrap(coderr.Newf(coderr.NetworkError, "%v", err), "master request")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	case http.StatusServiceUnavailable:
		b, _ := io.ReadAll(resp.Body)
		return nil, coderr.Newf(coderr.ServiceUnavailable, "master: %s", strings.TrimSpace(string(b)))
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return nil, coderr.Newf(coderr.TimedOut, "master: remote timeout")
	default:
		b, _ := io.ReadAll(resp.Body)
		return nil, coderr.Newf(coderr.Internal, "master request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out LocationsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(coderr.Newf(coderr.IllegalState, "%v", err), "decode master response")
	}
	return out.Tablets, nil
}
