// Package googlefit connects Google Fit accounts: OAuth authorization,
// paginated dataset import and the platform's merge strategy.
package googlefit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/vitalsync/server/pkg/importer"
	"github.com/vitalsync/server/pkg/infrastructure/httputil"
	"github.com/vitalsync/server/pkg/tokens"
	"github.com/vitalsync/server/pkg/types"
)

const (
	defaultBaseURL = "https://www.googleapis.com/fitness/v1"

	// AuthURL and TokenURL are Google's OAuth 2.0 endpoints.
	AuthURL  = "https://accounts.google.com/o/oauth2/auth"
	TokenURL = "https://oauth2.googleapis.com/token"

	// Scope grants read access to all fitness data types.
	Scope = "https://www.googleapis.com/auth/fitness.activity.read"

	defaultPageSize = 1000
)

// Client pages through the Google Fit REST API for one user. The HTTP client
// is expected to carry the tokens.Transport, so 401s already went through one
// force-refresh before they reach us.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	PageSize   int

	// window bounds how far back a first import reaches.
	Lookback time.Duration
}

func NewClient(httpClient *http.Client) *Client {
	return &Client{
		HTTPClient: httpClient,
		BaseURL:    defaultBaseURL,
		PageSize:   defaultPageSize,
		Lookback:   30 * 24 * time.Hour,
	}
}

type dataSourceList struct {
	DataSource []struct {
		DataStreamID string `json:"dataStreamId"`
		DataType     struct {
			Name string `json:"name"`
		} `json:"dataType"`
	} `json:"dataSource"`
}

// ListStreams enumerates the user's data sources.
func (c *Client) ListStreams(ctx context.Context) ([]importer.Stream, error) {
	var list dataSourceList
	if err := c.get(ctx, c.BaseURL+"/users/me/dataSources", &list); err != nil {
		return nil, err
	}

	streams := make([]importer.Stream, 0, len(list.DataSource))
	for _, ds := range list.DataSource {
		streams = append(streams, importer.Stream{
			ID:   ds.DataStreamID,
			Kind: ds.DataType.Name,
		})
	}
	return streams, nil
}

type datasetResponse struct {
	NextPageToken string `json:"nextPageToken"`
	Point         []struct {
		EndTimeNanos json.Number     `json:"endTimeNanos"`
		DataTypeName string          `json:"dataTypeName"`
		Value        json.RawMessage `json:"value"`
	} `json:"point"`
}

// FetchPage reads one page of a stream's dataset from the cursor's watermark
// to now. An exhausted stream comes back with no records and no page token.
func (c *Client) FetchPage(ctx context.Context, stream importer.Stream, cursor types.ImportCursor) (*importer.Page, error) {
	now := time.Now()
	from := cursor.Watermark
	if from.IsZero() {
		from = now.Add(-c.Lookback)
	}
	datasetID := fmt.Sprintf("%d-%d", from.UnixNano(), now.UnixNano())

	u := fmt.Sprintf("%s/users/me/dataSources/%s/datasets/%s?limit=%d",
		c.BaseURL, url.PathEscape(stream.ID), datasetID, c.pageSize())
	if cursor.PageToken != "" {
		u += "&pageToken=" + url.QueryEscape(cursor.PageToken)
	}

	var ds datasetResponse
	if err := c.get(ctx, u, &ds); err != nil {
		return nil, err
	}

	page := &importer.Page{NextPageToken: ds.NextPageToken}
	for _, point := range ds.Point {
		endNanos, err := point.EndTimeNanos.Int64()
		if err != nil {
			continue
		}
		ts := time.Unix(0, endNanos)

		payload, err := json.Marshal(map[string]interface{}{
			"data_type": point.DataTypeName,
			"value":     point.Value,
		})
		if err != nil {
			continue
		}

		page.Records = append(page.Records, importer.Record{
			ID:        fmt.Sprintf("%s:%d", stream.ID, endNanos),
			Kind:      point.DataTypeName,
			Timestamp: ts,
			Payload:   payload,
		})
		if ts.After(page.Watermark) {
			page.Watermark = ts
		}
	}
	return page, nil
}

func (c *Client) pageSize() int {
	if c.PageSize <= 0 {
		return defaultPageSize
	}
	return c.PageSize
}

func (c *Client) get(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		// Token refresh failures ride along inside the transport error.
		if errors.Is(err, tokens.ErrReauthorizationRequired) {
			return err
		}
		return fmt.Errorf("googlefit request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := httputil.ParseErrorResponse(resp); err != nil {
		var httpErr *httputil.HTTPError
		if errors.As(err, &httpErr) && httpErr.IsAuthStatus() {
			// The transport already retried once with a fresh token; a second
			// 401/403 means access is gone.
			return fmt.Errorf("%v: %w", err, tokens.ErrReauthorizationRequired)
		}
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode googlefit response: %w", err)
	}
	return nil
}
