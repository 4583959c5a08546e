package creds

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/mvales/courier/internal/relayerr"
)

const refreshTimeout = 10 * time.Second

// HTTPRefresh returns a RefreshFunc that posts the previous token to a
// refresh endpoint and extracts the replacement. Servers of different
// vintages nest the token differently; all accepted shapes are decoded
// here and nowhere else.
func HTTPRefresh(url string, client *http.Client) RefreshFunc {
	if client == nil {
		client = &http.Client{Timeout: refreshTimeout}
	}
	return func(ctx context.Context, previous string) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader("{}"))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+previous)

		resp, err := client.Do(req)
		if err != nil {
			return "", relayerr.Wrap(relayerr.KindNetwork, "refresh token", err)
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return "", relayerr.Wrap(relayerr.KindNetwork, "refresh token", err)
		}
		if resp.StatusCode != http.StatusOK {
			return "", relayerr.New(relayerr.FromStatus(resp.StatusCode), "refresh token", fmt.Sprintf("status %d", resp.StatusCode))
		}

		parsed := gjson.GetBytes(body, "access_token")
		if !parsed.Exists() {
			parsed = gjson.GetBytes(body, "data.access_token")
		}
		if !parsed.Exists() {
			parsed = gjson.GetBytes(body, "token")
		}
		if !parsed.Exists() {
			return "", relayerr.New(relayerr.KindServer, "refresh token", "no token in response")
		}
		return parsed.String(), nil
	}
}
