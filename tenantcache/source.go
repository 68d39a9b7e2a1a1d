package tenantcache

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
)

// HTTPLineSource returns a Source reading one tenant name per line from url,
// e.g. a raw channel list file. Names are lowercased and blank lines skipped.
// A non-2xx response is an error so the cache keeps its previous set.
func HTTPLineSource(url string, client *http.Client) Source {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) ([]string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("channel list fetch: unexpected status %s", resp.Status)
		}

		var names []string
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			name := strings.ToLower(strings.TrimSpace(sc.Text()))
			if name == "" {
				continue
			}
			names = append(names, name)
		}
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return names, nil
	}
}
