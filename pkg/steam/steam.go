// Package steam looks up games by title. Only what a cart needs is decoded: the
// app id and the display name.
package steam

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultCommunityURL = "https://steamcommunity.com/actions/SearchApps"
	DefaultStoreURL     = "https://store.steampowered.com/api/storesearch/"

	// MaxResults caps what Search returns.
	MaxResults = 100
)

type App struct {
	AppID string `json:"appid"`
	Name  string `json:"name"`
}

type Client struct {
	HTTP         *http.Client
	CommunityURL string
	StoreURL     string
	UserAgent    string
	Logger       zerolog.Logger
}

func New(logger zerolog.Logger) *Client {
	return &Client{
		HTTP:         &http.Client{Timeout: 30 * time.Second},
		CommunityURL: DefaultCommunityURL,
		StoreURL:     DefaultStoreURL,
		UserAgent:    "Mozilla/5.0",
		Logger:       logger.With().Str("component", "steam").Logger(),
	}
}

// Search queries the community quick-search endpoint and falls back to store search
// when that fails. Entries without an id or a name are dropped.
func (c *Client) Search(ctx context.Context, term string) ([]App, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, fmt.Errorf("empty search term")
	}
	apps, err := c.community(ctx, term)
	if err != nil {
		c.Logger.Warn().Err(err).Str("term", term).Msg("community search failed, trying store search")
		apps, err = c.store(ctx, term)
		if err != nil {
			return nil, err
		}
	}
	out := make([]App, 0, len(apps))
	for _, a := range apps {
		if a.AppID == "" || a.Name == "" {
			continue
		}
		out = append(out, a)
		if len(out) == MaxResults {
			break
		}
	}
	return out, nil
}

// flexID accepts both "620" and 620.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

func (c *Client) community(ctx context.Context, term string) ([]App, error) {
	var raw []struct {
		AppID flexID `json:"appid"`
		Name  string `json:"name"`
	}
	u := strings.TrimRight(c.CommunityURL, "/") + "/" + url.PathEscape(term)
	if err := c.getJSON(ctx, u, &raw); err != nil {
		return nil, err
	}
	out := make([]App, 0, len(raw))
	for _, r := range raw {
		out = append(out, App{AppID: string(r.AppID), Name: r.Name})
	}
	return out, nil
}

func (c *Client) store(ctx context.Context, term string) ([]App, error) {
	var raw struct {
		Items []struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
		} `json:"items"`
	}
	q := url.Values{"term": {term}, "cc": {"us"}, "l": {"en"}}
	if err := c.getJSON(ctx, c.StoreURL+"?"+q.Encode(), &raw); err != nil {
		return nil, err
	}
	out := make([]App, 0, len(raw.Items))
	for _, it := range raw.Items {
		if it.ID == 0 {
			continue
		}
		out = append(out, App{AppID: strconv.FormatInt(it.ID, 10), Name: it.Name})
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.UserAgent)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", u, resp.StatusCode)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(v)
}
