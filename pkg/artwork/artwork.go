// Package artwork produces kazeta/icon.png (and, when Steam has one, kazeta/header.jpg)
// from the first provider that succeeds. A placeholder always succeeds last, so a cart
// is never left without an icon.
package artwork

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/shell"
)

const (
	IconFile   = "icon.png"
	HeaderFile = "header.jpg"

	DefaultIconSize      = 64
	DefaultSteamGridDB   = "https://www.steamgriddb.com/api/v2"
	DefaultSteamAssetURL = "https://shared.fastly.steamstatic.com/store_item_assets/steam/apps"

	maxImageBytes = 32 << 20
)

// errSkip means a provider had nothing to try (no key, no app id).
var errSkip = errors.New("provider not applicable")

// Target names the files a provider writes.
type Target struct {
	Icon   string
	Header string
	Size   int
}

// TargetIn returns the standard art paths under a cart's kazeta/ directory.
func TargetIn(kazetaDir string, size int) Target {
	if size <= 0 {
		size = DefaultIconSize
	}
	return Target{
		Icon:   filepath.Join(kazetaDir, IconFile),
		Header: filepath.Join(kazetaDir, HeaderFile),
		Size:   size,
	}
}

type Provider interface {
	Name() string
	Fetch(ctx context.Context, appID string, t Target) error
}

// Chain runs providers in order and stops at the first success.
type Chain struct {
	Providers []Provider
	Logger    zerolog.Logger
}

type Options struct {
	SteamGridDBKey  string
	SteamGridDBURL  string
	SteamAssetURL   string
	Timeout         time.Duration
	PlaceholderOnly bool
}

func NewChain(opts Options, logger zerolog.Logger) *Chain {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	hc := &http.Client{Timeout: timeout}
	var ps []Provider
	if !opts.PlaceholderOnly {
		ps = append(ps,
			&SteamGridDB{HTTP: hc, BaseURL: orDefault(opts.SteamGridDBURL, DefaultSteamGridDB), Key: opts.SteamGridDBKey},
			&SteamHeader{HTTP: hc, BaseURL: orDefault(opts.SteamAssetURL, DefaultSteamAssetURL)},
		)
	}
	ps = append(ps, Placeholder{})
	return &Chain{Providers: ps, Logger: logger.With().Str("component", "artwork").Logger()}
}

// Fetch returns the name of the provider that produced the icon. Failures of earlier
// providers are reported to the context sink and the log, never returned.
func (c *Chain) Fetch(ctx context.Context, appID string, t Target) (string, error) {
	sink := shell.SinkFrom(ctx)
	var last error
	for _, p := range c.Providers {
		err := p.Fetch(ctx, appID, t)
		if err == nil {
			c.Logger.Info().Str("provider", p.Name()).Str("appid", appID).Msg("artwork ready")
			return p.Name(), nil
		}
		if errors.Is(err, errSkip) {
			continue
		}
		last = err
		sink(fmt.Sprintf("%s artwork failed: %v", p.Name(), err))
		c.Logger.Warn().Err(err).Str("provider", p.Name()).Msg("artwork provider failed")
	}
	if last == nil {
		last = errors.New("no artwork provider configured")
	}
	return "", last
}

func orDefault(v, d string) string {
	if v == "" {
		return d
	}
	return v
}

func get(ctx context.Context, hc *http.Client, u string, hdr http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", u, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
}
