package artwork

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"net/http"
	"strings"

	"github.com/google/renameio/v2"
	"golang.org/x/image/draw"
)

// SteamGridDB looks the Steam app up on SteamGridDB and saves its first icon as is.
type SteamGridDB struct {
	HTTP    *http.Client
	BaseURL string
	Key     string
}

func (s *SteamGridDB) Name() string { return "steamgriddb" }

type sgdbResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

func (s *SteamGridDB) Fetch(ctx context.Context, appID string, t Target) error {
	if s.Key == "" || appID == "" {
		return errSkip
	}
	hdr := http.Header{"Authorization": {"Bearer " + s.Key}}
	base := strings.TrimRight(s.BaseURL, "/")

	var games []struct {
		ID int64 `json:"id"`
	}
	if err := s.getData(ctx, base+"/games/steam/"+appID, hdr, &games); err != nil {
		return err
	}
	if len(games) == 0 {
		return fmt.Errorf("no SteamGridDB game for app %s", appID)
	}
	var icons []struct {
		URL string `json:"url"`
	}
	if err := s.getData(ctx, fmt.Sprintf("%s/icons/game/%d", base, games[0].ID), hdr, &icons); err != nil {
		return err
	}
	if len(icons) == 0 || icons[0].URL == "" {
		return fmt.Errorf("no SteamGridDB icons for game %d", games[0].ID)
	}
	data, err := get(ctx, s.HTTP, icons[0].URL, nil)
	if err != nil {
		return err
	}
	return renameio.WriteFile(t.Icon, data, 0o644)
}

// The games endpoint returns a single object, the icons endpoint a list.
func (s *SteamGridDB) getData(ctx context.Context, u string, hdr http.Header, v any) error {
	body, err := get(ctx, s.HTTP, u, hdr)
	if err != nil {
		return err
	}
	var r sgdbResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return fmt.Errorf("decode %s: %w", u, err)
	}
	data := bytes.TrimSpace(r.Data)
	if len(data) > 0 && data[0] == '{' {
		data = append(append([]byte{'['}, data...), ']')
	}
	return json.Unmarshal(data, v)
}

// SteamHeader saves the store header image and scales it down into the icon.
type SteamHeader struct {
	HTTP    *http.Client
	BaseURL string
}

func (s *SteamHeader) Name() string { return "steam-header" }

func (s *SteamHeader) Fetch(ctx context.Context, appID string, t Target) error {
	if appID == "" {
		return errSkip
	}
	u := fmt.Sprintf("%s/%s/header.jpg", strings.TrimRight(s.BaseURL, "/"), appID)
	data, err := get(ctx, s.HTTP, u, nil)
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(t.Header, data, 0o644); err != nil {
		return err
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode header: %w", err)
	}
	return writePNG(t.Icon, Resize(src, t.Size))
}

// Placeholder draws a flat square so the cart still has an icon offline.
type Placeholder struct{}

func (Placeholder) Name() string { return "placeholder" }

func (Placeholder) Fetch(_ context.Context, _ string, t Target) error {
	size := t.Size
	if size <= 0 {
		size = DefaultIconSize
	}
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: 0x2b, G: 0x2d, B: 0x42, A: 0xff}}, image.Point{}, draw.Src)
	return writePNG(t.Icon, img)
}

// Resize scales src to a size x size square with Catmull-Rom filtering. Aspect ratio
// is not preserved.
func Resize(src image.Image, size int) *image.RGBA {
	if size <= 0 {
		size = DefaultIconSize
	}
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}

func writePNG(path string, img image.Image) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return err
	}
	if buf.Len() == 0 {
		return errors.New("empty png")
	}
	return renameio.WriteFile(path, buf.Bytes(), 0o644)
}
