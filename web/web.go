package web

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/text/unicode/norm"

	"github.com/ShoshinNikita/drawcache/drawcache"
	"github.com/ShoshinNikita/drawcache/pkg/rlog"
)

const (
	defaultImageSize = 256
	maxImageSize     = 4096
)

type Drawer interface {
	DrawAsync(
		key drawcache.Key, size drawcache.Size, background color.Color,
		drawFn drawcache.DrawFn, done drawcache.CompletionFn,
	) error
	DrawSync(key drawcache.Key, size drawcache.Size, background color.Color, drawFn drawcache.DrawFn) (image.Image, error)
}

type Server struct {
	httpServer *http.Server

	drawer Drawer
}

func NewServer(cfg drawcache.Config, drawer Drawer) *Server {
	s := &Server{
		drawer: drawer,
	}

	mux := http.NewServeMux()

	// API
	mux.HandleFunc("GET /api/placeholder/{key}", s.handlePlaceholder)

	// Debug
	mux.Handle("/debug/metrics", promhttp.Handler())

	handler := loggingMiddleware(mux)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.ServerPort),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	rlog.Infof("start web server on %q", s.httpServer.Addr)

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type placeholderRequest struct {
	key        drawcache.Key
	size       drawcache.Size
	background color.NRGBA
	async      bool
}

// handlePlaceholder draws a placeholder image for the key and responds with .png.
//
// Query params:
//   - w, h: image size, 256 by default
//   - bg: background color, RRGGBB or RRGGBBAA, transparent by default
//   - mode: sync (default) or async
func (s *Server) handlePlaceholder(w http.ResponseWriter, r *http.Request) {
	req, err := parsePlaceholderRequest(r.PathValue("key"), r.URL.Query())
	if err != nil {
		writeBadRequestError(w, "%s", err)
		return
	}

	drawFn := newPlaceholderDrawFn(req.key)

	var img image.Image
	if req.async {
		img, err = s.drawAsync(r.Context(), req, drawFn)
	} else {
		img, err = s.drawer.DrawSync(req.key, req.size, req.background, drawFn)
	}
	if err != nil {
		writeInternalServerError(w, "couldn't draw placeholder: %s", err)
		return
	}

	buf := bytes.NewBuffer(nil)
	if err := png.Encode(buf, img); err != nil {
		writeInternalServerError(w, "couldn't encode placeholder: %s", err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	setCacheHeaders(w, 30*24*time.Hour, hashKey(req.key))

	copyResponse(w, buf)
}

func (s *Server) drawAsync(ctx context.Context, req placeholderRequest, drawFn drawcache.DrawFn) (image.Image, error) {
	type result struct {
		img image.Image
		err error
	}
	resCh := make(chan result, 1)

	err := s.drawer.DrawAsync(req.key, req.size, req.background, drawFn, func(img image.Image, err error) {
		resCh <- result{img, err}
	})
	if err != nil {
		return nil, err
	}

	select {
	case res := <-resCh:
		return res.img, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func parsePlaceholderRequest(rawKey string, query url.Values) (req placeholderRequest, err error) {
	if rawKey == "" {
		return req, errors.New("key can't be empty")
	}

	parseSize := func(param string) (int, error) {
		value := query.Get(param)
		if value == "" {
			return defaultImageSize, nil
		}
		size, err := strconv.Atoi(value)
		if err != nil || size <= 0 || size > maxImageSize {
			return 0, fmt.Errorf("%q must be in range [1, %d]", param, maxImageSize)
		}
		return size, nil
	}
	req.size.Width, err = parseSize("w")
	if err != nil {
		return req, err
	}
	req.size.Height, err = parseSize("h")
	if err != nil {
		return req, err
	}

	if bg := query.Get("bg"); bg != "" {
		req.background, err = parseHexColor(bg)
		if err != nil {
			return req, fmt.Errorf("invalid background color: %w", err)
		}
	}

	switch mode := query.Get("mode"); mode {
	case "", "sync":
	case "async":
		req.async = true
	default:
		return req, fmt.Errorf("invalid mode %q, valid values: sync, async", mode)
	}

	// Keys with the same text but different unicode forms must hit the same image.
	key := norm.NFC.String(rawKey)

	bg := req.background
	req.key = drawcache.Key(fmt.Sprintf(
		"placeholder/%s/%s/%02x%02x%02x%02x", key, req.size, bg.R, bg.G, bg.B, bg.A,
	))

	return req, nil
}

// parseHexColor parses colors in format RRGGBB or RRGGBBAA.
func parseHexColor(s string) (color.NRGBA, error) {
	if len(s) != 6 && len(s) != 8 {
		return color.NRGBA{}, errors.New("color must be in format RRGGBB or RRGGBBAA")
	}
	if len(s) == 6 {
		s += "ff"
	}

	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("couldn't parse hex: %w", err)
	}
	return color.NRGBA{
		R: uint8(v >> 24),
		G: uint8(v >> 16),
		B: uint8(v >> 8),
		A: uint8(v),
	}, nil
}

func copyResponse(w io.Writer, r io.Reader) {
	_, err := io.Copy(w, r)
	if err != nil {
		rlog.Errorf("couldn't write response: %s", err)
	}
}

func writeBadRequestError(w http.ResponseWriter, format string, a ...any) {
	writeError(w, http.StatusBadRequest, format, a...)
}

func writeInternalServerError(w http.ResponseWriter, format string, a ...any) {
	writeError(w, http.StatusInternalServerError, format, a...)
}

func writeError(w http.ResponseWriter, code int, format string, a ...any) {
	http.Error(w, fmt.Sprintf(format, a...), code)
}
