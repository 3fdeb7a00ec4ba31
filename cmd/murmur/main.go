package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/murmurchat/murmur/internal/bridge"
	"github.com/murmurchat/murmur/internal/config"
	"github.com/murmurchat/murmur/internal/db"
	"github.com/murmurchat/murmur/internal/rest"
	"github.com/murmurchat/murmur/internal/session"
	"github.com/murmurchat/murmur/internal/store"
	"github.com/murmurchat/murmur/internal/transport"
)

// cookieTransport attaches the configured session cookie to every REST call.
type cookieTransport struct {
	cookie string
}

func (t *cookieTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Cookie", t.cookie)
	return http.DefaultTransport.RoundTrip(req)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	var cache *db.Cache
	if cfg.CachePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.CachePath), 0700); err != nil {
			log.Fatalf("Failed to create cache directory: %v", err)
		}
		cache, err = db.NewCache(cfg.CachePath)
		if err != nil {
			log.Fatalf("Failed to open cache: %v", err)
		}
		defer cache.Close()
		log.Printf("Session %s, cache at %s", cache.SessionID(), cfg.CachePath)
	}

	var header func() map[string][]string
	httpClient := &http.Client{}
	if cfg.SessionCookie != "" {
		header = func() map[string][]string {
			return map[string][]string{"Cookie": {cfg.SessionCookie}}
		}
		httpClient.Transport = &cookieTransport{cookie: cfg.SessionCookie}
	}
	sess, err := session.New(session.Options{
		Store: store.New(),
		API:   rest.NewClient(cfg.ServerURL, httpClient),
		Cache: cache,
		WSOptions: transport.Options{
			URL:    cfg.WSURL(),
			Header: header,
		},
	})
	if err != nil {
		log.Fatalf("Failed to build session: %v", err)
	}

	// The bridge registers its store callback before any events flow.
	handler := bridge.NewHandler(sess)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Println("Shutting down...")
		sess.Close()
		cancel()
		httpServer.Shutdown(context.Background())
	}()

	log.Printf("murmur client bridging %s at http://%s/ws", cfg.ServerURL, cfg.ListenAddr)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
