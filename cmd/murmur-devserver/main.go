package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/murmurchat/murmur/internal/devserver"
)

func main() {
	addr := "127.0.0.1:8490"
	if a := os.Getenv("MURMUR_DEVSERVER_ADDR"); a != "" {
		addr = a
	}

	srv := devserver.New()

	// Seed a conversation so a freshly pointed client has something to show.
	threadID := srv.CreateThread("general", true, 1, 2, 3)
	if _, err := srv.PostMessage(threadID, 2, "user-2", "Welcome to the dev server."); err != nil {
		log.Printf("Failed to seed message: %v", err)
	}

	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv.Routes(),
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Println("Shutting down...")
		httpServer.Shutdown(context.Background())
	}()

	log.Printf("murmur devserver listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
