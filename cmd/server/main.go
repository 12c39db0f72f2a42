package main

import (
	"log"
	"net/http"

	"kvitlach-server/internal/audit"
	"kvitlach-server/internal/config"
	"kvitlach-server/internal/gateway"
	"kvitlach-server/internal/session"
	"kvitlach-server/internal/store"
)

func main() {
	cfg := config.FromEnv()

	auditSvc, auditMode, err := audit.NewService(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[Server] Failed to init audit sink: %v", err)
	}
	defer auditSvc.Close()

	sessions := session.NewManager(session.DefaultTTL)
	st := store.New(sessions, auditSvc)
	gw := gateway.New(st, auditSvc)

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", gw.HandleWebSocket)

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	log.Printf("[Server] Audit mode: %s", auditMode)
	log.Printf("[Server] Health endpoint on %s", cfg.HTTPAddr())
	go func() {
		if err := http.ListenAndServe(cfg.HTTPAddr(), httpMux); err != nil {
			log.Fatalf("[Server] Health server failed: %v", err)
		}
	}()

	log.Printf("[Server] Starting WebSocket server on %s", cfg.WSAddr())
	if err := http.ListenAndServe(cfg.WSAddr(), wsMux); err != nil {
		log.Fatalf("[Server] Failed to start: %v", err)
	}
}
