//go:build ignore

// Backend is a stand-in for the real API the dev server proxies to.
// It answers JSON under /api/ and echoes text frames on /ws.
//
// Usage:
//
//	go run scripts/backend.go -port 8080
//
// Every request is logged so proxied traffic can be followed from both ends.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// Echo describes the request as the backend saw it, which makes Host,
// Origin and X-Forwarded-* rewriting visible from the browser.
type Echo struct {
	ID             string `json:"id"`
	Method         string `json:"method"`
	Path           string `json:"path"`
	Query          string `json:"query,omitempty"`
	Host           string `json:"host"`
	Origin         string `json:"origin,omitempty"`
	ForwardedFor   string `json:"forwarded_for,omitempty"`
	ForwardedHost  string `json:"forwarded_host,omitempty"`
	ForwardedProto string `json:"forwarded_proto,omitempty"`
	Body           string `json:"body,omitempty"`
}

func main() {
	port := flag.Int("port", 8080, "port to listen on")
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		log.Printf("request: method=%s path=%s host=%s origin=%q", r.Method, r.URL.Path, r.Host, r.Header.Get("Origin"))

		echo := Echo{
			ID:             uuid.NewString(),
			Method:         r.Method,
			Path:           r.URL.Path,
			Query:          r.URL.RawQuery,
			Host:           r.Host,
			Origin:         r.Header.Get("Origin"),
			ForwardedFor:   r.Header.Get("X-Forwarded-For"),
			ForwardedHost:  r.Header.Get("X-Forwarded-Host"),
			ForwardedProto: r.Header.Get("X-Forwarded-Proto"),
			Body:           string(body),
		}

		b, _ := json.Marshal(echo)
		w.Header().Set("Content-Type", "application/json")
		w.Write(b)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			log.Printf("websocket accept: %v", err)
			return
		}
		defer conn.CloseNow()
		log.Printf("websocket: opened from %s origin=%q", r.RemoteAddr, r.Header.Get("Origin"))

		for {
			typ, msg, err := conn.Read(r.Context())
			if err != nil {
				log.Printf("websocket: closed: %v", websocket.CloseStatus(err))
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			err = conn.Write(ctx, typ, msg)
			cancel()
			if err != nil {
				return
			}
		}
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	addr := fmt.Sprintf("127.0.0.1:%d", *port)
	log.Printf("starting backend on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
