// Package live exposes the most recent reconciled readings over HTTP
// and a websocket broadcast, for local dashboards and debugging.
package live

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/meterworks/s0pcm-bridge/pkg/types"
	log "github.com/sirupsen/logrus"
)

type readingView struct {
	Channel   string `json:"channel"`
	Name      string `json:"name"`
	Delta     string `json:"delta"`
	Total     string `json:"total"`
	Unit      string `json:"unit,omitempty"`
	LinkEpoch int    `json:"link_epoch"`
	Timestamp string `json:"timestamp"`
}

type Server struct {
	addr string

	readingMutex sync.RWMutex
	latest       map[string]readingView

	wsClients      map[*websocket.Conn]bool
	wsClientsMutex sync.RWMutex

	upgrader websocket.Upgrader
}

func NewServer(address string, port int) *Server {
	return &Server{
		addr:      fmt.Sprintf("%s:%d", address, port),
		latest:    make(map[string]readingView),
		wsClients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local network API
			},
		},
	}
}

// Update stores a reading and broadcasts it to websocket clients.
func (s *Server) Update(r types.Reading) {
	view := readingView{
		Channel:   r.Channel.ID,
		Name:      r.Channel.Name,
		Delta:     r.Delta.String(),
		Total:     r.Total.String(),
		Unit:      r.Channel.Unit,
		LinkEpoch: r.LinkEpoch,
		Timestamp: r.Timestamp.Format(time.RFC3339),
	}

	s.readingMutex.Lock()
	s.latest[r.Channel.ID] = view
	s.readingMutex.Unlock()

	s.broadcast(view)
}

// Start serves /latest and /ws in a goroutine.
func (s *Server) Start() {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"message": "s0pcm bridge API",
			"status":  "running",
		})
	})

	mux.HandleFunc("/latest", func(w http.ResponseWriter, r *http.Request) {
		s.readingMutex.RLock()
		views := make([]readingView, 0, len(s.latest))
		for _, v := range s.latest {
			views = append(views, v)
		}
		s.readingMutex.RUnlock()

		w.Header().Set("Content-Type", "application/json")
		if len(views) == 0 {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{
				"error": "No readings available yet",
			})
			return
		}
		json.NewEncoder(w).Encode(views)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("WebSocket upgrade error: %v", err)
			return
		}

		s.addClient(conn)

		// Send current readings immediately if available
		s.readingMutex.RLock()
		for _, v := range s.latest {
			if data, err := json.Marshal(v); err == nil {
				conn.WriteMessage(websocket.TextMessage, data)
			}
		}
		s.readingMutex.RUnlock()

		// Keep connection alive
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.removeClient(conn)
				break
			}
		}
	})

	log.Infof("Starting live reading API on %s", s.addr)
	go func() {
		if err := http.ListenAndServe(s.addr, mux); err != nil {
			log.Errorf("Live API stopped: %v", err)
		}
	}()
}

func (s *Server) broadcast(view readingView) {
	s.wsClientsMutex.RLock()
	clients := make([]*websocket.Conn, 0, len(s.wsClients))
	for client := range s.wsClients {
		clients = append(clients, client)
	}
	s.wsClientsMutex.RUnlock()

	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(view)
	if err != nil {
		log.Errorf("Error marshaling reading: %v", err)
		return
	}

	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			s.removeClient(client)
		}
	}
}

func (s *Server) addClient(conn *websocket.Conn) {
	s.wsClientsMutex.Lock()
	s.wsClients[conn] = true
	s.wsClientsMutex.Unlock()
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.wsClientsMutex.Lock()
	delete(s.wsClients, conn)
	s.wsClientsMutex.Unlock()
	conn.Close()
}
