// Command calc is a reference plugin. It serves the message protocol over a
// websocket endpoint: it answers the host's handshake, exposes add and reset,
// and emits an overflow notification when the running total passes a limit.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/taquila123/remix-plugin/internal/protocol"
)

const overflowLimit = 1 << 31

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type session struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu    sync.Mutex
	total int64
}

func main() {
	listen := flag.String("listen", "127.0.0.1:9000", "Listen address")
	flag.Parse()

	http.HandleFunc("/calc", serve)
	log.Printf("calc plugin listening on %s", *listen)
	log.Fatal(http.ListenAndServe(*listen, nil))
}

func serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade failed: %v", err)
		return
	}
	s := &session{conn: conn}
	s.run()
}

func (s *session) run() {
	defer s.conn.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Unmarshal(data)
		if err != nil {
			log.Printf("dropping malformed message: %v", err)
			continue
		}
		if msg.Action != protocol.ActionRequest {
			continue
		}
		s.handle(msg)
	}
}

func (s *session) handle(req protocol.Message) {
	switch req.Key {
	case protocol.HandshakeKey:
		s.reply(protocol.Respond(req, nil, ""))
	case "add":
		s.handleAdd(req)
	case "reset":
		s.mu.Lock()
		s.total = 0
		s.mu.Unlock()
		s.reply(protocol.Respond(req, json.RawMessage(`0`), ""))
	default:
		s.reply(protocol.Respond(req, nil, fmt.Sprintf("method %q not implemented", req.Key)))
	}
}

func (s *session) handleAdd(req protocol.Message) {
	var args []int64
	if err := json.Unmarshal(req.Payload, &args); err != nil {
		s.reply(protocol.Respond(req, nil, fmt.Sprintf("bad arguments: %v", err)))
		return
	}

	s.mu.Lock()
	var sum int64
	for _, a := range args {
		sum += a
	}
	s.total += sum
	total := s.total
	s.mu.Unlock()

	s.reply(protocol.Respond(req, json.RawMessage(fmt.Sprintf("%d", sum)), ""))

	if total > overflowLimit {
		payload, _ := json.Marshal(map[string]int64{"total": total})
		s.reply(protocol.NewNotification(req.Name, "overflow", payload))
	}
}

func (s *session) reply(msg protocol.Message) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		log.Printf("marshal failed: %v", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("write failed: %v", err)
	}
}
