package api

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/sua-org/cam-console/internal/alerts"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsMaxMessage = maxAlertBodyBytes
)

// wsMessage é o envelope do canal em tempo real:
// servidor -> cliente {"event":"new_alert","data":{...}};
// cliente -> servidor {"event":"send_alert","data":{...}}.
type wsMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type wsOutbound struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// wsConn serializa escritas: gorilla aceita um writer por vez.
type wsConn struct {
	conn    *websocket.Conn
	mu      sync.Mutex
	timeout time.Duration
}

func (w *wsConn) send(msg wsOutbound) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	return w.conn.WriteJSON(msg)
}

func (w *wsConn) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.timeout))
}

// AlertsWebSocketHandler assina o barramento enquanto a conexão estiver
// aberta e aceita send_alert do cliente.
func (s *Server) AlertsWebSocketHandler(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[api] upgrade websocket falhou: %v", err)
		return
	}
	defer conn.Close()

	sub, err := s.bus.Subscribe()
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "console encerrando"))
		return
	}
	ws := &wsConn{conn: conn, timeout: s.writeTimeout}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.wsWriteLoop(ws, sub)
	}()

	s.wsReadLoop(c, ws)

	// leitura acabou (cliente saiu): derruba a conexão para o writer sair
	_ = conn.Close()
	s.bus.Unsubscribe(sub)
	<-writerDone
}

func (s *Server) wsWriteLoop(ws *wsConn, sub *alerts.Subscriber) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				_ = ws.conn.Close()
				return
			}
			if err := ws.send(wsOutbound{Event: "new_alert", Data: evt}); err != nil {
				log.Printf("[api] websocket %s: erro de escrita: %v", sub.ID, err)
				_ = ws.conn.Close()
				return
			}
		case <-ticker.C:
			if err := ws.ping(); err != nil {
				_ = ws.conn.Close()
				return
			}
		}
	}
}

func (s *Server) wsReadLoop(c *gin.Context, ws *wsConn) {
	conn := ws.conn
	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[api] websocket encerrado: %v", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		switch msg.Event {
		case "send_alert":
			s.wsPublish(c, ws, msg.Data)
		case "ping":
			_ = ws.send(wsOutbound{Event: "pong"})
		default:
			_ = ws.send(wsOutbound{Event: "error", Data: gin.H{"message": "evento desconhecido: " + msg.Event}})
		}
	}
}

func (s *Server) wsPublish(c *gin.Context, ws *wsConn, data json.RawMessage) {
	evt, err := alerts.DecodeAlert(data)
	if err != nil {
		_ = ws.send(wsOutbound{Event: "error", Data: gin.H{"message": err.Error()}})
		return
	}
	if _, err := s.bus.Publish(c.Request.Context(), evt); err != nil && !alerts.IsPersistenceError(err) {
		_ = ws.send(wsOutbound{Event: "error", Data: gin.H{"message": err.Error()}})
	}
}
