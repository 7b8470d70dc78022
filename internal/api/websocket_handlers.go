// internal/api/websocket_handlers.go
package api

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/flintbot-021/flint-prod-sub003/internal/models"
)

// wsMessage 客户端发来的消息
type wsMessage struct {
	Type   string                 `json:"type"`
	Values map[string]interface{} `json:"values,omitempty"`
}

// SessionWebSocket 推送会话的变量更新；vars 为逗号分隔的变量名，为空时推送全部
func (h *Handler) SessionWebSocket(c *gin.Context) {
	sessionID := c.Param("id")
	var names []string
	if raw := c.Query("vars"); raw != "" {
		names = strings.Split(raw, ",")
	}

	client := newWebSocketClient(nil, sessionID, c.DefaultQuery("client_id", uuid.NewString()))

	// 先订阅再升级，会话不存在时仍可返回普通的 404
	sub, err := h.sessions.Subscribe(c.Request.Context(), sessionID, names, func(event models.UpdateEvent) {
		client.SendMessage(map[string]interface{}{
			"type":      "variable_update",
			"variable":  event.VariableName,
			"value":     event.NewValue,
			"timestamp": event.Timestamp.Format(time.RFC3339Nano),
		})
	})
	if err != nil {
		h.rh.HandleError(c, "session", err)
		return
	}
	defer sub.Unsubscribe()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", map[string]interface{}{"session_id": sessionID, "error": err})
		return
	}
	client.conn = conn

	h.ws.Register(client)
	defer h.ws.Unregister(client)

	go client.writePump(h.logger)

	client.SendMessage(map[string]interface{}{
		"type":       "connected",
		"session_id": sessionID,
		"client_id":  client.clientID,
		"variables":  sub.Names(),
		"timestamp":  time.Now().Format(time.RFC3339),
	})

	h.readPump(c, client)
}

// readPump 处理客户端消息直到连接关闭
func (h *Handler) readPump(c *gin.Context, client *WebSocketClient) {
	conn := client.conn
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		client.UpdatePing()
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed", map[string]interface{}{"session_id": client.sessionID, "error": err})
			}
			return
		}
		client.UpdatePing()
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			client.SendError("invalid message: " + err.Error())
			continue
		}
		h.handleMessage(c, client, msg)
	}
}

// handleMessage 分发客户端消息
func (h *Handler) handleMessage(c *gin.Context, client *WebSocketClient, msg wsMessage) {
	switch msg.Type {
	case "ping":
		client.SendMessage(map[string]interface{}{
			"type":      "pong",
			"timestamp": time.Now().Unix(),
		})
	case "set_values":
		view, err := h.sessions.SetValues(c.Request.Context(), client.sessionID, msg.Values)
		if err != nil {
			client.SendError(err.Error())
			return
		}
		h.ws.BroadcastToSession(client.sessionID, map[string]interface{}{
			"type": "evaluation",
			"data": view,
		})
	case "evaluate":
		view, err := h.sessions.Evaluate(c.Request.Context(), client.sessionID)
		if err != nil {
			client.SendError(err.Error())
			return
		}
		client.SendMessage(map[string]interface{}{
			"type": "evaluation",
			"data": view,
		})
	default:
		client.SendError("unknown message type: " + msg.Type)
	}
}
