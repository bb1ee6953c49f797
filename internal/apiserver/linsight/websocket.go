package linsight

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"linsight/internal/linsight/errcode"
	"linsight/internal/linsight/session"
	"linsight/internal/shared/eventbus"
)

// upgrader WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsReadLimit  = 64 << 10
)

// wsMessage 双向消息
//
// 服务端推送：
//
//	{"type": "event", "id": "...", "data": MessageData}
//	{"type": "ack", "action": "input" | "terminate"}
//	{"type": "error", "action": "...", "data": {error, message, code}}
//	{"type": "pong"}
//
// 客户端消息：
//
//	{"type": "ping"}
//	{"type": "input", "task_id": "...", "text": "..."}
//	{"type": "terminate"}
type wsMessage struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	Action string `json:"action,omitempty"`
	Data   any    `json:"data,omitempty"`

	TaskID string `json:"task_id,omitempty"`
	Text   string `json:"text,omitempty"`
}

// wsConn 串行化写入（gorilla 连接不支持并发写）
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) write(msg wsMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (c *wsConn) close(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(wsWriteWait))
}

// WebSocket 事件推送与交互
//
// 路由: GET /api/v1/linsight/versions/{id}/ws?cursor=<id>
//
// 推送到终止事件后以正常关闭帧结束；客户端可在同一连接上提交用户输入或终止。
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	c, vid := callerOf(r), r.PathValue("id")
	if _, err := h.svc.GetVersion(r.Context(), c, vid); err != nil {
		writeServiceError(w, err)
		return
	}

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithVersionID(vid).WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer raw.Close()
	defer h.opened("ws")()

	conn := &wsConn{conn: raw}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.readPump(ctx, cancel, conn, c, vid)
	go func() {
		t := time.NewTicker(wsPingPeriod)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := conn.ping(); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	err = h.svc.Stream(ctx, c, vid, r.URL.Query().Get("cursor"), func(ev eventbus.Event) error {
		return conn.write(wsMessage{Type: "event", ID: ev.ID, Data: ev.Message})
	})
	if err != nil && ctx.Err() == nil {
		p := errcode.Classify(err)
		_ = conn.write(wsMessage{Type: "error", Data: p})
		conn.close(websocket.CloseInternalServerErr, p.Code)
		return
	}
	if err == nil {
		conn.close(websocket.CloseNormalClosure, "stream finished")
	}
}

// readPump 处理客户端消息；连接断开时取消推送
func (h *Handler) readPump(ctx context.Context, cancel context.CancelFunc, conn *wsConn, c session.Caller, vid string) {
	defer cancel()
	raw := conn.conn
	raw.SetReadLimit(wsReadLimit)
	raw.SetReadDeadline(time.Now().Add(wsPongWait))
	raw.SetPongHandler(func(string) error {
		raw.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.WithVersionID(vid).WithError(err).Warn("websocket read failed")
			}
			return
		}
		raw.SetReadDeadline(time.Now().Add(wsPongWait))

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = conn.write(wsMessage{Type: "error", Data: errcode.Payload{Error: "invalid message", Message: err.Error(), Code: errcode.CodeValidation, Kind: errcode.KindValidation}})
			continue
		}
		var actErr error
		switch msg.Type {
		case "ping":
			_ = conn.write(wsMessage{Type: "pong"})
			continue
		case "input":
			actErr = h.svc.SubmitUserInput(ctx, c, vid, session.UserInputRequest{TaskID: msg.TaskID, Text: msg.Text})
		case "terminate":
			_, actErr = h.svc.Terminate(ctx, c, vid)
		default:
			continue
		}
		if actErr != nil {
			_ = conn.write(wsMessage{Type: "error", Action: msg.Type, Data: errcode.Classify(actErr)})
			continue
		}
		_ = conn.write(wsMessage{Type: "ack", Action: msg.Type})
	}
}
