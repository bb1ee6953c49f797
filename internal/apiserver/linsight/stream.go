package linsight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"linsight/internal/linsight/session"
	"linsight/internal/shared/eventbus"
	"linsight/internal/shared/model"
)

// 仅出现在 SSE 连接上的事件（不写总线）
const (
	// eventSessionCreated 一体化执行首个事件，携带新建的版本
	eventSessionCreated = "Session-Created"
	// eventSOPReady SOP 生成完成，携带版本
	eventSOPReady = "SOP-Ready"
)

// ============================================================================
// SSE 写出
// ============================================================================

// sseWriter Server-Sent Events 写出器
//
// 帧格式：可选 "id: <cursor>"，随后 "event: <type>" 与 "data: <json>"，空行结束。
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	s := &sseWriter{w: w, rc: http.NewResponseController(w)}
	s.flush()
	return s
}

func (s *sseWriter) flush() {
	// 不支持 Flush 的 ResponseWriter 退化为缓冲写出
	_ = s.rc.Flush()
}

// send 写出一帧
func (s *sseWriter) send(id, event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(s.w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return err
	}
	s.flush()
	return nil
}

// emit 写出总线事件，data 为 MessageData 原样
func (s *sseWriter) emit(ev eventbus.Event) error {
	return s.send(ev.ID, string(ev.Message.EventType), ev.Message)
}

// fail 流已开始后的错误以 Error 事件结束；客户端断开时静默
func (s *sseWriter) fail(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	_ = s.emit(eventbus.Event{Message: session.ErrorEvent(err)})
}

func (h *Handler) opened(kind string) func() {
	if h.metrics == nil {
		return func() {}
	}
	h.metrics.StreamOpened(kind)
	return func() { h.metrics.StreamClosed(kind) }
}

// ============================================================================
// SSE 路由
// ============================================================================

// Events 跟随版本事件直到终止事件
//
// 路由: GET /api/v1/linsight/versions/{id}/events
//
// 续读游标取自 Last-Event-ID 请求头或 cursor 查询参数。
// 总线空闲超过对账间隔且持久化状态已结束时，合成一个终止事件后关闭。
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	c, vid := callerOf(r), r.PathValue("id")
	if _, err := h.svc.GetVersion(r.Context(), c, vid); err != nil {
		writeServiceError(w, err)
		return
	}
	cursor := r.Header.Get("Last-Event-ID")
	if cursor == "" {
		cursor = r.URL.Query().Get("cursor")
	}

	defer h.opened("sse")()
	sse := newSSEWriter(w)
	if err := h.svc.Stream(r.Context(), c, vid, cursor, sse.emit); err != nil {
		h.log.WithVersionID(vid).WithError(err).Info("event stream closed")
		sse.fail(err)
	}
}

type generateSOPRequest struct {
	Feedback string `json:"feedback,omitempty"`
}

// GenerateSOP 流式生成（或带反馈重写）SOP
//
// 路由: POST /api/v1/linsight/versions/{id}/sop
//
// 流内依次为 Step-Token 片段，成功时以 SOP-Ready（data 为版本）结束，失败时以 Error 结束。
func (h *Handler) GenerateSOP(w http.ResponseWriter, r *http.Request) {
	var req generateSOPRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	c, vid := callerOf(r), r.PathValue("id")
	if _, err := h.svc.GetVersion(r.Context(), c, vid); err != nil {
		writeServiceError(w, err)
		return
	}

	defer h.opened("sse")()
	sse := newSSEWriter(w)
	var sawError bool
	v, err := h.svc.GenerateSOP(r.Context(), c, vid, req.Feedback, func(m model.MessageData) error {
		if m.EventType == model.EventError {
			sawError = true
		}
		return sse.emit(eventbus.Event{Message: m})
	})
	if err != nil {
		if !sawError {
			sse.fail(err)
		}
		return
	}
	_ = sse.send("", eventSOPReady, v)
}

// IntegratedExecute 一体化执行：提交、生成 SOP、入队并跟随执行
//
// 路由: POST /api/v1/linsight/execute
//
// 请求体同提交接口。首个事件 Session-Created 携带版本，之后为总线事件；
// Final-Result 的 data 附带 final_result_files（含分享链接）。
func (h *Handler) IntegratedExecute(w http.ResponseWriter, r *http.Request) {
	var req session.SubmitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	c := callerOf(r)
	v, err := h.svc.Submit(r.Context(), c, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	defer h.opened("sse")()
	sse := newSSEWriter(w)
	if err := sse.send("", eventSessionCreated, v); err != nil {
		return
	}
	if err := h.svc.IntegratedExecute(r.Context(), c, v.ID, sse.emit); err != nil {
		h.log.WithVersionID(v.ID).WithError(err).Warn("integrated execute aborted")
		sse.fail(err)
	}
}
