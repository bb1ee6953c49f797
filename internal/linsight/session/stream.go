package session

import (
	"context"
	"errors"
	"time"

	"linsight/internal/linsight/errcode"
	"linsight/internal/shared/eventbus"
	"linsight/internal/shared/model"
)

// ============================================================================
// 事件流
// ============================================================================

// Emit 向客户端写出一个事件；ID 为空表示该事件不在总线上（不可续读）
type Emit func(ev eventbus.Event) error

// Stream 从 cursor 之后读取版本事件直到终止事件
//
// 总线空闲达到 ReconcileIdle 时读取持久化状态：已是终态则合成一个终止事件后结束，
// 覆盖总线数据过期或 Worker 崩溃的情况。
func (s *Service) Stream(ctx context.Context, c Caller, versionID, cursor string, emit Emit) error {
	if _, err := s.load(ctx, c, versionID); err != nil {
		return err
	}
	return s.follow(ctx, versionID, cursor, emit)
}

func (s *Service) follow(ctx context.Context, versionID, cursor string, emit Emit) error {
	// pass 转发一批事件；遇到终止事件返回 done
	pass := func(evs []eventbus.Event) (done bool, err error) {
		for _, ev := range evs {
			cursor = ev.ID
			if err := emit(ev); err != nil {
				return false, err
			}
			if ev.Message.EventType.IsTerminal() {
				return true, nil
			}
		}
		return false, nil
	}

	lastSeen := s.now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		evs, err := s.bus.Read(ctx, versionID, cursor, s.readWait())
		if err != nil {
			return err
		}
		if done, err := pass(evs); done || err != nil {
			return err
		}
		if len(evs) > 0 {
			lastSeen = s.now()
			continue
		}
		if s.now().Sub(lastSeen) < s.cfg.ReconcileIdle {
			continue
		}

		lastSeen = s.now()
		v, err := s.store.GetSessionVersion(ctx, versionID)
		if err != nil {
			s.log.WithVersionID(versionID).WithError(err).Warn("reconcile read failed")
			continue
		}
		if v == nil || !v.Status.IsTerminal() {
			continue
		}
		// 终止事件可能恰好在对账期间写入，先补读一次
		if evs, err := s.bus.Read(ctx, versionID, cursor, 0); err == nil {
			if done, err := pass(evs); done || err != nil {
				return err
			}
		}
		s.log.WithVersionID(versionID).Info("stream reconciled from store", "status", string(v.Status))
		return emit(eventbus.Event{Message: s.terminalEvent(ctx, v)})
	}
}

// readWait 单次总线读取的阻塞时长，不超过对账间隔
func (s *Service) readWait() time.Duration {
	if s.cfg.ReadWait <= 0 || s.cfg.ReadWait > s.cfg.ReconcileIdle {
		return s.cfg.ReconcileIdle
	}
	return s.cfg.ReadWait
}

// terminalEvent 由持久化状态合成终止事件
func (s *Service) terminalEvent(ctx context.Context, v *model.SessionVersion) model.MessageData {
	switch v.Status {
	case model.VersionStatusCompleted:
		s.resolveLinks(ctx, v)
		return model.NewMessage(model.EventFinalResult, map[string]any{"output_result": v.OutputResult})
	case model.VersionStatusTerminated:
		return model.NewMessage(model.EventTaskTerminated, map[string]any{"version_id": v.ID})
	case model.VersionStatusSOPGenerationFailed:
		return model.NewMessage(model.EventError, errcode.Payload{
			Error:   "SOP generation failed",
			Message: v.SOP,
			Code:    errcode.CodeSOPFailed,
			Kind:    errcode.KindLifecycle,
		}.Map())
	}
	msg := v.ErrorMessage
	if msg == "" {
		msg = "execution failed"
	}
	return model.NewMessage(model.EventError, errcode.Payload{
		Error:   "execution failed",
		Message: msg,
		Code:    errcode.CodeStepFailed,
		Kind:    errcode.KindInternal,
	}.Map())
}

// ============================================================================
// 一体化执行
// ============================================================================

// IntegratedExecute 在一个流里完成 SOP 生成、入队与执行跟随
//
// SOP 生成的流式片段直接转发；生成失败时 Agent 已写出 Error 事件，流正常结束。
// 最终的 Final-Result 附带 final_result_files（含分享链接）。
func (s *Service) IntegratedExecute(ctx context.Context, c Caller, versionID string, emit Emit) error {
	var sopFailed bool
	sink := func(m model.MessageData) error {
		if m.EventType == model.EventError {
			sopFailed = true
		}
		return emit(eventbus.Event{Message: m})
	}
	if _, err := s.GenerateSOP(ctx, c, versionID, "", sink); err != nil {
		if sopFailed {
			return nil
		}
		return err
	}
	if _, err := s.Enqueue(ctx, c, versionID, ""); err != nil {
		return err
	}

	return s.follow(ctx, versionID, "", func(ev eventbus.Event) error {
		if ev.Message.EventType == model.EventFinalResult {
			ev.Message = s.withFinalFiles(ctx, versionID, ev.Message)
		}
		return emit(ev)
	})
}

// withFinalFiles 为 Final-Result 附加带分享链接的最终文件
func (s *Service) withFinalFiles(ctx context.Context, versionID string, m model.MessageData) model.MessageData {
	v, err := s.store.GetSessionVersion(ctx, versionID)
	if err != nil || v == nil || v.OutputResult == nil {
		if err == nil {
			err = errors.New("output result missing")
		}
		s.log.WithVersionID(versionID).WithError(err).Warn("resolve final files failed")
		return m
	}
	s.resolveLinks(ctx, v)
	data := make(map[string]any, len(m.Data)+1)
	for k, val := range m.Data {
		data[k] = val
	}
	data["final_result_files"] = v.OutputResult.FinalFiles
	return model.MessageData{EventType: m.EventType, Data: data, Timestamp: m.Timestamp}
}
