// Package errcode 工作台错误分类
//
// 所有对外的错误（SSE error 事件、HTTP 错误响应、总线 Error 事件）都经过 Classify，
// 按类别映射为稳定的字符串 code，不向客户端暴露内部细节。
package errcode

import (
	"context"
	"errors"
	"net/http"

	"linsight/internal/linsight/tools"
	"linsight/internal/llm"
	"linsight/internal/shared/storage"
	"linsight/internal/sop"
)

// ============================================================================
// 生命周期 / 校验 / 授权错误
// ============================================================================

var (
	// ErrInvalidOperation 非法状态迁移（如终止已结束的版本）
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrForbidden 非所有者
	ErrForbidden = errors.New("forbidden")
	// ErrFileNotParsed 附件尚未解析完成
	ErrFileNotParsed = errors.New("file parsing not completed")
	// ErrInvalidRequest 请求参数错误
	ErrInvalidRequest = errors.New("invalid request")
	// ErrEmptySOP SOP 生成结果为空
	ErrEmptySOP = errors.New("empty SOP")
	// ErrTerminated 用户已终止
	ErrTerminated = errors.New("terminated by user")
)

// Kind 错误类别
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindQuota         Kind = "quota"
	KindProvider      Kind = "provider"
	KindAuthorization Kind = "authorization"
	KindLifecycle     Kind = "lifecycle"
	KindValidation    Kind = "validation"
	KindTransient     Kind = "transient"
	KindInternal      Kind = "internal"
)

// 稳定的错误码
const (
	CodeToolInit         = "LinsightToolInitError"
	CodeModelConfig      = "ModelConfigError"
	CodeQuotaExceeded    = "QuotaExceeded"
	CodeProvider         = "ModelProviderError"
	CodeForbidden        = "Forbidden"
	CodeInvalidOperation = "InvalidOperation"
	CodeShowcase         = "ShowcaseNotAllowed"
	CodeValidation       = "ValidationError"
	CodeNotFound         = "NotFound"
	CodeEmptySOP         = "LinsightEmptySOP"
	CodeSOPFailed        = "LinsightSOPGenerationFailed"
	CodeStepFailed       = "LinsightStepFailed"
	CodeTerminated       = "LinsightTerminated"
	CodeTimeout          = "Timeout"
	CodeInternal         = "InternalError"
)

// Payload 对外错误结构 {error, message, code}
type Payload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Kind    Kind   `json:"kind"`
}

// Map 转为事件 data
func (p Payload) Map() map[string]any {
	return map[string]any{"error": p.Error, "message": p.Message, "code": p.Code, "kind": string(p.Kind)}
}

// Classify 错误分类
func Classify(err error) Payload {
	if err == nil {
		return Payload{}
	}
	msg := err.Error()
	var pe *llm.ProviderError
	switch {
	case errors.Is(err, tools.ErrToolInit):
		return Payload{"tool init failed", msg, CodeToolInit, KindConfiguration}
	case errors.Is(err, llm.ErrModelNotFound), errors.Is(err, llm.ErrModelTypeMismatch),
		errors.Is(err, llm.ErrModelOffline), errors.Is(err, llm.ErrProviderUnsupported),
		errors.Is(err, llm.ErrEmbeddingModelMissing):
		return Payload{"model configuration error", msg, CodeModelConfig, KindConfiguration}
	case errors.Is(err, llm.ErrQuotaExceeded):
		return Payload{"quota exceeded", msg, CodeQuotaExceeded, KindQuota}
	case errors.As(err, &pe):
		return Payload{"model provider error: " + string(pe.Kind), msg, CodeProvider, KindProvider}
	case errors.Is(err, ErrForbidden):
		return Payload{"forbidden", msg, CodeForbidden, KindAuthorization}
	case errors.Is(err, ErrTerminated):
		return Payload{"terminated", msg, CodeTerminated, KindLifecycle}
	case errors.Is(err, sop.ErrShowcaseNotAllowed), errors.Is(err, sop.ErrShowcaseDelete):
		return Payload{"showcase not allowed", msg, CodeShowcase, KindLifecycle}
	case errors.Is(err, ErrInvalidOperation), errors.Is(err, storage.ErrConflict):
		return Payload{"invalid operation", msg, CodeInvalidOperation, KindLifecycle}
	case errors.Is(err, ErrEmptySOP):
		return Payload{"empty SOP", msg, CodeEmptySOP, KindLifecycle}
	case errors.Is(err, storage.ErrNotFound):
		return Payload{"not found", msg, CodeNotFound, KindValidation}
	case errors.Is(err, ErrFileNotParsed), errors.Is(err, ErrInvalidRequest),
		errors.Is(err, sop.ErrInvalidImport), errors.Is(err, sop.ErrInvalidRecord),
		errors.Is(err, tools.ErrInvalidArgs), errors.Is(err, storage.ErrDuplicate):
		return Payload{"validation error", msg, CodeValidation, KindValidation}
	case errors.Is(err, context.DeadlineExceeded):
		return Payload{"timeout", msg, CodeTimeout, KindTransient}
	}
	return Payload{"internal error", "internal error", CodeInternal, KindInternal}
}

// WithCode 覆盖错误码（如步骤失败），其余字段保持分类结果
func WithCode(err error, code string) Payload {
	p := Classify(err)
	if p.Kind == KindInternal {
		p.Error, p.Message = "step failed", err.Error()
	}
	p.Code = code
	return p
}

// HTTPStatus 类别对应的 HTTP 状态码
func HTTPStatus(p Payload) int {
	switch p.Kind {
	case KindConfiguration:
		return http.StatusFailedDependency
	case KindQuota:
		return http.StatusTooManyRequests
	case KindProvider:
		return http.StatusBadGateway
	case KindAuthorization:
		return http.StatusForbidden
	case KindLifecycle:
		return http.StatusConflict
	case KindValidation:
		if p.Code == CodeNotFound {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case KindTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
