package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ============================================================================
// 配置类错误
// ============================================================================

var (
	ErrModelNotFound         = errors.New("model not found")
	ErrModelTypeMismatch     = errors.New("model type mismatch")
	ErrModelOffline          = errors.New("model offline")
	ErrProviderUnsupported   = errors.New("provider kind unsupported")
	ErrEmbeddingModelMissing = errors.New("embedding model not configured")
)

// ErrQuotaExceeded 服务日限额耗尽
var ErrQuotaExceeded = errors.New("daily quota exceeded")

// ============================================================================
// 供应商错误
// ============================================================================

// ProviderErrorKind 供应商错误分类
type ProviderErrorKind string

const (
	ProviderErrNetwork   ProviderErrorKind = "network"
	ProviderErrAuth      ProviderErrorKind = "auth"
	ProviderErrRefusal   ProviderErrorKind = "refusal"
	ProviderErrMalformed ProviderErrorKind = "malformed"
	ProviderErrRequest   ProviderErrorKind = "request"
)

// ProviderError 供应商调用失败
type ProviderError struct {
	Kind   ProviderErrorKind
	Model  string
	Status int // HTTP 状态码，未知为 0
	Err    error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider %s error (model=%s, status=%d): %v", e.Kind, e.Model, e.Status, e.Err)
	}
	return fmt.Sprintf("provider %s error (model=%s): %v", e.Kind, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// statusError 原生 HTTP 客户端返回的非 2xx 响应
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// errMalformed 响应无法解析
var errMalformed = errors.New("malformed provider response")

// wrapProvider 将底层错误归类为 ProviderError；已归类、配置类与取消错误原样返回
func wrapProvider(modelName string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) || isConfigError(err) || errors.Is(err, context.Canceled) {
		return err
	}
	return &ProviderError{Kind: classify(err), Model: modelName, Status: statusOf(err), Err: err}
}

func isConfigError(err error) bool {
	for _, target := range []error{ErrModelNotFound, ErrModelTypeMismatch, ErrModelOffline,
		ErrProviderUnsupported, ErrEmbeddingModelMissing, ErrQuotaExceeded} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func statusOf(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

func classify(err error) ProviderErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return ProviderErrNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ProviderErrNetwork
	}
	if errors.Is(err, errMalformed) {
		return ProviderErrMalformed
	}
	switch s := statusOf(err); {
	case s == 401 || s == 403:
		return ProviderErrAuth
	case s == 429 || s >= 500:
		return ProviderErrNetwork
	case s >= 400:
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "content_filter") || strings.Contains(msg, "data_inspection") ||
			strings.Contains(msg, "sensitive") {
			return ProviderErrRefusal
		}
		return ProviderErrRequest
	}

	// langchaingo 客户端只给出文本错误
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api key") || strings.Contains(msg, "authentication"):
		return ProviderErrAuth
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "eof") || strings.Contains(msg, "no such host"):
		return ProviderErrNetwork
	case strings.Contains(msg, "content_filter") || strings.Contains(msg, "content policy") ||
		strings.Contains(msg, "refus"):
		return ProviderErrRefusal
	case strings.Contains(msg, "unmarshal") || strings.Contains(msg, "decode") ||
		strings.Contains(msg, "no choices") || strings.Contains(msg, "empty response"):
		return ProviderErrMalformed
	}
	return ProviderErrRequest
}
