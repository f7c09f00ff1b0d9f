package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 是全局唯一的错误码，各业务包通过 Register 登记自己的码值。
type Code string

// 基础错误码，业务无关。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeUpstreamTransient     Code = "UPSTREAM_TRANSIENT"
	CodeTimeout               Code = "TIMEOUT"
)

// Severity 表示错误的严重程度，决定日志级别与是否进入审计流。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 描述一个错误码的默认行为。单个错误实例可以通过 Option
// 覆盖这些默认值。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
		CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeUpstreamTransient:     {Message: "transient upstream failure", Severity: SeverityWarning, Retryable: true},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true},
	}
)

// Register 登记业务错误码，通常在包 init 中调用。重复登记以后者为准。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	registry[code] = attr
	registryMu.Unlock()
}

// AttributesOf 查询错误码属性，未登记的码回落到 UNKNOWN。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// overrides 记录单个错误实例对默认属性的覆盖，nil 表示沿用默认值。
type overrides struct {
	retryable *bool
	alert     *bool
	severity  *Severity
}

// Error 是统一错误类型，携带错误码、可读信息与底层原因。
type Error struct {
	code    Code
	message string
	cause   error
	ov      overrides
}

// Option 在构造时调整单个错误实例的行为。
type Option func(*Error)

// WithRetryable 覆盖该实例的可重试标记。
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.ov.retryable = &retryable }
}

// WithAlert 覆盖该实例的告警标记。
func WithAlert(alert bool) Option {
	return func(e *Error) { e.ov.alert = &alert }
}

// WithSeverity 覆盖该实例的严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.ov.severity = &sev }
}

// New 以指定错误码构造错误。message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在底层错误之上附加错误码与描述。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 使同码错误在 errors.Is 下视为相等。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	return ok && e.code == t.code
}

// Code 返回错误码，nil 接收者返回 UNKNOWN。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Retryable 报告该错误是否值得重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.ov.retryable != nil {
		return *e.ov.retryable
	}
	return AttributesOf(e.code).Retryable
}

// ShouldAlert 报告该错误是否需要触发告警。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.ov.alert != nil {
		return *e.ov.alert
	}
	return AttributesOf(e.code).Alert
}

// Severity 返回该错误的严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.ov.severity != nil {
		return *e.ov.severity
	}
	return AttributesOf(e.code).Severity
}

// From 从任意 error 链中提取统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回 error 链中的错误码，无法识别时返回 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// RetryableError 判断任意 error 是否可重试，非统一错误一律视为不可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// ShouldAlert 判断任意 error 是否需要触发告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}
