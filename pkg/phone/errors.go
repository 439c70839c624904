package phone

import (
	"errors"
	"fmt"
	"time"
)

// Сентинельные ошибки фасада. Проверяются через errors.Is.
var (
	// ErrNotInitialized операция требует инициализированной системы
	ErrNotInitialized = errors.New("phone system is not initialized")

	// ErrNotRegistered исходящие операции требуют успешной регистрации
	ErrNotRegistered = errors.New("not registered")

	// ErrCallNotFound вызов с указанным ID отсутствует в активных
	ErrCallNotFound = errors.New("call not found")

	// ErrEngineUnavailable SIP движок не передан или недоступен
	ErrEngineUnavailable = errors.New("SIP engine is not available")

	// ErrStatsUnavailable движок не может предоставить метрики качества
	ErrStatsUnavailable = errors.New("call statistics unavailable")
)

// ErrorCategory категории ошибок для классификации
type ErrorCategory string

const (
	ErrorCategoryInitialization ErrorCategory = "INITIALIZATION"
	ErrorCategoryRegistration   ErrorCategory = "REGISTRATION"
	ErrorCategoryCall           ErrorCategory = "CALL"
	ErrorCategoryValidation     ErrorCategory = "VALIDATION"
	ErrorCategoryDevice         ErrorCategory = "DEVICE"
	ErrorCategoryEngine         ErrorCategory = "ENGINE"
)

// PhoneError структурированная ошибка с контекстом операции.
//
// Context соответствует полю context события error (например "make_call"),
// CallID заполняется для ошибок конкретного вызова.
type PhoneError struct {
	Code      string        `json:"code"`
	Message   string        `json:"message"`
	Category  ErrorCategory `json:"category"`
	Context   string        `json:"context,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Cause     error         `json:"-"`
}

// Error реализует интерфейс error
func (e *PhoneError) Error() string {
	if e.CallID != "" {
		return fmt.Sprintf("[%s:%s] %s (call %s)", e.Category, e.Code, e.Message, e.CallID)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *PhoneError) Unwrap() error {
	return e.Cause
}

// newPhoneError создает структурированную ошибку
func newPhoneError(code, message string, category ErrorCategory, context string) *PhoneError {
	return &PhoneError{
		Code:      code,
		Message:   message,
		Category:  category,
		Context:   context,
		Timestamp: time.Now(),
	}
}

// withCause добавляет исходную ошибку
func (e *PhoneError) withCause(cause error) *PhoneError {
	e.Cause = cause
	return e
}

// withCall добавляет идентификатор вызова
func (e *PhoneError) withCall(callID string) *PhoneError {
	e.CallID = callID
	return e
}

// errCallNotFound создает ошибку "вызов не найден" для операции
func errCallNotFound(callID, context string) *PhoneError {
	return newPhoneError(
		"CALL_NOT_FOUND",
		fmt.Sprintf("call %s not found in active calls", callID),
		ErrorCategoryCall,
		context,
	).withCall(callID).withCause(ErrCallNotFound)
}

// errEngineOp оборачивает ошибку примитива движка
func errEngineOp(context string, callID string, cause error) *PhoneError {
	return newPhoneError(
		"ENGINE_OPERATION_FAILED",
		fmt.Sprintf("engine operation failed: %v", cause),
		ErrorCategoryEngine,
		context,
	).withCall(callID).withCause(cause)
}

// EngineError типизированная ошибка движка.
//
// Транслирует числовой статус-код нижележащего SIP движка в типизированную
// ошибку, изолируя остальную систему от его сырой числовой конвенции.
type EngineError struct {
	// Code статус-код движка (для SIP движков — код ответа)
	Code int
	// Reason человекочитаемая причина
	Reason string
	// Temporary признак временной ошибки, операцию можно повторить
	Temporary bool
}

// Error реализует интерфейс error
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine status %d: %s", e.Code, e.Reason)
}

// NewEngineError создает ошибку движка из статус-кода
func NewEngineError(code int, reason string) *EngineError {
	return &EngineError{
		Code:   code,
		Reason: reason,
		// 408, 480, 486, 503 и 5xx считаем временными
		Temporary: code == 408 || code == 480 || code == 486 || code >= 500,
	}
}

// IsTemporary проверяет, является ли ошибка временной
func IsTemporary(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Temporary
	}
	if temp, ok := err.(interface{ Temporary() bool }); ok {
		return temp.Temporary()
	}
	return false
}
