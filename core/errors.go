package core

import "errors"

// DomainError 是领域层的统一错误类型。
//
// 使用场景：
//   - dataset：输入表缺列、时间戳无法解析（INVALID_INPUT）
//   - recall：通道权重缺失、参数非法（INVALID_INPUT）
//   - search：提案越界（OUT_OF_DOMAIN）、试验超时（TIMEOUT）
//   - store：key 不存在（NOT_FOUND）
//
// 上层通过 fmt.Errorf("...: %w", err) 包装后依旧可以用 IsXXX 判断。
type DomainError struct {
	Code    string // 错误代码（如 "NOT_FOUND", "OUT_OF_DOMAIN"）
	Message string // 错误消息
	Module  string // 模块名称（如 "store", "search"）
}

func (e *DomainError) Error() string {
	if e.Module == "" {
		return e.Message
	}
	return e.Module + ": " + e.Message
}

// Is 让 errors.Is 按 Module+Code 比较，便于哨兵错误在包装后仍可匹配。
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code && (t.Module == "" || e.Module == t.Module)
}

// GetDomainError 沿错误链查找 DomainError，找不到返回 nil。
func GetDomainError(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	return nil
}

// IsDomainError 检查错误链中是否包含 DomainError
func IsDomainError(err error) bool {
	return GetDomainError(err) != nil
}

// NewDomainError 创建新的领域错误
func NewDomainError(module, code, message string) *DomainError {
	return &DomainError{
		Module:  module,
		Code:    code,
		Message: message,
	}
}

// 错误代码常量
const (
	ErrorCodeNotFound      = "NOT_FOUND"      // 资源不存在
	ErrorCodeNotSupported  = "NOT_SUPPORTED"  // 操作不支持
	ErrorCodeUnavailable   = "UNAVAILABLE"    // 外部依赖不可用
	ErrorCodeInvalidInput  = "INVALID_INPUT"  // 输入或配置无效
	ErrorCodeInternalError = "INTERNAL_ERROR" // 内部错误
	ErrorCodeOutOfDomain   = "OUT_OF_DOMAIN"  // 参数不在声明的取值域内
	ErrorCodeTimeout       = "TIMEOUT"        // 超出时间预算
)

// 模块名称常量
const (
	ModuleStore   = "store"
	ModuleDataset = "dataset"
	ModuleRecall  = "recall"
	ModuleEval    = "eval"
	ModuleSearch  = "search"
	ModuleFeast   = "feast"
	ModuleReport  = "report"
	ModuleConfig  = "config"
)

func hasCode(err error, code string) bool {
	if domainErr := GetDomainError(err); domainErr != nil {
		return domainErr.Code == code
	}
	return false
}

// IsNotFound 检查错误是否为 NOT_FOUND
func IsNotFound(err error) bool { return hasCode(err, ErrorCodeNotFound) }

// IsNotSupported 检查错误是否为 NOT_SUPPORTED
func IsNotSupported(err error) bool { return hasCode(err, ErrorCodeNotSupported) }

// IsUnavailable 检查错误是否为 UNAVAILABLE
func IsUnavailable(err error) bool { return hasCode(err, ErrorCodeUnavailable) }

// IsInvalidInput 检查错误是否为 INVALID_INPUT
func IsInvalidInput(err error) bool { return hasCode(err, ErrorCodeInvalidInput) }

// IsOutOfDomain 检查错误是否为 OUT_OF_DOMAIN
func IsOutOfDomain(err error) bool { return hasCode(err, ErrorCodeOutOfDomain) }

// IsTimeout 检查错误是否为 TIMEOUT
func IsTimeout(err error) bool { return hasCode(err, ErrorCodeTimeout) }

// InvalidInput 是 NewDomainError(module, INVALID_INPUT, msg) 的简写。
func InvalidInput(module, msg string) *DomainError {
	return NewDomainError(module, ErrorCodeInvalidInput, msg)
}
