package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"github.com/rushteam/recalltune/core"
)

// 退出码
const (
	ExitSuccess = 0
	ExitFailure = 1 // 运行失败（数据、评估、搜索）
	ExitUsage   = 2 // 参数或配置错误
)

// ExitError 携带退出码的错误。
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// WrapExitError 给 err 附上退出码。
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode 从错误中取退出码：ExitError 优先，INVALID_INPUT 视为用法错误，其他为 ExitFailure。
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if core.IsInvalidInput(err) {
		return ExitUsage
	}
	return ExitFailure
}

// Response 是 --format json 时的输出结构。
type Response struct {
	Status string    `json:"status"` // ok | error
	Data   any       `json:"data,omitempty"`
	Error  *ErrorOut `json:"error,omitempty"`
}

// ErrorOut 错误详情
type ErrorOut struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Formatter 按 text / json 输出命令结果。日志走 stderr，不混入这里。
type Formatter struct {
	Format string
	Writer io.Writer
}

// Success 输出结果。text 模式下 data 实现 Text() 时用它，否则直接打印。
func (f *Formatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(Response{Status: "ok", Data: data})
	}
	if t, ok := data.(interface{ Text() string }); ok {
		_, err := fmt.Fprint(f.Writer, t.Text())
		return err
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error 输出错误。code 取 DomainError 的错误码，其他错误为 ERROR。
func (f *Formatter) Error(err error) error {
	code := "ERROR"
	if de := core.GetDomainError(err); de != nil {
		code = de.Code
	}
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(Response{
			Status: "error",
			Error:  &ErrorOut{Code: code, Message: err.Error()},
		})
	}
	_, werr := fmt.Fprintf(f.Writer, "Error [%s]: %v\n", code, err)
	return werr
}
