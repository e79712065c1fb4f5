package xerr

import (
	"errors"
	"fmt"
)

// 错误码
const (
	OK                = 200
	ServerCommonError = 500

	MalformedMessage    = 2001 // 推送消息解析失败，丢弃即可
	SnapshotFetchFailed = 2002 // REST 快照拉取失败
	BookStructure       = 2003 // 快照结构非法，致命
	ResyncExhausted     = 2004 // 自动重同步重试耗尽，致命
)

type CodeError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	err  error
}

func (e *CodeError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("ErrCode:%d, Msg:%s: %v", e.Code, e.Msg, e.err)
	}
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func (e *CodeError) Unwrap() error { return e.err }

// Is 按错误码比较，errors.Is(err, xerr.NewErrCode(xerr.BookStructure)) 即可判定
func (e *CodeError) Is(target error) bool {
	var ce *CodeError
	if !errors.As(target, &ce) {
		return false
	}
	return ce.Code == e.Code
}

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

// Wrap 给底层错误打上错误码，cause 可以用 errors.Unwrap 拿回来
func Wrap(err error, code int, msg string) error {
	if err == nil {
		return nil
	}
	if msg == "" {
		msg = MapErrMsg(code)
	}
	return &CodeError{Code: code, Msg: msg, err: err}
}

// CodeOf 取错误码，不是 CodeError 返回 ServerCommonError
func CodeOf(err error) int {
	if err == nil {
		return OK
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ServerCommonError
}

// Fatal 判断这个错误是否要终止引擎
func Fatal(err error) bool {
	switch CodeOf(err) {
	case BookStructure, ResyncExhausted:
		return true
	default:
		return false
	}
}

func MapErrMsg(code int) string {
	switch code {
	case ServerCommonError:
		return "internal error"
	case MalformedMessage:
		return "malformed feed message"
	case SnapshotFetchFailed:
		return "snapshot fetch failed"
	case BookStructure:
		return "malformed book snapshot"
	case ResyncExhausted:
		return "resync attempts exhausted"
	default:
		return "unknown error"
	}
}
