package terrr

import "errors"

// ErrWouldBlock は、非ブロッキング操作がすぐに完了できない場合に返されるエラー
var ErrWouldBlock = errors.New("operation would block")

var (
	ErrAddress        = errors.New("invalid address")
	ErrBind           = errors.New("bind failed")
	ErrConnect        = errors.New("connect failed")
	ErrSendFailed     = errors.New("send failed")
	ErrPacketTooLarge = errors.New("packet exceeds send buffer")
	ErrClosed         = errors.New("socket closed")
)
