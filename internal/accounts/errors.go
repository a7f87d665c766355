package accounts

import "fmt"

type Kind string

const (
	KindInvalid      Kind = "invalid"
	KindConflict     Kind = "conflict"
	KindUnauthorized Kind = "unauthorized"
	KindBanned       Kind = "banned"
	KindNotFound     Kind = "not_found"
)

// Error is an expected account failure. Message is shown to the user as is.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("account %s: %s", e.Kind, e.Message)
}

func fail(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

const (
	msgMissingLogin    = "Thiếu thông tin đăng nhập"
	msgMissingRegister = "Thiếu thông tin đăng ký"
	msgUsernameLength  = "Tên đăng nhập phải từ 3-20 ký tự"
	msgUsernameChars   = "Tên đăng nhập chỉ được chứa chữ thường, số và gạch dưới"
	msgPasswordLength  = "Mật khẩu phải từ 6 ký tự trở lên"
	msgConfirmMismatch = "Mật khẩu xác nhận không khớp"
	msgUsernameTaken   = "Tên đăng nhập đã tồn tại"
	msgUnknownAccount  = "Tài khoản không tồn tại"
	msgWrongPassword   = "Mật khẩu không đúng"
	msgBanned          = "Tài khoản đã bị khóa"
	msgBannedForever   = "Tài khoản đã bị khóa vĩnh viễn"
	msgUnknownUser     = "User không tồn tại"
	msgMissingUsername = "Missing username"
	msgInvalidMinutes  = "Invalid minutes"
	msgInvalidOp       = "Invalid operation"
	msgInvalidUnit     = "Invalid ban unit"
)
