package domain

// NoticeLevel classifies a transient user-facing message.
type NoticeLevel string

const (
	NoticeSuccess    NoticeLevel = "success"
	NoticeError      NoticeLevel = "error"
	NoticeValidation NoticeLevel = "validation"
)

// Notice is a toast-style message surfaced to the user by a view.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Message string      `json:"message"`
}
