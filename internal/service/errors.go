package service

import "errors"

// 业务层通用错误，handler 可根据错误类型映射到合适的 HTTP 状态码。
var (
	ErrEmailInUse         = errors.New("email in use")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrWeakPassword       = errors.New("weak password")
	ErrInvalidRole        = errors.New("invalid role")
	ErrUserNotFound       = errors.New("user not found")

	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotMember            = errors.New("not a conversation member")
	ErrVetCannotInitiate    = errors.New("vets cannot initiate conversations")
	ErrTargetNotVet         = errors.New("target user is not a veterinarian")
	ErrSelfConversation     = errors.New("cannot open a conversation with yourself")

	ErrEmptyMessage   = errors.New("empty message")
	ErrMessageTooLong = errors.New("message too long")
	ErrUploadFailed   = errors.New("upload failed")
	ErrInvalidCursor  = errors.New("invalid paging cursor")

	ErrPostNotFound = errors.New("pulse not found")
	ErrNotOwner     = errors.New("not the owner of this resource")
	ErrInvalidPost  = errors.New("invalid pulse payload")
)
