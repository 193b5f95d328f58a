package apperror

// Category groups codes by the subsystem that failed.
type Category string

const (
	CategoryConnection Category = "connection"
	CategoryMessage    Category = "message"
	CategorySync       Category = "sync"
	CategoryFile       Category = "file"
	CategoryUnknown    Category = "unknown"
)

// Code identifies a failure. Codes are stable strings so they survive the wire.
type Code string

const (
	// connection
	CodeConnectionRefused       Code = "CONNECTION_REFUSED"
	CodeTimeout                 Code = "TIMEOUT"
	CodeAuthFailed              Code = "AUTH_FAILED"
	CodeReconnectExhausted      Code = "RECONNECT_EXHAUSTED"
	CodeTransportDegraded       Code = "TRANSPORT_DEGRADED"
	CodeNetworkOffline          Code = "NETWORK_OFFLINE"
	CodeVerificationUnreachable Code = "VERIFICATION_UNREACHABLE"
	CodeForbidden               Code = "FORBIDDEN"
	CodeRoomFull                Code = "ROOM_FULL"
	CodeConnectionReplaced      Code = "CONNECTION_REPLACED"

	// message
	CodeSendFailed       Code = "SEND_FAILED"
	CodeServerError      Code = "SERVER_ERROR"
	CodeEmptyContent     Code = "EMPTY_CONTENT"
	CodeContentTooLong   Code = "CONTENT_TOO_LONG"
	CodeValidation       Code = "VALIDATION"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeMaliciousContent Code = "MALICIOUS_CONTENT"
	CodeNotFound         Code = "NOT_FOUND"
	CodeUnauthorizedEdit Code = "UNAUTHORIZED_EDIT"

	// sync
	CodeOptimisticRollback Code = "OPTIMISTIC_ROLLBACK"
	CodeOrderingMismatch   Code = "ORDERING_MISMATCH"
	CodeReadReceiptFailed  Code = "READ_RECEIPT_FAILED"
	CodeResyncFailed       Code = "RESYNC_FAILED"

	// file
	CodeUploadFailed     Code = "UPLOAD_FAILED"
	CodeFileTooLarge     Code = "FILE_TOO_LARGE"
	CodeFileTypeRejected Code = "FILE_TYPE_REJECTED"
	CodeDownloadFailed   Code = "DOWNLOAD_FAILED"
	CodePreviewFailed    Code = "PREVIEW_FAILED"

	CodeUnknown Code = "UNKNOWN"
)

type policy struct {
	category    Category
	retryable   bool
	userMessage string
}

var policies = map[Code]policy{
	CodeConnectionRefused:       {CategoryConnection, true, "Could not reach the server. Retrying…"},
	CodeTimeout:                 {CategoryConnection, true, "The connection timed out."},
	CodeAuthFailed:              {CategoryConnection, false, "Your session could not be verified. Please sign in again."},
	CodeReconnectExhausted:      {CategoryConnection, false, "Unable to reconnect. Please try again later."},
	CodeTransportDegraded:       {CategoryConnection, true, "Connection quality is degraded."},
	CodeNetworkOffline:          {CategoryConnection, true, "You are offline. We will reconnect when the network is back."},
	CodeVerificationUnreachable: {CategoryConnection, true, "The sign-in service is unavailable. Retrying…"},
	CodeForbidden:               {CategoryConnection, false, "You do not have access to this study."},
	CodeRoomFull:                {CategoryConnection, false, "This room is full."},
	CodeConnectionReplaced:      {CategoryConnection, false, "This session was opened somewhere else."},

	CodeSendFailed:       {CategoryMessage, true, "Message could not be sent. Retrying…"},
	CodeServerError:      {CategoryMessage, true, "The server ran into a problem. Please try again."},
	CodeEmptyContent:     {CategoryMessage, false, "Message cannot be empty."},
	CodeContentTooLong:   {CategoryMessage, false, "Message is too long."},
	CodeValidation:       {CategoryMessage, false, "The request was invalid."},
	CodeRateLimited:      {CategoryMessage, true, "You are sending messages too quickly."},
	CodeMaliciousContent: {CategoryMessage, false, "This message was blocked."},
	CodeNotFound:         {CategoryMessage, false, "The requested item no longer exists."},
	CodeUnauthorizedEdit: {CategoryMessage, false, "You cannot change this message."},

	CodeOptimisticRollback: {CategorySync, true, "A change could not be saved and was reverted."},
	CodeOrderingMismatch:   {CategorySync, true, "Messages are being re-synchronised."},
	CodeReadReceiptFailed:  {CategorySync, true, "Read status could not be updated."},
	CodeResyncFailed:       {CategorySync, true, "Could not re-synchronise after reconnecting."},

	CodeUploadFailed:     {CategoryFile, true, "Upload failed. Please retry."},
	CodeFileTooLarge:     {CategoryFile, false, "The file is too large."},
	CodeFileTypeRejected: {CategoryFile, false, "This file type is not allowed."},
	CodeDownloadFailed:   {CategoryFile, true, "Download failed. Please retry."},
	CodePreviewFailed:    {CategoryFile, true, "Preview is unavailable right now."},

	CodeUnknown: {CategoryUnknown, false, "Something went wrong."},
}

func policyFor(code Code) policy {
	if p, ok := policies[code]; ok {
		return p
	}
	return policies[CodeUnknown]
}

// Retryable reports the default retry policy for code.
func (c Code) Retryable() bool { return policyFor(c).retryable }

// Category reports which subsystem code belongs to.
func (c Code) Category() Category { return policyFor(c).category }

// UserMessage is the human readable text shown for code.
func (c Code) UserMessage() string { return policyFor(c).userMessage }
