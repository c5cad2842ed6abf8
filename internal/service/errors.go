package service

import "errors"

var (
	ErrUnsupportedExtension = errors.New("unsupported file extension")
	ErrFileTooLarge         = errors.New("file exceeds the maximum upload size")
	ErrQuotaExceeded        = errors.New("document quota exceeded")
	ErrEmptyFile            = errors.New("file is empty")
	ErrDocumentNotFound     = errors.New("document not found")
	ErrDocumentBusy         = errors.New("document is already being processed")
	ErrContentNotReady      = errors.New("document content is not available yet")

	ErrAlreadyGenerating    = errors.New("a generation is already in progress for this conversation")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotUserMessage       = errors.New("only user messages can be edited")
	ErrNotAssistantMessage  = errors.New("feedback applies to assistant messages only")
	ErrNothingToRegenerate  = errors.New("no user message to answer")
	ErrEmptyMessage         = errors.New("message content is empty")
	ErrInvalidFeedback      = errors.New("feedback must be up, down or empty")
)
