package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all gateway messages, in both directions.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a client-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Client → Server message types.
const (
	TypeAuthenticate    = "authenticate"
	TypeResize          = "resize"
	TypeControl         = "control"
	TypePromptResponse  = "prompt.response"
	TypeSFTPList        = "sftp.list"
	TypeSFTPMkdir       = "sftp.mkdir"
	TypeSFTPDelete      = "sftp.delete"
	TypeSFTPUploadChunk = "sftp.upload.chunk"
	TypeSFTPDownloadReq = "sftp.download.request"
)

// Server → Client message types.
const (
	TypeAuthentication    = "authentication"
	TypePermissions       = "permissions"
	TypePrompt            = "prompt"
	TypeSFTPListing       = "sftp.listing"
	TypeSFTPResult        = "sftp.result"
	TypeSFTPDownloadChunk = "sftp.download.chunk"
	TypeSFTPProgress      = "sftp.progress"
	TypeSFTPError         = "sftp.error"
)

// TypeData is the raw terminal stream, valid in both directions. The payload
// is a JSON-encoded string and is never inspected by the client.
const TypeData = "data"

// Authentication actions carried by TypeAuthentication messages.
const (
	ActionRequestAuth         = "request_auth"
	ActionAuthResult          = "auth_result"
	ActionKeyboardInteractive = "keyboard-interactive"
	ActionReauth              = "reauth"
	ActionDimensions          = "dimensions"

	// ActionChallengeResponse is client → server only: the answers for the
	// last keyboard-interactive round, in prompt order.
	ActionChallengeResponse = "challenge_response"
)

// Control commands carried by TypeControl messages.
const (
	ControlReauth            = "reauth"
	ControlReplayCredentials = "replayCredentials"
)

// Client → Server payloads.

// AuthenticatePayload carries merged credentials to the gateway. Optional
// fields are omitted rather than sent empty.
type AuthenticatePayload struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
	Term       string `json:"term"`
}

// ChallengeResponsePayload answers a keyboard-interactive round.
type ChallengeResponsePayload struct {
	Action    string   `json:"action"`
	Responses []string `json:"responses"`
}

type ResizePayload struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type ControlPayload struct {
	Command string `json:"command"`
}

// PromptResponsePayload reports the terminal resolution of a prompt.
// Fields is populated only for input-kind prompts.
type PromptResponsePayload struct {
	ID      string            `json:"id"`
	Outcome string            `json:"outcome"` // "action" | "dismissed" | "timeout"
	Action  string            `json:"action,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Server → Client payloads.

// AuthPrompt is one line of a keyboard-interactive round.
type AuthPrompt struct {
	Prompt string `json:"prompt"`
	Echo   bool   `json:"echo"`
}

type AuthenticationPayload struct {
	Action  string       `json:"action"`
	Success *bool        `json:"success,omitempty"`
	Message string       `json:"message,omitempty"`
	Prompts []AuthPrompt `json:"prompts,omitempty"`
	Name    string       `json:"name,omitempty"`
	Cols    int          `json:"cols,omitempty"`
	Rows    int          `json:"rows,omitempty"`

	// Methods is the auth methods the server currently accepts, sent with
	// request_auth. Empty means unrestricted.
	Methods []string `json:"methods,omitempty"`
}

// PermissionsPayload uses pointers so absent keys leave session state alone.
type PermissionsPayload struct {
	AllowReauth    *bool `json:"allowReauth,omitempty"`
	AllowReconnect *bool `json:"allowReconnect,omitempty"`
	AllowReplay    *bool `json:"allowReplay,omitempty"`
}

// PromptField declares one input field of an input-kind prompt.
type PromptField struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Kind     string `json:"kind"`
	Required bool   `json:"required"`
}

// PromptAction is one button the user can pick.
type PromptAction struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	IsDefault bool   `json:"isDefault"`
}

// PromptPayload is a server-pushed interaction request.
type PromptPayload struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"` // "input" | "confirm" | "notice" | "toast"
	Title     string         `json:"title"`
	Body      string         `json:"body,omitempty"`
	Fields    []PromptField  `json:"fields,omitempty"`
	Actions   []PromptAction `json:"actions,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	TimeoutMs int            `json:"timeoutMs,omitempty"`
	NoDismiss bool           `json:"noDismiss,omitempty"`
}

// SFTP sub-protocol payloads.

// TransferChunkPayload carries one chunk of file data, base64-encoded.
// Used for both upload and download chunk messages.
type TransferChunkPayload struct {
	TransferID string `json:"transferId"`
	ChunkIndex int    `json:"chunkIndex"`
	Data       string `json:"data"`
	IsLast     bool   `json:"isLast"`
}

// TransferProgressPayload acknowledges received bytes. The first ack for a
// transfer carries both the server-assigned TransferID and the ClientID the
// client used before the server accepted the transfer.
type TransferProgressPayload struct {
	TransferID string `json:"transferId"`
	ClientID   string `json:"clientId,omitempty"`
	BytesAcked int64  `json:"bytesAcked"`
	TotalBytes int64  `json:"totalBytes,omitempty"`
}

type TransferErrorPayload struct {
	TransferID string `json:"transferId"`
	Message    string `json:"message"`
}

// PathPayload is shared by the list/mkdir/delete requests.
type PathPayload struct {
	RequestID string `json:"requestId"`
	Path      string `json:"path"`
}

// DownloadRequestPayload asks the gateway to start streaming a remote file.
// A non-nil ChunkIndex requests re-delivery of that single chunk instead.
type DownloadRequestPayload struct {
	TransferID string `json:"transferId"`
	RemotePath string `json:"remotePath,omitempty"`
	ChunkIndex *int   `json:"chunkIndex,omitempty"`
}

// DirEntry is one row of a remote directory listing.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size,omitempty"`
	Mode  string `json:"mode,omitempty"`
}

type ListingPayload struct {
	RequestID string     `json:"requestId"`
	Path      string     `json:"path"`
	Entries   []DirEntry `json:"entries"`
}

// ResultPayload reports the outcome of a mkdir/delete request.
type ResultPayload struct {
	RequestID string `json:"requestId"`
	OK        bool   `json:"ok"`
	Message   string `json:"message,omitempty"`
}
