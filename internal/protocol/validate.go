package protocol

import (
	"encoding/json"
	"fmt"
)

// validServerTypes is the set of allowed server→client message types.
var validServerTypes = map[string]bool{
	TypeAuthentication:    true,
	TypePermissions:       true,
	TypeData:              true,
	TypePrompt:            true,
	TypeSFTPListing:       true,
	TypeSFTPResult:        true,
	TypeSFTPDownloadChunk: true,
	TypeSFTPProgress:      true,
	TypeSFTPError:         true,
}

// validAuthActions is the set of allowed server→client authentication actions.
var validAuthActions = map[string]bool{
	ActionRequestAuth:         true,
	ActionAuthResult:          true,
	ActionKeyboardInteractive: true,
	ActionReauth:              true,
	ActionDimensions:          true,
}

// validPromptKinds is the set of allowed prompt kinds.
var validPromptKinds = map[string]bool{
	"input":   true,
	"confirm": true,
	"notice":  true,
	"toast":   true,
}

// ValidateServerMessage validates a raw JSON message from the gateway.
// Returns the parsed Message and any validation error.
func ValidateServerMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validServerTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	// Validate required payload fields per type.
	switch msg.Type {
	case TypeAuthentication:
		var p AuthenticationPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Action == "" {
			return nil, fmt.Errorf("missing required field 'action' in %s payload", msg.Type)
		}
		if !validAuthActions[p.Action] {
			return nil, fmt.Errorf("unknown authentication action: %s", p.Action)
		}

	case TypeData:
		var s string
		if err := json.Unmarshal(msg.Payload, &s); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}

	case TypePrompt:
		var p PromptPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.ID == "" {
			return nil, fmt.Errorf("missing required field 'id' in %s payload", msg.Type)
		}
		if !validPromptKinds[p.Kind] {
			return nil, fmt.Errorf("unknown prompt kind: %s", p.Kind)
		}

	case TypeSFTPDownloadChunk:
		var p TransferChunkPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.TransferID == "" {
			return nil, fmt.Errorf("missing required field 'transferId' in %s payload", msg.Type)
		}
		if p.ChunkIndex < 0 {
			return nil, fmt.Errorf("negative chunkIndex in %s payload", msg.Type)
		}

	case TypeSFTPProgress, TypeSFTPError:
		var p struct {
			TransferID string `json:"transferId"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.TransferID == "" {
			return nil, fmt.Errorf("missing required field 'transferId' in %s payload", msg.Type)
		}

	case TypeSFTPListing, TypeSFTPResult:
		var p struct {
			RequestID string `json:"requestId"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.RequestID == "" {
			return nil, fmt.Errorf("missing required field 'requestId' in %s payload", msg.Type)
		}
	}

	return &msg, nil
}
