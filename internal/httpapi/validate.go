package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ent0n29/naturalstream/internal/protocol"
)

const maxChatBodyBytes = 1 << 20

const chatRequestSchemaJSON = `{
  "type": "object",
  "required": ["messages"],
  "properties": {
    "messages": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["role"],
        "properties": {
          "role": {"enum": ["system", "user", "assistant"]},
          "content": {"type": "string"},
          "parts": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["type"],
              "properties": {
                "type": {"type": "string"},
                "text": {"type": "string"}
              }
            }
          }
        }
      }
    }
  }
}`

var chatRequestSchema = jsonschema.MustCompileString("chat_request.json", chatRequestSchemaJSON)

// readChatBody reads a bounded request body and validates it.
func readChatBody(r *http.Request) (protocol.ChatRequest, error) {
	if r.Body == nil {
		return protocol.ChatRequest{}, errEmptyBody
	}
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxChatBodyBytes+1))
	if err != nil {
		return protocol.ChatRequest{}, err
	}
	if len(raw) > maxChatBodyBytes {
		return protocol.ChatRequest{}, fmt.Errorf("request body exceeds %d bytes", maxChatBodyBytes)
	}
	return decodeChatRequest(raw)
}

// decodeChatRequest validates raw JSON against the chat request schema before
// decoding it. Extra top-level fields such as a websocket "type" are allowed.
func decodeChatRequest(raw []byte) (protocol.ChatRequest, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return protocol.ChatRequest{}, errEmptyBody
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return protocol.ChatRequest{}, fmt.Errorf("invalid json: %w", err)
	}
	if err := chatRequestSchema.Validate(doc); err != nil {
		return protocol.ChatRequest{}, fmt.Errorf("invalid chat request: %w", err)
	}
	var req protocol.ChatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return protocol.ChatRequest{}, err
	}
	return req, nil
}
