package llm

import (
	"encoding/json"
)

// DeltaFrame is the payload the bundled backends emit for each text delta.
type DeltaFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// EncodeDelta frames one text delta as a server-sent event.
func EncodeDelta(text string) []byte {
	payload, _ := json.Marshal(DeltaFrame{Type: "text", Content: text})
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, '\n', '\n')
	return frame
}
