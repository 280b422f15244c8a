package entities

import (
	"encoding/json"
	"fmt"
	"github.com/google/uuid"
)

// RecordingContext says what a recording is for. The variants are PostContext
// and ResponseContext; other packages cannot add more.
type RecordingContext interface {
	Kind() string
	recordingContext()
}

// PostContext is a standalone post.
type PostContext struct{}

// ResponseContext is a reply to an existing post, later eligible for that
// post's collage.
type ResponseContext struct {
	PostID uuid.UUID `json:"postId"`
}

func (PostContext) Kind() string     { return "post" }
func (ResponseContext) Kind() string { return "response" }

func (PostContext) recordingContext()     {}
func (ResponseContext) recordingContext() {}

type recordingContextJSON struct {
	Kind   string     `json:"kind"`
	PostID *uuid.UUID `json:"postId,omitempty"`
}

func MarshalRecordingContext(c RecordingContext) ([]byte, error) {
	switch v := c.(type) {
	case PostContext:
		return json.Marshal(recordingContextJSON{Kind: v.Kind()})
	case ResponseContext:
		return json.Marshal(recordingContextJSON{Kind: v.Kind(), PostID: &v.PostID})
	default:
		return nil, fmt.Errorf("unknown recording context %T", c)
	}
}

// UnmarshalRecordingContext decodes a context document. An empty document is
// a standalone post.
func UnmarshalRecordingContext(data []byte) (RecordingContext, error) {
	if len(data) == 0 {
		return PostContext{}, nil
	}
	var raw recordingContextJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	switch raw.Kind {
	case "", "post":
		return PostContext{}, nil
	case "response":
		if raw.PostID == nil || *raw.PostID == uuid.Nil {
			return nil, fmt.Errorf("response context needs a post id")
		}
		return ResponseContext{PostID: *raw.PostID}, nil
	default:
		return nil, fmt.Errorf("unknown recording context kind %q", raw.Kind)
	}
}
