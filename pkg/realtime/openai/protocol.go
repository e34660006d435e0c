package openai

import (
	"encoding/base64"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/realtime"
)

// ── Protocol message types (outgoing) ─────────────────────────────────────────

// clientEvent is an outgoing protocol event. A map keeps optional fields and
// explicit nulls (turn_detection: null) easy to express.
type clientEvent map[string]any

type itemPayload struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []contentPart `json:"content,omitempty"`
}

type contentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

type turnDetectionParams struct {
	Type string `json:"type"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

// sessionUpdateEvent builds a full session.update from the cached settings.
func sessionUpdateEvent(s sessionSettings) clientEvent {
	session := map[string]any{
		"modalities":          []string{"text", "audio"},
		"input_audio_format":  "pcm16",
		"output_audio_format": "pcm16",
		"turn_detection":      nil,
	}
	if s.instructions != "" {
		session["instructions"] = s.instructions
	}
	if s.voice != "" {
		session["voice"] = s.voice
	}
	if s.turnDetection == realtime.TurnDetectionServerVAD {
		session["turn_detection"] = turnDetectionParams{Type: string(realtime.TurnDetectionServerVAD)}
	}
	if s.transcription != nil {
		session["input_audio_transcription"] = transcriptionParams{Model: s.transcription.Model}
	}
	return clientEvent{"type": "session.update", "session": session}
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverItem struct {
	ID      string        `json:"id"`
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Status  string        `json:"status"`
	Content []contentPart `json:"content"`
}

type serverEvent struct {
	Type string `json:"type"`

	// conversation.item.created, response.output_item.added/done
	Item *serverItem `json:"item,omitempty"`

	// deltas, transcription, truncation, deletion
	ItemID     string `json:"item_id,omitempty"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	AudioEndMs int64  `json:"audio_end_ms,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── conversation ───────────────────────────────────────────────────────────────

// conversation is the client-side item collection. Not safe for concurrent
// use; the Client guards it with its mutex.
type conversation struct {
	order []string
	items map[string]*realtime.Item
}

func (c *conversation) clear() {
	c.order = nil
	c.items = nil
}

func (c *conversation) get(id string) (realtime.Item, bool) {
	it, ok := c.items[id]
	if !ok {
		return realtime.Item{}, false
	}
	return it.Clone(), true
}

func (c *conversation) snapshot() []realtime.Item {
	out := make([]realtime.Item, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.items[id].Clone())
	}
	return out
}

func (c *conversation) add(si *serverItem) *realtime.Item {
	if it, ok := c.items[si.ID]; ok {
		return it
	}
	it := &realtime.Item{
		ID:     si.ID,
		Type:   si.Type,
		Role:   realtime.Role(si.Role),
		Status: realtime.ItemStatus(si.Status),
	}
	for _, part := range si.Content {
		switch part.Type {
		case "input_text", "text":
			it.Text += part.Text
		case "input_audio", "audio":
			it.Transcript += part.Transcript
		}
	}
	if it.Type == "message" && it.Role == realtime.RoleUser {
		it.Status = realtime.StatusCompleted
	} else if it.Status == "" {
		it.Status = realtime.StatusInProgress
	}
	if c.items == nil {
		c.items = make(map[string]*realtime.Item)
	}
	c.items[it.ID] = it
	c.order = append(c.order, it.ID)
	return it
}

func (c *conversation) remove(id string) (*realtime.Item, bool) {
	it, ok := c.items[id]
	if !ok {
		return nil, false
	}
	delete(c.items, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return it, true
}

// apply folds a server event into the conversation. It returns a copy of the
// affected item, the incremental delta (if any), and whether the event
// touched an item at all.
func (c *conversation) apply(evt *serverEvent) (realtime.Item, *realtime.Delta, bool) {
	var (
		it    *realtime.Item
		delta *realtime.Delta
	)

	switch evt.Type {
	case "conversation.item.created", "response.output_item.added":
		if evt.Item == nil || evt.Item.ID == "" {
			return realtime.Item{}, nil, false
		}
		it = c.add(evt.Item)

	case "response.output_item.done":
		if evt.Item == nil {
			return realtime.Item{}, nil, false
		}
		it = c.add(evt.Item)
		it.Status = realtime.StatusCompleted
		if evt.Item.Status != "" {
			it.Status = realtime.ItemStatus(evt.Item.Status)
		}

	case "conversation.item.input_audio_transcription.completed":
		var ok bool
		if it, ok = c.items[evt.ItemID]; !ok {
			return realtime.Item{}, nil, false
		}
		transcript := evt.Transcript
		if transcript == "" {
			transcript = " "
		}
		it.Transcript = transcript
		delta = &realtime.Delta{Transcript: transcript}

	case "response.audio_transcript.delta":
		var ok bool
		if it, ok = c.items[evt.ItemID]; !ok {
			return realtime.Item{}, nil, false
		}
		it.Transcript += evt.Delta
		delta = &realtime.Delta{Transcript: evt.Delta}

	case "response.text.delta":
		var ok bool
		if it, ok = c.items[evt.ItemID]; !ok {
			return realtime.Item{}, nil, false
		}
		it.Text += evt.Delta
		delta = &realtime.Delta{Text: evt.Delta}

	case "response.audio.delta":
		var ok bool
		if it, ok = c.items[evt.ItemID]; !ok {
			return realtime.Item{}, nil, false
		}
		raw, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(raw) == 0 {
			return realtime.Item{}, nil, false
		}
		samples := audio.DecodePCM16(raw)
		it.Audio = append(it.Audio, samples...)
		delta = &realtime.Delta{Audio: samples}

	case "conversation.item.truncated":
		var ok bool
		if it, ok = c.items[evt.ItemID]; !ok {
			return realtime.Item{}, nil, false
		}
		end := int(evt.AudioEndMs * realtime.SampleRate / 1000)
		if end < len(it.Audio) {
			it.Audio = it.Audio[:end]
		}
		it.Transcript = ""

	case "conversation.item.deleted":
		var ok bool
		if it, ok = c.remove(evt.ItemID); !ok {
			return realtime.Item{}, nil, false
		}

	default:
		return realtime.Item{}, nil, false
	}

	return it.Clone(), delta, true
}
