package web

import (
	"encoding/json"

	"github.com/MrWong99/parley/internal/evaluation"
	"github.com/MrWong99/parley/internal/lifecycle"
	"github.com/MrWong99/parley/internal/tutor"
	"github.com/MrWong99/parley/internal/visual"
	"github.com/MrWong99/parley/pkg/audio/relay"
	"github.com/MrWong99/parley/pkg/realtime"
)

// Browser-to-server message types. Relay replies use [relay.TypeReply].
const (
	MsgScenarioSelect      = "scenario.select"
	MsgConversationRestart = "conversation.restart"
	MsgScenarioNew         = "scenario.new"
	MsgConversationStop    = "conversation.disconnect"
	MsgPushToTalkStart     = "ptt.start"
	MsgPushToTalkStop      = "ptt.stop"
	MsgTurnDetectionSet    = "turn_detection.set"
	MsgVoiceSet            = "voice.set"
	MsgItemDelete          = "item.delete"
	MsgVisualSize          = "visual.size"
)

// Server-to-browser message types. Relay requests use [relay.TypeRequest].
const (
	MsgState       = "state"
	MsgItem        = "item"
	MsgAlert       = "alert"
	MsgError       = "error"
	MsgVisualFrame = "visual.frame"
)

// inbound is any JSON message the browser sends. Only the fields relevant
// to Type are set.
type inbound struct {
	Type string `json:"type"`

	// relay.reply
	ID     uint64            `json:"id,omitempty"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  *relay.ReplyError `json:"error,omitempty"`

	ScenarioID string                 `json:"scenarioId,omitempty"`
	Mode       realtime.TurnDetection `json:"mode,omitempty"`
	Voice      string                 `json:"voice,omitempty"`
	ItemID     string                 `json:"itemId,omitempty"`

	// visual.size
	Input  *visual.Size `json:"input,omitempty"`
	Output *visual.Size `json:"output,omitempty"`
}

func (m inbound) reply() relay.Reply {
	return relay.Reply{Type: m.Type, ID: m.ID, Result: m.Result, Error: m.Error}
}

type itemView struct {
	ID         string              `json:"id"`
	Type       string              `json:"type"`
	Role       realtime.Role       `json:"role"`
	Status     realtime.ItemStatus `json:"status"`
	Transcript string              `json:"transcript,omitempty"`
	Text       string              `json:"text,omitempty"`
}

func newItemView(it realtime.Item) itemView {
	return itemView{
		ID:         it.ID,
		Type:       it.Type,
		Role:       it.Role,
		Status:     it.Status,
		Transcript: it.Transcript,
		Text:       it.Text,
	}
}

type stateMessage struct {
	Type      string                `json:"type"`
	Tutor     tutor.Snapshot        `json:"tutor"`
	Scorecard *evaluation.Scorecard `json:"scorecard,omitempty"`
	Session   lifecycle.State       `json:"session"`
	Items     []itemView            `json:"items"`
}

type itemMessage struct {
	Type  string   `json:"type"`
	Item  itemView `json:"item"`
	Delta string   `json:"delta,omitempty"`
}

type alertMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Op      string `json:"op"`
	Message string `json:"message"`
}

type frameMessage struct {
	Type  string       `json:"type"`
	Frame visual.Frame `json:"frame"`
}
