package orchestrate

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tjfontaine/agent-relay/internal/domain"
)

// RoleAssistant is the role of messages written by the agent.
const RoleAssistant = "assistant"

// Message is a thread message reduced to what the relay needs.
type Message struct {
	ID    string
	Role  string
	Texts []string
}

// Text joins the message's text fragments.
func (m Message) Text() string {
	return strings.Join(m.Texts, "\n\n")
}

// BuildRunPayload builds the body for starting a run.
func BuildRunPayload(agentID string, req domain.ChatRequest) ([]byte, error) {
	out := []byte(`{}`)
	var err error
	if out, err = sjson.SetBytes(out, "message.role", "user"); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "message.content", req.Message); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "agent_id", agentID); err != nil {
		return nil, err
	}
	if req.ThreadID != "" {
		if out, err = sjson.SetBytes(out, "thread_id", req.ThreadID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ParseMessages reads a thread messages response. The list may be the top
// level value or nested under "messages", "data" or "items"; the first of
// those keys present wins. Entries that are not objects are skipped.
func ParseMessages(body []byte) ([]Message, error) {
	if !gjson.ValidBytes(body) {
		return nil, domain.ErrParse("thread messages response is not valid JSON")
	}

	list := gjson.ParseBytes(body)
	if list.IsObject() {
		nested := gjson.Result{}
		for _, key := range []string{"messages", "data", "items"} {
			if v := list.Get(key); v.Exists() {
				nested = v
				break
			}
		}
		list = nested
	}
	if !list.IsArray() {
		return nil, nil
	}

	var messages []Message
	for _, item := range list.Array() {
		if !item.IsObject() {
			continue
		}
		id := item.Get("id")
		if !id.Exists() {
			id = item.Get("message_id")
		}
		msg := Message{
			ID:   id.String(),
			Role: item.Get("role").String(),
		}
		for _, part := range item.Get("content").Array() {
			var text string
			switch {
			case part.IsObject():
				text = part.Get("text").String()
			case part.Type == gjson.String:
				text = part.String()
			}
			if text != "" {
				msg.Texts = append(msg.Texts, text)
			}
		}
		messages = append(messages, msg)
	}
	return messages, nil
}
