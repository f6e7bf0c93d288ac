// Package llmtest provides a scripted chat model for tests.
package llmtest

import (
	"context"
	"fmt"
	"sync"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// ChatModel replies with Replies in order, then repeats the last one.
// Reply, when set, takes precedence and sees the prompt.
type ChatModel struct {
	mu      sync.Mutex
	Replies []string
	Err     error
	Reply   func(messages []*schema.Message) (string, error)
	calls   [][]*schema.Message
}

var _ einomodel.BaseChatModel = (*ChatModel)(nil)

func New(replies ...string) *ChatModel {
	return &ChatModel{Replies: replies}
}

func (m *ChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, input)
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Reply != nil {
		content, err := m.Reply(input)
		if err != nil {
			return nil, err
		}
		return schema.AssistantMessage(content, nil), nil
	}
	if len(m.Replies) == 0 {
		return nil, fmt.Errorf("no scripted reply")
	}
	i := len(m.calls) - 1
	if i >= len(m.Replies) {
		i = len(m.Replies) - 1
	}
	return schema.AssistantMessage(m.Replies[i], nil), nil
}

func (m *ChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

// Calls returns the prompts seen so far
func (m *ChatModel) Calls() [][]*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]*schema.Message(nil), m.calls...)
}

// LastPrompt joins the contents of the most recent prompt
func (m *ChatModel) LastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return ""
	}
	out := ""
	for _, msg := range m.calls[len(m.calls)-1] {
		out += msg.Content + "\n"
	}
	return out
}
