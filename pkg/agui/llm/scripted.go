package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentbridge-dev/agentbridge/pkg/agui/session"
)

// ScriptedClient is a Client that replays a fixed sequence of responses.
// Once the script is exhausted it echoes the last user message, so the
// runtime stays usable end-to-end without a provider key. Used by local mode
// and tests.
type ScriptedClient struct {
	mu        sync.Mutex
	responses []*Response
	call      int
	err       error
}

// NewScriptedClient creates a client replaying the given responses in order.
func NewScriptedClient(responses ...*Response) *ScriptedClient {
	return &ScriptedClient{responses: responses}
}

// FailWith makes every subsequent Generate call return err.
func (c *ScriptedClient) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *ScriptedClient) Generate(ctx context.Context, messages []*session.Content, config *GenerateConfig) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return nil, c.err
	}
	if c.call < len(c.responses) {
		resp := c.responses[c.call]
		c.call++
		return resp, nil
	}

	return TextResponse(fmt.Sprintf("You said: %s", lastUserText(messages))), nil
}

func (c *ScriptedClient) ModelName() string { return "scripted" }

// Calls reports how many times Generate was invoked successfully.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.call
}

func lastUserText(messages []*session.Content) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			if text := messages[i].Text(); text != "" {
				return text
			}
		}
	}
	return ""
}
