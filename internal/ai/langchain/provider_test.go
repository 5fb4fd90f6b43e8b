package langchain

import (
	"context"
	"errors"
	"testing"

	"github.com/kiranshivaraju/csvforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

// fakeModel records the messages it receives and returns a canned reply.
type fakeModel struct {
	msgs  []llms.MessageContent
	reply *llms.ContentResponse
	err   error
}

func (f *fakeModel) GenerateContent(_ context.Context, msgs []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.msgs = msgs
	return f.reply, f.err
}

func (f *fakeModel) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, opts...)
}

func TestComplete_SendsSystemAndPrompt(t *testing.T) {
	m := &fakeModel{reply: &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "ok"}}}}
	p := New("openai", m)

	out, err := p.Complete(context.Background(), models.CompletionRequest{System: "be terse", Prompt: "plan it"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, "openai", p.Name())

	require.Len(t, m.msgs, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, m.msgs[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, m.msgs[1].Role)
}

func TestComplete_NoSystem(t *testing.T) {
	m := &fakeModel{reply: &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "x"}}}}
	_, err := New("ollama", m).Complete(context.Background(), models.CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
	require.Len(t, m.msgs, 1)
}

func TestComplete_Errors(t *testing.T) {
	_, err := New("x", &fakeModel{err: errors.New("connection refused")}).
		Complete(context.Background(), models.CompletionRequest{Prompt: "hi"})
	assert.ErrorContains(t, err, "connection refused")

	_, err = New("x", &fakeModel{reply: &llms.ContentResponse{}}).
		Complete(context.Background(), models.CompletionRequest{Prompt: "hi"})
	assert.Error(t, err)
}
