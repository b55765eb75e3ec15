package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type judgment struct {
	Reasoning  string `json:"reasoning" validate:"required"`
	Complexity int    `json:"complexityScore" validate:"min=1,max=5"`
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		want   judgment
		reason string
	}{
		{
			name: "bare object",
			raw:  `{"reasoning":"small","complexityScore":2}`,
			want: judgment{Reasoning: "small", Complexity: 2},
		},
		{
			name: "fenced with prose",
			raw:  "Here you go:\n```json\n{\"reasoning\":\"big\",\"complexityScore\":5}\n```\nGood luck!",
			want: judgment{Reasoning: "big", Complexity: 5},
		},
		{
			name: "trailing text",
			raw:  `{"reasoning":"ok","complexityScore":3} and some commentary`,
			want: judgment{Reasoning: "ok", Complexity: 3},
		},
		{name: "no json", raw: "I cannot help with that.", reason: "extract"},
		{name: "broken json", raw: `{"reasoning": "x", "complexityScore": }`, reason: "decode"},
		{name: "fails schema", raw: `{"reasoning":"","complexityScore":9}`, reason: "validate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode[judgment](tt.raw)
			if tt.reason == "" {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
				return
			}
			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.reason, pe.Reason)
			assert.Equal(t, tt.raw, pe.Raw)
			assert.True(t, IsParseError(err))
		})
	}
}

func TestDecodeNoJSONSentinel(t *testing.T) {
	_, err := Decode[judgment]("nothing here")
	assert.ErrorIs(t, err, ErrNoJSON)
}

type fakeChatModel struct {
	got   []*schema.Message
	reply string
	err   error
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.got = input
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func (f *fakeChatModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not implemented")
}

func TestChatGenerator(t *testing.T) {
	m := &fakeChatModel{reply: `{"ok":true}`}
	g := NewChatGenerator(m, "You are a productivity coach.")

	out, err := g.Generate(context.Background(), "plan this")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)
	require.Len(t, m.got, 2)
	assert.Equal(t, schema.System, m.got[0].Role)
	assert.Equal(t, "plan this", m.got[1].Content)
}

func TestChatGeneratorErrors(t *testing.T) {
	g := NewChatGenerator(&fakeChatModel{err: errors.New("503")}, "")
	_, err := g.Generate(context.Background(), "x")
	require.Error(t, err)
	assert.False(t, IsParseError(err))

	g = NewChatGenerator(&fakeChatModel{reply: "  "}, "")
	_, err = g.Generate(context.Background(), "x")
	assert.Error(t, err)
}

func TestNewChatModelRequiresKey(t *testing.T) {
	_, err := NewChatModel(context.Background(), Config{Provider: ProviderGemini})
	assert.Error(t, err)
	_, err = NewChatModel(context.Background(), Config{Provider: "bard", APIKey: "k"})
	assert.Error(t, err)
}
