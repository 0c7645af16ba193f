package insight

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

const systemPrompt = "You observe one student's tutoring history and answer " +
	"questions about their state of mind, habits and progress. Answer in plain " +
	"prose. If the history supports no useful observation, answer exactly " +
	NoInsight + "."

// OpenAISource queries a chat-completion model as the insight backend.
type OpenAISource struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	log     zerolog.Logger
}

func NewOpenAISource(apiKey, model string, timeout time.Duration, log zerolog.Logger) (*OpenAISource, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("insight: api key not set")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAISource{
		client:  openai.NewClient(apiKey),
		model:   model,
		timeout: timeout,
		log:     log.With().Str("component", "insight").Logger(),
	}, nil
}

// Query asks the model one scoped question about an owner. Transport and
// quota failures come back as ErrUnavailable; the NO_INSIGHT sentinel comes
// back as "".
func (s *OpenAISource) Query(ctx context.Context, owner, question string, scope Scope) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	prompt := fmt.Sprintf("Student: %s\nHistory scope: %s\nQuestion: %s", owner, scope, question)
	resp, err := s.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		s.log.Warn().Err(err).Str("owner", owner).Msg("insight query failed")
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty response", ErrUnavailable)
	}

	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	if answer == "" || strings.EqualFold(answer, NoInsight) {
		return "", nil
	}
	return answer, nil
}
