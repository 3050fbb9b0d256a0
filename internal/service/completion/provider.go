package completion

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"debatechat/internal/config"
	"debatechat/internal/models"
)

// TokenStream is a cancellable lazy sequence of completion text increments.
// Recv returns io.EOF once the provider exhausts the stream.
type TokenStream interface {
	Recv() (string, error)
	Close()
}

// Streamer is the narrow interface the chat core consumes.
type Streamer interface {
	StreamCompletion(ctx context.Context, history []*models.Message) (TokenStream, error)
}

// Provider wraps a remote chat-completion API behind a token stream.
// Credentials and model name are injected at construction; nothing is read
// from the environment inside the streaming path.
type Provider struct {
	chatModel model.ToolCallingChatModel
	name      string
}

// NewProvider builds the chat model for the named provider.
func NewProvider(ctx context.Context, name string, provCfg config.ProviderConfig) (*Provider, error) {
	if provCfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s: api key must be configured", name)
	}

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch name {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   provCfg.Model,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("new gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  provCfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     provCfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", name, err)
	}

	return &Provider{chatModel: chatModel, name: name}, nil
}

// Name reports which provider backs this instance.
func (p *Provider) Name() string {
	return p.name
}

// StreamCompletion converts the ordered history into the provider wire
// format and opens a token stream.
func (p *Provider) StreamCompletion(ctx context.Context, history []*models.Message) (TokenStream, error) {
	if len(history) == 0 {
		return nil, errors.New("history cannot be empty")
	}
	reader, err := p.chatModel.Stream(ctx, convertMessages(history))
	if err != nil {
		return nil, fmt.Errorf("open completion stream: %w", err)
	}
	return &einoStream{reader: reader}, nil
}

func convertMessages(history []*models.Message) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history))
	for _, msg := range history {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleUser:
			role = schema.User
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		messages = append(messages, &schema.Message{
			Role:    role,
			Content: msg.Content,
		})
	}
	return messages
}

type einoStream struct {
	reader *schema.StreamReader[*schema.Message]
}

func (s *einoStream) Recv() (string, error) {
	chunk, err := s.reader.Recv()
	if err != nil {
		return "", err
	}
	return chunk.Content, nil
}

func (s *einoStream) Close() {
	s.reader.Close()
}
