// Package llm wraps the third-party LLM SDKs (Anthropic, OpenAI, AWS
// Bedrock) behind the single-call orchestrator.LLMChatter interface the
// Turn Pipeline drives. Streaming, tool-calling, and vision support live
// in the MCP executor's domain (internal/mcpexec); this package only ever
// needs one complete chat response per call.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	bedrocktypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	openai "github.com/sashabaranov/go-openai"

	"github.com/sentra/agent/internal/orchestrator"
	"github.com/sentra/agent/internal/retry"
)

// Config mirrors the MAIN_AI_MODEL/API_KEY/API_BASE_URL family of env keys,
// plus the alternate-provider credentials needed to route by model prefix.
type Config struct {
	DefaultModel string
	APIKey       string
	APIBaseURL   string

	AnthropicAPIKey string
	OpenAIAPIKey    string

	BedrockRegion          string
	BedrockAccessKeyID     string
	BedrockSecretAccessKey string

	DefaultTemperature float64
	DefaultMaxTokens   int
	DefaultTimeout     time.Duration
	RetryConfig        retry.Config
}

// Client selects among Anthropic/OpenAI/Bedrock backends by the model name
// prefix (MAIN_AI_MODEL), and satisfies
// orchestrator.LLMChatter, orchestrator.TokenCounter, and
// orchestrator.InterventionClassifier.
type Client struct {
	cfg Config

	anthropic *anthropicsdk.Client
	openai    *openai.Client
	bedrock   *bedrockruntime.Client
}

// NewClient constructs backends lazily: a backend is only initialized if
// its credentials are configured, so a deployment that only uses Claude
// never touches the AWS SDK.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.RetryConfig.MaxAttempts <= 0 {
		cfg.RetryConfig = retry.Exponential(3, time.Second, 10*time.Second)
	}
	c := &Client{cfg: cfg}

	if cfg.AnthropicAPIKey != "" {
		opts := []option.RequestOption{option.WithAPIKey(cfg.AnthropicAPIKey)}
		if cfg.APIBaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.APIBaseURL))
		}
		client := anthropicsdk.NewClient(opts...)
		c.anthropic = &client
	}
	if cfg.OpenAIAPIKey != "" {
		c.openai = openai.NewClient(cfg.OpenAIAPIKey)
	}
	if cfg.BedrockRegion != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.BedrockRegion),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.BedrockAccessKeyID, cfg.BedrockSecretAccessKey, "")),
		)
		if err != nil {
			return nil, fmt.Errorf("load bedrock aws config: %w", err)
		}
		c.bedrock = bedrockruntime.NewFromConfig(awsCfg)
	}
	return c, nil
}

// Chat implements orchestrator.LLMChatter.
func (c *Client) Chat(ctx context.Context, messages []orchestrator.MCPMessage, opts orchestrator.ChatOptions) (string, error) {
	model := opts.Model
	if model == "" {
		model = c.cfg.DefaultModel
	}

	text, result := retry.DoWithValue(ctx, c.cfg.RetryConfig, func() (string, error) {
		switch {
		case isBedrockModel(model):
			return c.chatBedrock(ctx, model, messages, opts)
		case isOpenAIModel(model):
			return c.chatOpenAI(ctx, model, messages, opts)
		default:
			return c.chatAnthropic(ctx, model, messages, opts)
		}
	})
	if result.Err != nil {
		return "", result.Err
	}
	return text, nil
}

func isOpenAIModel(model string) bool {
	m := strings.ToLower(model)
	return strings.HasPrefix(m, "gpt-") || strings.HasPrefix(m, "o1") || strings.HasPrefix(m, "o3")
}

func isBedrockModel(model string) bool {
	return strings.Contains(model, ".") && (strings.Contains(model, "amazon.") || strings.Contains(model, "meta.") || strings.HasPrefix(model, "anthropic.claude") && strings.Contains(model, ":"))
}

func (c *Client) chatAnthropic(ctx context.Context, model string, messages []orchestrator.MCPMessage, opts orchestrator.ChatOptions) (string, error) {
	if c.anthropic == nil {
		return "", fmt.Errorf("llm: anthropic backend not configured")
	}

	var system []anthropicsdk.TextBlockParam
	var msgs []anthropicsdk.MessageParam
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, anthropicsdk.TextBlockParam{Type: "text", Text: m.Content})
			continue
		}
		if m.Role == "assistant" {
			msgs = append(msgs, anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(m.Content)))
		} else {
			msgs = append(msgs, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(m.Content)))
		}
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(model),
		Messages:  msgs,
		MaxTokens: int64(maxTokensOrDefault(opts.MaxTokens, c.cfg.DefaultMaxTokens)),
	}
	if len(system) > 0 {
		params.System = system
	}

	resp, err := c.anthropic.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic chat: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if text := block.AsText(); text.Text != "" {
			sb.WriteString(text.Text)
		}
	}
	return sb.String(), nil
}

func (c *Client) chatOpenAI(ctx context.Context, model string, messages []orchestrator.MCPMessage, opts orchestrator.ChatOptions) (string, error) {
	if c.openai == nil {
		return "", fmt.Errorf("llm: openai backend not configured")
	}

	var chatMsgs []openai.ChatCompletionMessage
	for _, m := range messages {
		chatMsgs = append(chatMsgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	req := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  chatMsgs,
		MaxTokens: maxTokensOrDefault(opts.MaxTokens, c.cfg.DefaultMaxTokens),
	}
	if opts.Temperature > 0 {
		req.Temperature = float32(opts.Temperature)
	} else if c.cfg.DefaultTemperature > 0 {
		req.Temperature = float32(c.cfg.DefaultTemperature)
	}

	resp, err := c.openai.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai chat: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) chatBedrock(ctx context.Context, model string, messages []orchestrator.MCPMessage, opts orchestrator.ChatOptions) (string, error) {
	if c.bedrock == nil {
		return "", fmt.Errorf("llm: bedrock backend not configured")
	}

	var system []bedrocktypes.SystemContentBlock
	var msgs []bedrocktypes.Message
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, &bedrocktypes.SystemContentBlockMemberText{Value: m.Content})
			continue
		}
		role := bedrocktypes.ConversationRoleUser
		if m.Role == "assistant" {
			role = bedrocktypes.ConversationRoleAssistant
		}
		msgs = append(msgs, bedrocktypes.Message{
			Role:    role,
			Content: []bedrocktypes.ContentBlock{&bedrocktypes.ContentBlockMemberText{Value: m.Content}},
		})
	}

	out, err := c.bedrock.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: msgs,
		System:   system,
		InferenceConfig: &bedrocktypes.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(maxTokensOrDefault(opts.MaxTokens, c.cfg.DefaultMaxTokens))),
		},
	})
	if err != nil {
		return "", fmt.Errorf("bedrock converse: %w", err)
	}

	msgOutput, ok := out.Output.(*bedrocktypes.ConverseOutputMemberMessage)
	if !ok {
		return "", fmt.Errorf("bedrock converse: unexpected output type")
	}
	var sb strings.Builder
	for _, block := range msgOutput.Value.Content {
		if textBlock, ok := block.(*bedrocktypes.ContentBlockMemberText); ok {
			sb.WriteString(textBlock.Value)
		}
	}
	return sb.String(), nil
}

func maxTokensOrDefault(requested, fallback int) int {
	if requested > 0 {
		return requested
	}
	if fallback > 0 {
		return fallback
	}
	return 4096
}

// CountTokens implements orchestrator.TokenCounter with a character-based
// estimate (~4 chars/token), matching the approximation the providers use
// for pre-flight budget checks.
func (c *Client) CountTokens(text string) int {
	return len(text) / 4
}

type interventionResult struct {
	OverrideIntent bool  `json:"overrideIntent"`
	CutoffTsMs     int64 `json:"cutoffTs"`
}

// Classify implements orchestrator.InterventionClassifier: a lightweight
// single chat call asking the model to judge whether msg signals the
// sender changed their mind about an in-flight request.
func (c *Client) Classify(ctx context.Context, msg *orchestrator.IncomingMessage) (orchestrator.InterventionClassification, error) {
	prompt := []orchestrator.MCPMessage{
		{Role: "system", Content: "Determine whether the user's message overrides or cancels a request they made moments ago. Respond with strict JSON: {\"overrideIntent\": bool, \"cutoffTs\": <unix ms>}. cutoffTs is the timestamp before which prior work should be cancelled."},
		{Role: "user", Content: msg.Text},
	}

	raw, err := c.Chat(ctx, prompt, orchestrator.ChatOptions{MaxTokens: 128})
	if err != nil {
		return orchestrator.InterventionClassification{}, err
	}

	var parsed interventionResult
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &parsed); err != nil {
		return orchestrator.InterventionClassification{}, fmt.Errorf("parse intervention classification: %w", err)
	}

	cutoff := time.Now()
	if parsed.CutoffTsMs > 0 {
		cutoff = time.UnixMilli(parsed.CutoffTsMs)
	}
	return orchestrator.InterventionClassification{OverrideIntent: parsed.OverrideIntent, CutoffTs: cutoff}, nil
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return "{}"
	}
	return raw[start : end+1]
}
