package extraction

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"taxdocs/internal/logger"
)

// Document is a rendered source document handed to the extraction service.
type Document struct {
	Data      []byte
	MediaType string
}

// Service is the black-box text-completion boundary: one rendered document
// plus a natural-language instruction in, raw completion text out.
type Service interface {
	Complete(ctx context.Context, instruction string, doc Document) (string, error)
}

// CompletionConfig configures the vision completion client.
type CompletionConfig struct {
	Model       string
	Temperature float32
	MaxTokens   int
}

// OpenAIService implements Service on top of the OpenAI vision chat API.
type OpenAIService struct {
	client *openai.Client
	config CompletionConfig
	log    zerolog.Logger
}

// NewOpenAIService creates a vision completion client.
func NewOpenAIService(apiKey string, config CompletionConfig) *OpenAIService {
	if config.MaxTokens == 0 {
		config.MaxTokens = 1500
	}
	return &OpenAIService{
		client: openai.NewClient(apiKey),
		config: config,
		log:    logger.WithComponent("extraction-client"),
	}
}

// Complete sends the document and instruction to the model with a low
// randomness setting to favor determinism.
func (s *OpenAIService) Complete(ctx context.Context, instruction string, doc Document) (string, error) {
	const op = "Complete"

	dataURL := fmt.Sprintf("data:%s;base64,%s", doc.MediaType, base64.StdEncoding.EncodeToString(doc.Data))

	s.log.Debug().
		Str("model", s.config.Model).
		Float32("temperature", s.config.Temperature).
		Int("document_bytes", len(doc.Data)).
		Str("media_type", doc.MediaType).
		Msg("Sending extraction request")

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.config.Model,
		Temperature: s.config.Temperature,
		MaxTokens:   s.config.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: instruction,
					},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURL,
							Detail: openai.ImageURLDetailHigh,
						},
					},
				},
			},
		},
	})
	if err != nil {
		return "", classifyServiceError(op, err)
	}

	if len(resp.Choices) == 0 {
		return "", WrapExtractionError(op, ErrEmptyCompletion, "")
	}

	content := resp.Choices[0].Message.Content
	s.log.Debug().
		Int("content_length", len(content)).
		Msg("Received extraction response")

	return content, nil
}

// classifyServiceError maps service-level HTTP failures onto the caller-visible
// error taxonomy so the batch layer can back off or alert an operator.
func classifyServiceError(op string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			return WrapExtractionError(op, ErrRateLimited, apiErr.Message)
		case http.StatusPaymentRequired:
			return WrapExtractionError(op, ErrQuotaExhausted, apiErr.Message)
		}
	}
	return WrapExtractionError(op, err, "")
}
