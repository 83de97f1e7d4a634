package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const defaultModelName = "gemini-2.5-flash"

// Turn is one entry of the conversation sent to the model.
type Turn struct {
	Role     string // "user" or "model"
	Text     string
	Call     *FunctionCall
	Response *FunctionResponse
}

type FunctionCall struct {
	Name string
	Args map[string]any
}

type FunctionResponse struct {
	Name     string
	Response map[string]any
}

type ModelRequest struct {
	System string
	Turns  []Turn
	// OfferTools declares execute_queries to the model.
	OfferTools bool
	// ReportSchema constrains the output to a JSON report artifact.
	ReportSchema bool
}

type ModelResponse struct {
	Text string
	Call *FunctionCall
}

// ModelClient is the language model as seen by the orchestrator.
type ModelClient interface {
	Generate(ctx context.Context, req ModelRequest) (*ModelResponse, error)
}

type LLMService struct {
	client    *genai.Client
	modelName string
}

func NewLLMService(ctx context.Context, apiKey, modelName string) (*LLMService, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if modelName == "" {
		modelName = defaultModelName
	}
	return &LLMService{client: client, modelName: modelName}, nil
}

func (s *LLMService) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			log.Printf("Error closing GenAI client: %v", err)
		} else {
			log.Println("GenAI client closed.")
		}
	}
}

func (s *LLMService) Generate(ctx context.Context, req ModelRequest) (*ModelResponse, error) {
	if len(req.Turns) == 0 {
		return nil, fmt.Errorf("conversation is empty")
	}

	model := s.client.GenerativeModel(s.modelName)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}
	if req.OfferTools {
		model.Tools = []*genai.Tool{executeQueriesTool}
	}
	if req.ReportSchema {
		model.ResponseMIMEType = "application/json"
		model.ResponseSchema = reportSchema
	}

	history := make([]*genai.Content, 0, len(req.Turns))
	for _, t := range req.Turns {
		c, err := toContent(t)
		if err != nil {
			return nil, err
		}
		history = append(history, c)
	}

	chatSession := model.StartChat()
	chatSession.History = history[:len(history)-1]
	last := history[len(history)-1]

	resp, err := chatSession.SendMessage(ctx, last.Parts...)
	if err != nil {
		return nil, fmt.Errorf("gemini chat SendMessage failed: %w", err)
	}
	return fromResponse(resp), nil
}

// GenerateJSON runs a single prompt with JSON output at the given
// temperature. It backs the mock data provider.
func (s *LLMService) GenerateJSON(ctx context.Context, prompt string, temperature float32) (string, error) {
	model := s.client.GenerativeModel(s.modelName)
	model.ResponseMIMEType = "application/json"
	model.Temperature = &temperature

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini generate request failed: %w", err)
	}
	return fromResponse(resp).Text, nil
}

func toContent(t Turn) (*genai.Content, error) {
	c := &genai.Content{Role: t.Role}
	switch {
	case t.Call != nil:
		c.Parts = []genai.Part{genai.FunctionCall{Name: t.Call.Name, Args: t.Call.Args}}
	case t.Response != nil:
		// The protobuf conversion only understands plain JSON values.
		generic, err := toGeneric(t.Response.Response)
		if err != nil {
			return nil, fmt.Errorf("failed to encode function response: %w", err)
		}
		c.Parts = []genai.Part{genai.FunctionResponse{Name: t.Response.Name, Response: generic}}
	default:
		c.Parts = []genai.Part{genai.Text(t.Text)}
	}
	return c, nil
}

func toGeneric(v map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func fromResponse(resp *genai.GenerateContentResponse) *ModelResponse {
	out := &ModelResponse{}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		log.Println("Gemini response was empty or had no valid candidates/parts.")
		return out
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			text.WriteString(string(p))
		case genai.FunctionCall:
			if out.Call == nil {
				out.Call = &FunctionCall{Name: p.Name, Args: p.Args}
			}
		default:
			log.Printf("Gemini response part was not text: %T", part)
		}
	}
	out.Text = text.String()
	return out
}
