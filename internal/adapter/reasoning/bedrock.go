// Package reasoning executes assembled analysis prompts against AWS Bedrock.
package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/trace"

	"signalflow/internal/domain"
	"signalflow/internal/infra/config"
	"signalflow/internal/infra/tracer"
)

const defaultMaxTokens = 4096

// systemPrompt pins the response contract; the per-call prompt carries the
// signal, guideline, and context.
const systemPrompt = "You are a signal analysis service. Respond with a single JSON object " +
	"containing a \"classification\" section and a \"recommendations\" array. No prose."

// bedrockConverseAPI abstracts the Bedrock runtime call for testability.
type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockClient implements domain.ReasoningClient via the Bedrock Converse
// API. It honors the caller's context deadline and reports token usage on
// every successful call.
type BedrockClient struct {
	model  string
	client bedrockConverseAPI
	logger *slog.Logger
}

// NewBedrockClient creates a client using the default AWS credential chain.
func NewBedrockClient(cfg config.ReasoningConfig, logger *slog.Logger) (*BedrockClient, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &BedrockClient{
		model:  cfg.Model,
		client: bedrockruntime.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// newBedrockClientWithAPI creates a BedrockClient with an injected API (for testing).
func newBedrockClientWithAPI(model string, client bedrockConverseAPI, logger *slog.Logger) *BedrockClient {
	return &BedrockClient{model: model, client: client, logger: logger}
}

// Execute implements domain.ReasoningClient.
func (c *BedrockClient) Execute(ctx context.Context, prompt string, signal domain.Signal) (*domain.ReasoningResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "reasoning.execute",
		trace.WithAttributes(
			tracer.StringAttr("reasoning.model", c.model),
			tracer.StringAttr("signal.id", signal.ID),
			tracer.StringAttr("signal.type", signal.Type),
		),
	)
	defer span.End()

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(c.model),
		System: []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: systemPrompt},
		},
		Messages: []types.Message{{
			Role: types.ConversationRoleUser,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: prompt},
			},
		}},
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(defaultMaxTokens),
		},
	}

	output, err := c.client.Converse(ctx, input)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, mapBedrockError(err)
	}

	resp := fromConverseOutput(output)
	span.SetAttributes(
		tracer.IntAttr("reasoning.tokens.input", resp.Usage.Input),
		tracer.IntAttr("reasoning.tokens.output", resp.Usage.Output),
	)
	tracer.SetOK(span)
	c.logger.Debug("reasoning call completed",
		"signal_id", signal.ID,
		"model", c.model,
		"input_tokens", resp.Usage.Input,
		"output_tokens", resp.Usage.Output,
		"finish_reason", resp.FinishReason,
	)
	return resp, nil
}

func fromConverseOutput(output *bedrockruntime.ConverseOutput) *domain.ReasoningResponse {
	resp := &domain.ReasoningResponse{
		FinishReason: string(output.StopReason),
	}
	if output.Usage != nil {
		in := int(aws.ToInt32(output.Usage.InputTokens))
		out := int(aws.ToInt32(output.Usage.OutputTokens))
		resp.Usage = domain.TokenUsage{Input: in, Output: out, Total: in + out}
	}

	var text strings.Builder
	if msg, ok := output.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if b, ok := block.(*types.ContentBlockMemberText); ok {
				text.WriteString(b.Value)
			}
		}
	}
	resp.Result = extractJSON(text.String())
	return resp
}

// extractJSON pulls the JSON document out of a model response that may be
// wrapped in code fences or surrounding prose. Validation of the document's
// shape belongs to the caller; an empty result is returned verbatim.
func extractJSON(text string) json.RawMessage {
	text = strings.TrimSpace(text)
	if after, ok := strings.CutPrefix(text, "```json"); ok {
		text = after
	} else if after, ok := strings.CutPrefix(text, "```"); ok {
		text = after
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return json.RawMessage(strings.TrimSpace(text))
}

// mapBedrockError folds service errors into the reasoning-call sentinel so
// every failure mode yields the same structured failure code upstream.
// Throttling and availability codes keep their detail for the logs.
func mapBedrockError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch code {
		case "ThrottlingException", "TooManyRequestsException":
			return fmt.Errorf("%w: throttled: %s", domain.ErrReasoningCall, apiErr.ErrorMessage())
		case "ModelNotReadyException", "ServiceUnavailableException", "InternalServerException":
			return fmt.Errorf("%w: unavailable (%s): %s", domain.ErrReasoningCall, code, apiErr.ErrorMessage())
		default:
			return fmt.Errorf("%w: %s: %s", domain.ErrReasoningCall, code, apiErr.ErrorMessage())
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrReasoningCall, err)
}

var _ domain.ReasoningClient = (*BedrockClient)(nil)
