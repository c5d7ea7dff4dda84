package external

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"briefing/internal/types"
)

type mockSESAPI struct {
	sendEmailFunc func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

func (m *mockSESAPI) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	return m.sendEmailFunc(ctx, params, optFns...)
}

func TestSESSend_Success(t *testing.T) {
	var captured *sesv2.SendEmailInput
	mock := &mockSESAPI{
		sendEmailFunc: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			captured = params
			return &sesv2.SendEmailOutput{MessageId: aws.String("ses-msg-abc123")}, nil
		},
	}
	client := NewSESClientWithAPI(mock, SESClientConfig{ConfigSetName: "briefing-tracking"})

	msgID, err := client.Send(context.Background(), testSendInput())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgID != "ses-msg-abc123" {
		t.Errorf("message id = %q", msgID)
	}

	if got := aws.ToString(captured.FromEmailAddress); got != "The Daily Briefing <briefing@example.com>" {
		t.Errorf("from = %q", got)
	}
	if got := captured.Destination.ToAddresses; len(got) != 1 || got[0] != "reader@example.com" {
		t.Errorf("destination = %v", got)
	}
	if got := aws.ToString(captured.Content.Simple.Body.Html.Data); got != "<h1>Good morning</h1>" {
		t.Errorf("html = %q", got)
	}
	if got := aws.ToString(captured.ConfigurationSetName); got != "briefing-tracking" {
		t.Errorf("config set = %q", got)
	}
	if len(captured.EmailTags) != 1 || aws.ToString(captured.EmailTags[0].Value) != "dlv_001" {
		t.Errorf("tags = %+v", captured.EmailTags)
	}
}

func TestSESSend_NoFromNameNoTags(t *testing.T) {
	var captured *sesv2.SendEmailInput
	mock := &mockSESAPI{
		sendEmailFunc: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			captured = params
			return &sesv2.SendEmailOutput{}, nil
		},
	}
	input := testSendInput()
	input.From.Name = ""
	input.ReferenceID = ""

	if _, err := NewSESClientWithAPI(mock, SESClientConfig{}).Send(context.Background(), input); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := aws.ToString(captured.FromEmailAddress); got != "briefing@example.com" {
		t.Errorf("from = %q", got)
	}
	if captured.EmailTags != nil || captured.ConfigurationSetName != nil {
		t.Error("tags and configuration set should be unset")
	}
}

func TestSESSend_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.ErrorCode
	}{
		{"rejected", &sestypes.MessageRejected{Message: aws.String("bad address")}, types.ErrCodeEmailBlocked},
		{"throttled", &sestypes.TooManyRequestsException{Message: aws.String("slow down")}, types.ErrCodeUpstreamRateLimited},
		{"paused", &sestypes.SendingPausedException{Message: aws.String("paused")}, types.ErrCodeUpstreamUnavailable},
		{"deadline", context.DeadlineExceeded, types.ErrCodeUpstreamTimeout},
		{"other", errors.New("boom"), types.ErrCodeUpstreamEmailProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockSESAPI{
				sendEmailFunc: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
					return nil, tt.err
				},
			}
			_, err := NewSESClientWithAPI(mock, SESClientConfig{}).Send(context.Background(), testSendInput())
			if got := types.CodeOf(err); got != tt.want {
				t.Errorf("code = %s, want %s", got, tt.want)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("expected cause to be preserved")
			}
		})
	}
}
