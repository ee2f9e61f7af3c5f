package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/medvault/medvault/internal/platform/websocket"
)

// Pusher delivers one stored notification on its channel.
type Pusher interface {
	Push(ctx context.Context, n Notification) error
}

// HubPusher pushes in-app notifications to the user's live websocket topic.
// The feed row is the durable copy, so an offline user is not a failure.
type HubPusher struct {
	hub *websocket.Hub
}

func NewHubPusher(hub *websocket.Hub) *HubPusher {
	return &HubPusher{hub: hub}
}

func (p *HubPusher) Push(ctx context.Context, n Notification) error {
	_, err := p.hub.PushToUser(ctx, n.UserID, "notification", n)
	return err
}

// SQSAPI is the part of *sqs.Client the pusher needs.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPusher enqueues authenticator-channel notifications for the companion
// authenticator app.
type SQSPusher struct {
	client   SQSAPI
	queueURL string
}

func NewSQSPusher(client SQSAPI, queueURL string) *SQSPusher {
	return &SQSPusher{client: client, queueURL: queueURL}
}

// NewSQSClient builds a client from the default AWS credential chain.
func NewSQSClient(ctx context.Context) (*sqs.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return sqs.New(sqs.Options{
		Region:       cfg.Region,
		Credentials:  cfg.Credentials,
		HTTPClient:   cfg.HTTPClient,
		BaseEndpoint: cfg.BaseEndpoint,
	}), nil
}

type authenticatorMessage struct {
	NotificationID string `json:"notificationId"`
	UserID         string `json:"userId"`
	Kind           Kind   `json:"kind"`
	Title          string `json:"title"`
	Body           string `json:"body"`
}

func (p *SQSPusher) Push(ctx context.Context, n Notification) error {
	body, err := json.Marshal(authenticatorMessage{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Kind:           n.Kind,
		Title:          n.Title,
		Body:           n.Body,
	})
	if err != nil {
		return fmt.Errorf("marshal authenticator message: %w", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"kind": {DataType: aws.String("String"), StringValue: aws.String(string(n.Kind))},
		},
	})
	if err != nil {
		return fmt.Errorf("send authenticator message: %w", err)
	}
	return nil
}
