package push

import (
	"context"
	"fmt"
	"log"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"nudgeline/internal/domain"
	"nudgeline/internal/store"
)

// FCM caps a batch send at 500 messages.
const maxBatch = 500

type sender interface {
	SendEach(ctx context.Context, messages []*messaging.Message) (*messaging.BatchResponse, error)
}

type FCM struct {
	Tokens
	Client sender
	Logger *log.Logger
}

// NewFCM initializes a Firebase app from a service account file.
func NewFCM(ctx context.Context, credentialsFile string, tokens store.TokenStore) (*FCM, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("error initializing app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting Messaging client: %w", err)
	}
	return &FCM{Tokens: Tokens{Store: tokens}, Client: client}, nil
}

func (f *FCM) logger() *log.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return log.Default()
}

// Send delivers msgs in batches and returns one result per message, in
// order. A failed batch call aborts the send.
func (f *FCM) Send(ctx context.Context, msgs []domain.PushMessage) ([]domain.SendResult, error) {
	res := make([]domain.SendResult, 0, len(msgs))
	for i := 0; i < len(msgs); i += maxBatch {
		end := i + maxBatch
		if end > len(msgs) {
			end = len(msgs)
		}
		batch := msgs[i:end]
		out := make([]*messaging.Message, 0, len(batch))
		for _, m := range batch {
			out = append(out, &messaging.Message{
				Token:        m.Token,
				Notification: &messaging.Notification{Title: m.Title, Body: m.Body},
				Data:         m.Data,
			})
		}
		br, err := f.Client.SendEach(ctx, out)
		if err != nil {
			return nil, fmt.Errorf("send batch %d-%d: %w", i, end-1, err)
		}
		if br.FailureCount > 0 {
			f.logger().Printf("fcm: batch %d-%d success=%d failure=%d", i, end-1, br.SuccessCount, br.FailureCount)
		}
		for j, m := range batch {
			var r *messaging.SendResponse
			if j < len(br.Responses) {
				r = br.Responses[j]
			}
			res = append(res, sendResult(m.Token, r))
		}
	}
	return res, nil
}

func sendResult(token string, r *messaging.SendResponse) domain.SendResult {
	if r == nil {
		return domain.SendResult{Token: token, FailureReason: "no response"}
	}
	if r.Success {
		return domain.SendResult{Token: token, OK: true}
	}
	out := domain.SendResult{Token: token}
	if r.Error != nil {
		out.FailureReason = r.Error.Error()
		out.Permanent = messaging.IsUnregistered(r.Error) || messaging.IsSenderIDMismatch(r.Error)
	}
	return out
}
