package notify

import (
	"context"
	"log"
)

// LogSender writes deliveries to the process log instead of an SMS or email
// gateway. Deployments plug real providers in behind the service interfaces;
// the worker itself stays provider-agnostic.
type LogSender struct{}

func NewLogSender() *LogSender {
	return &LogSender{}
}

func (s *LogSender) SendSMS(ctx context.Context, accountID, message string) error {
	log.Printf("[sms] account=%s %s", accountID, message)
	return nil
}

func (s *LogSender) SendEmail(ctx context.Context, accountID, subject, body string) error {
	log.Printf("[email] account=%s subject=%q %s", accountID, subject, body)
	return nil
}
