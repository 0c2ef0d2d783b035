package notifier

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioNotifier delivers text messages through the Twilio REST API. One
// attempt per send, no retries.
type TwilioNotifier struct {
	client *twilio.RestClient
	from   string
	logger *logrus.Logger
}

func NewTwilioNotifier(accountSID, authToken, from string, logger *logrus.Logger) *TwilioNotifier {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})

	return &TwilioNotifier{
		client: client,
		from:   from,
		logger: logger,
	}
}

func (n *TwilioNotifier) Send(_ context.Context, to, body string) error {
	params := &openapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(n.from)
	params.SetBody(body)

	resp, err := n.client.Api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("twilio send failed: %w", err)
	}

	if resp.Sid != nil {
		n.logger.WithFields(logrus.Fields{
			"to":  to,
			"sid": *resp.Sid,
		}).Info("SMS queued for delivery")
	}

	return nil
}
