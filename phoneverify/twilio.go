package phoneverify

import (
	"context"
	"errors"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	verify "github.com/twilio/twilio-go/rest/verify/v2"
)

// TwilioProvider calls the Twilio Verify v2 API.
type TwilioProvider struct {
	client     *twilio.RestClient
	serviceSID string
}

// NewTwilioProvider builds a provider from settings. It returns nil when the
// settings are not configured or the auth token is empty.
func NewTwilioProvider(settings Settings) *TwilioProvider {
	if !settings.Configured() || settings.AuthToken == "" {
		return nil
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: settings.AccountSID,
		Password: settings.AuthToken,
	})
	return &TwilioProvider{client: client, serviceSID: settings.ServiceSID}
}

func (p *TwilioProvider) CheckCode(ctx context.Context, phone, code string) (CheckOutcome, error) {
	if err := ctx.Err(); err != nil {
		return CheckOutcome{}, err
	}

	params := &verify.CreateVerificationCheckParams{}
	params.SetTo(phone)
	params.SetCode(code)

	resp, err := p.client.VerifyV2.CreateVerificationCheck(p.serviceSID, params)
	if err != nil {
		return CheckOutcome{}, fromTwilioError(err)
	}

	var out CheckOutcome
	if resp.Status != nil {
		out.Status = *resp.Status
	}
	if resp.Valid != nil {
		out.Valid = *resp.Valid
	}
	return out, nil
}

func (p *TwilioProvider) SendCode(ctx context.Context, phone string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	params := &verify.CreateVerificationParams{}
	params.SetTo(phone)
	params.SetChannel("sms")

	resp, err := p.client.VerifyV2.CreateVerification(p.serviceSID, params)
	if err != nil {
		return "", fromTwilioError(err)
	}
	if resp.Status == nil {
		return "", nil
	}
	return *resp.Status, nil
}

func fromTwilioError(err error) error {
	var restErr *twclient.TwilioRestError
	if errors.As(err, &restErr) {
		return &ProviderError{Code: restErr.Code, Status: restErr.Status, Message: restErr.Message}
	}
	return &ProviderError{Message: err.Error()}
}
