package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TwilioClient sends SMS through the Twilio Messages REST endpoint. It is a
// thin adapter: request shaping and auth only, no queueing or retrying.
type TwilioClient struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	httpClient *http.Client
}

// NewTwilioClient builds a client. timeout bounds each Send call end to end.
func NewTwilioClient(accountSID, authToken, from, baseURL string, timeout time.Duration) *TwilioClient {
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TwilioClient{
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type twilioMessageResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Send posts the message. "API accepted" (2xx) is success; anything else,
// including a timeout, is a failure for this cycle.
func (c *TwilioClient) Send(ctx context.Context, to, body, fromOverride string) (Result, error) {
	from := c.from
	if fromOverride != "" {
		from = fromOverride
	}
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", from)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.baseURL, c.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("send sms: %w", err)
	}
	defer resp.Body.Close()

	var parsed twilioMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		parsed = twilioMessageResponse{}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return Result{}, fmt.Errorf("send sms: provider status %d: %s", resp.StatusCode, parsed.Message)
	}
	return Result{ProviderMessageID: parsed.SID}, nil
}
