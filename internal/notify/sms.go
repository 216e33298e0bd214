package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sua-org/cam-console/internal/core"
	"golang.org/x/time/rate"
)

const defaultSMSAPIBase = "https://api.twilio.com"

// SMS envia o alerta via API REST de mensagens (formato Twilio).
//
// Env: SMS_ACCOUNT_SID, SMS_AUTH_TOKEN, SMS_FROM, SMS_TO (csv), SMS_API_BASE
// e SMS_MAX_PER_MINUTE (default 6).
type SMS struct {
	apiBase    string
	accountSID string
	authToken  string
	from       string
	to         []string
	client     *http.Client
	limiter    *rate.Limiter // nil = sem limite
}

func NewSMSFromEnv() *SMS {
	return &SMS{
		apiBase:    strings.TrimSuffix(getenv("SMS_API_BASE", defaultSMSAPIBase), "/"),
		accountSID: os.Getenv("SMS_ACCOUNT_SID"),
		authToken:  os.Getenv("SMS_AUTH_TOKEN"),
		from:       os.Getenv("SMS_FROM"),
		to:         parseCSV(os.Getenv("SMS_TO")),
		client:     &http.Client{Timeout: 10 * time.Second},
		limiter:    newPerMinuteLimiter(envInt("SMS_MAX_PER_MINUTE", 6)),
	}
}

func newPerMinuteLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
}

func (s *SMS) Name() string { return "sms" }

func (s *SMS) Enabled() bool {
	return s != nil && s.accountSID != "" && s.authToken != "" && s.from != "" && len(s.to) > 0
}

func (s *SMS) Notify(ctx context.Context, evt core.AlertEvent) error {
	if s.limiter != nil && !s.limiter.Allow() {
		return fmt.Errorf("limite de sms por minuto atingido, alerta %s não enviado", evt.ID)
	}

	body := FormatLine(evt)
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.apiBase, url.PathEscape(s.accountSID))

	for _, to := range s.to {
		if err := s.send(ctx, endpoint, to, body); err != nil {
			return fmt.Errorf("sms para %s: %w", to, err)
		}
	}
	return nil
}

func (s *SMS) send(ctx context.Context, endpoint, to, body string) error {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", s.from)
	form.Set("Body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(s.accountSID, s.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// a API devolve {"code":..., "message":...} nos erros
		var apiErr struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("status %d: %s (code %d)", resp.StatusCode, apiErr.Message, apiErr.Code)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
