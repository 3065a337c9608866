package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/peyvandtel/broker/internal/config"
)

// SMSNotifier sends the low-balance template through a FaraPayamak-style
// REST panel.
type SMSNotifier struct {
	cfg    config.SMSConfig
	client *http.Client
}

func NewSMSNotifier(cfg config.SMSConfig, client *http.Client) (*SMSNotifier, error) {
	if cfg.URL == "" || cfg.Username == "" || cfg.Password == "" || cfg.TemplateID == "" {
		return nil, errors.New("sms notifier: url, username, password and template_id are required")
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &SMSNotifier{cfg: cfg, client: client}, nil
}

type smsResponse struct {
	RetStatus    int    `json:"RetStatus"`
	StrRetStatus string `json:"StrRetStatus"`
	Value        string `json:"Value"`
}

func (s *SMSNotifier) NotifyLowBalance(ctx context.Context, n LowBalance) error {
	if n.Mobile == "" {
		return nil
	}
	// Template tokens are separated by ';' so they must not contain it.
	tokens := []string{strings.ReplaceAll(n.Name, ";", "")}

	form := url.Values{}
	form.Set("username", s.cfg.Username)
	form.Set("password", s.cfg.Password)
	form.Set("to", n.Mobile)
	form.Set("bodyId", s.cfg.TemplateID)
	form.Set("text", strings.Join(tokens, ";"))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(s.cfg.URL, "/")+"/BaseServiceNumber", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending sms: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("reading sms response: %w", err)
	}
	var r smsResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return fmt.Errorf("sms provider returned status %d with invalid body", resp.StatusCode)
	}
	if !strings.EqualFold(r.StrRetStatus, "ok") || r.RetStatus != 1 {
		return fmt.Errorf("sms provider rejected the message: %s (%d)", r.StrRetStatus, r.RetStatus)
	}
	return nil
}
