package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ClareAI/astra-call-control/internal/core/webhook"
	"go.uber.org/zap"
)

// Notifier posts signed server-to-server notifications between call-control pods
type Notifier struct {
	client *http.Client
	signer *Signer
	log    *zap.Logger
}

func NewNotifier(signer *Signer, timeout time.Duration, log *zap.Logger) *Notifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{
		client: &http.Client{Timeout: timeout},
		signer: signer,
		log:    log,
	}
}

func (n *Notifier) Notify(ctx context.Context, url string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	sig, err := n.signer.Sign(body)
	if err != nil {
		return err
	}
	if sig != "" {
		req.Header.Set(SignatureHeader, sig)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("notify %s: %w", url, webhook.ErrTimeout)
		}
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		n.log.Warn("Notification rejected", zap.String("url", url), zap.Int("status_code", resp.StatusCode))
		return &webhook.StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return nil
}
