package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"

	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/retry"
)

const userAgent = "LLM-Spend-Monitor/1.0"

// postJSON sends body to url. If secret is non-empty the request is signed with
// HMAC-SHA256 in X-Signature-256. Errors are classified for retry.
func postJSON(ctx context.Context, client *http.Client, url string, body []byte, secret string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range header {
		req.Header[k] = v
	}

	if secret != "" {
		sig := computeHMAC(body, []byte(secret))
		req.Header.Set("X-Signature-256", "sha256="+sig)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, retry.Transient(err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, retry.StatusError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

func computeHMAC(message, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}
