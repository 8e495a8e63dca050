package kms

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/retry"
)

// Vault uses the HashiCorp Vault Transit engine as the key-management provider.
type Vault struct {
	address string
	token   string
	keyName string
	mount   string
	client  *http.Client
}

// NewVault creates a Transit-backed key manager.
func NewVault(address, token, keyName string) *Vault {
	return &Vault{
		address: strings.TrimRight(address, "/"),
		token:   token,
		keyName: keyName,
		mount:   "transit",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (v *Vault) GenerateDataKey(ctx context.Context) (DataKey, error) {
	var resp vaultResponse
	if err := v.post(ctx, "datakey/plaintext/"+v.keyName, map[string]any{"bits": DataKeySize * 8}, &resp); err != nil {
		return DataKey{}, fmt.Errorf("kms: vault datakey: %w", err)
	}
	plain, err := base64.StdEncoding.DecodeString(resp.Data.Plaintext)
	if err != nil || len(plain) != DataKeySize {
		return DataKey{}, fmt.Errorf("kms: vault returned malformed data key")
	}
	return DataKey{Plaintext: plain, Wrapped: []byte(resp.Data.Ciphertext)}, nil
}

func (v *Vault) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	if !bytes.HasPrefix(wrapped, []byte("vault:")) {
		return nil, ErrInvalidWrappedKey
	}
	var resp vaultResponse
	err := v.post(ctx, "decrypt/"+v.keyName, map[string]any{"ciphertext": string(wrapped)}, &resp)
	if retry.IsStatus(err, http.StatusBadRequest) {
		return nil, ErrInvalidWrappedKey
	}
	if err != nil {
		return nil, fmt.Errorf("kms: vault decrypt: %w", err)
	}
	plain, err := base64.StdEncoding.DecodeString(resp.Data.Plaintext)
	if err != nil {
		return nil, ErrInvalidWrappedKey
	}
	return plain, nil
}

func (v *Vault) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/%s/%s", v.address, v.mount, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Vault-Token", v.token)

	resp, err := v.client.Do(req)
	if err != nil {
		return retry.Transient(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return retry.Transient(fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return retry.StatusError(resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type vaultResponse struct {
	Data struct {
		Plaintext  string `json:"plaintext"`
		Ciphertext string `json:"ciphertext"`
	} `json:"data"`
}
