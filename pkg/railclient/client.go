/**
 * @description
 * This package provides a client for the external payment rail that executes
 * exchanges: pay-in requests, outbound fund transfers, transfer verification and
 * transaction-scoped virtual accounts. It encapsulates authenticated HTTP calls,
 * request body construction and error decoding.
 *
 * @dependencies
 * - net/http, encoding/json: transport and wire format.
 * - github.com/sirupsen/logrus: structured warnings on non-2xx responses.
 */
package railclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Client is a client for the rail API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new rail API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Fees is the fee breakdown quoted by the rail, in smallest units of the local
// (source) currency and of USD.
type Fees struct {
	BaseFeeLocal    int64 `json:"base_fee_local"`
	NetworkFeeLocal int64 `json:"network_fee_local"`
	PartnerFeeLocal int64 `json:"partner_fee_local"`
	BaseFeeUSD      int64 `json:"base_fee_usd"`
	NetworkFeeUSD   int64 `json:"network_fee_usd"`
	PartnerFeeUSD   int64 `json:"partner_fee_usd"`
}

// TotalLocal sums the local-currency fee components.
func (f Fees) TotalLocal() int64 {
	return f.BaseFeeLocal + f.NetworkFeeLocal + f.PartnerFeeLocal
}

// TotalUSD sums the USD fee components.
func (f Fees) TotalUSD() int64 {
	return f.BaseFeeUSD + f.NetworkFeeUSD + f.PartnerFeeUSD
}

// BankInfo is the account the rail expects the funds to be moved to.
type BankInfo struct {
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
	BankName      string `json:"bank_name"`
}

// PayInRequest opens a pay-in at a locked rate. Amount is in the source currency's
// smallest unit; Rate is a decimal string so no precision is lost on the wire.
type PayInRequest struct {
	Reference           string `json:"reference"`
	AccountRef          string `json:"account_id"`
	SourceCurrency      string `json:"source_currency"`
	DestinationCurrency string `json:"destination_currency"`
	Amount              int64  `json:"amount"`
	Rate                string `json:"rate"`
	Country             string `json:"country"`
	Channel             string `json:"channel"`
	Network             string `json:"network"`
}

type PayInResponse struct {
	ID              string   `json:"id"`
	Status          string   `json:"status"`
	ConvertedAmount int64    `json:"converted_amount"`
	ReceiveAmount   int64    `json:"receive_amount"`
	Fees            Fees     `json:"fees"`
	BankInfo        BankInfo `json:"bank_info"`
}

// TransferRequest moves funds from the user's rail account to the pay-in's
// settlement account. The rail executes at most one transfer per IdempotencyKey.
type TransferRequest struct {
	PayInRef       string   `json:"payin_id"`
	AccountRef     string   `json:"account_id"`
	Amount         int64    `json:"amount"`
	Currency       string   `json:"currency"`
	Destination    BankInfo `json:"destination"`
	Narration      string   `json:"narration"`
	IdempotencyKey string   `json:"-"`
}

type TransferResponse struct {
	TransactionReference string `json:"transaction_reference"`
	Status               string `json:"status"`
}

type transferStatusResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

// VirtualAccountRequest asks the rail for a receiving account scoped to one
// transaction reference.
type VirtualAccountRequest struct {
	AccountRef string `json:"account_id"`
	Reference  string `json:"reference"`
	Currency   string `json:"currency"`
	Type       string `json:"type"`
}

type VirtualAccountResponse struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
	BankName      string `json:"bank_name"`
}

// ErrorResponse represents an error from the rail API.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	Errors     []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("rail api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return fmt.Sprintf("rail api error (status %d)", e.StatusCode)
}

// ErrEmptyReference is returned when the rail answers 2xx without an id.
var ErrEmptyReference = errors.New("rail returned no reference")

// OpenPayInRequest opens a pay-in and returns the rail-assigned reference and quote.
func (c *Client) OpenPayInRequest(ctx context.Context, payload PayInRequest) (*PayInResponse, error) {
	var out PayInResponse
	if err := c.do(ctx, "open_payin", http.MethodPost, "/v1/payins", payload, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, ErrEmptyReference
	}
	return &out, nil
}

// CancelPayInRequest cancels an open pay-in. Cancelling an already-cancelled pay-in
// is accepted by the rail.
func (c *Client) CancelPayInRequest(ctx context.Context, ref string) error {
	return c.do(ctx, "cancel_payin", http.MethodPost, "/v1/payins/"+url.PathEscape(ref)+"/cancel", nil, nil)
}

// TransferFunds executes the outbound fund movement.
func (c *Client) TransferFunds(ctx context.Context, payload TransferRequest) (*TransferResponse, error) {
	var out TransferResponse
	var headers map[string]string
	if payload.IdempotencyKey != "" {
		headers = map[string]string{"Idempotency-Key": payload.IdempotencyKey}
	}
	if err := c.doWithHeaders(ctx, "transfer", http.MethodPost, "/v1/transfers", payload, &out, headers); err != nil {
		return nil, err
	}
	if out.TransactionReference == "" {
		return nil, ErrEmptyReference
	}
	return &out, nil
}

// VerifyTransferStatus reports whether the rail confirms the transfer settled.
func (c *Client) VerifyTransferStatus(ctx context.Context, ref string) (bool, error) {
	var out transferStatusResponse
	if err := c.do(ctx, "verify_transfer", http.MethodGet, "/v1/transfers/"+url.PathEscape(ref), nil, &out); err != nil {
		return false, err
	}
	switch strings.ToLower(out.Status) {
	case "completed", "successful", "success":
		return true, nil
	}
	return false, nil
}

// CreateVirtualAccount provisions a receiving account for one transaction.
func (c *Client) CreateVirtualAccount(ctx context.Context, payload VirtualAccountRequest) (*VirtualAccountResponse, error) {
	var out VirtualAccountResponse
	if err := c.do(ctx, "create_virtual_account", http.MethodPost, "/v1/virtual-accounts", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do is the generic helper for every rail call.
func (c *Client) do(ctx context.Context, op, method, path string, payload, out any) error {
	return c.doWithHeaders(ctx, op, method, path, payload, out, nil)
}

func (c *Client) doWithHeaders(ctx context.Context, op, method, path string, payload, out any, headers map[string]string) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.APIKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log := logrus.WithFields(logrus.Fields{"component": "rail_client", "op": op, "status": resp.StatusCode})
		errResp := ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Warn("non-2xx response (unparsable error body)")
			return &errResp
		}
		log.WithFields(logrus.Fields{"title": firstErrorTitle(errResp), "detail": firstErrorDetail(errResp)}).Warn("non-2xx response")
		return &errResp
	}

	if out == nil || len(bytes.TrimSpace(bodyBytes)) == 0 {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

func firstErrorTitle(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Title
}

func firstErrorDetail(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Detail
}
