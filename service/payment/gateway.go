package payment

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

// gatewayNotification is the webhook body the gateway POSTs for every
// transaction status change. Delivery is at-least-once.
type gatewayNotification struct {
	TransactionStatus string `json:"transaction_status"`
	OrderID           string `json:"order_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	PaymentType       string `json:"payment_type"`
	TransactionID     string `json:"transaction_id"`
	FraudStatus       string `json:"fraud_status"`
	SignatureKey      string `json:"signature_key"`
}

// SignatureKey computes the gateway's shared-secret signature:
// sha512(order_id + status_code + gross_amount + server_key), hex encoded.
func SignatureKey(orderID, statusCode, grossAmount, serverKey string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	return hex.EncodeToString(sum[:])
}

type SnapResponse struct {
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
}

// CreateGatewayTransaction registers the order with the payment gateway and
// returns the redirect URL the client completes payment on. With no gateway
// configured the order stays local, which keeps development setups working.
func CreateGatewayTransaction(orderID string, amount int64, customerEmail string) (*SnapResponse, error) {
	baseURL := os.Getenv("MIDTRANS_BASE_URL")
	if baseURL == "" {
		return &SnapResponse{}, nil
	}

	requestBody := map[string]interface{}{
		"transaction_details": map[string]interface{}{
			"order_id":     orderID,
			"gross_amount": amount,
		},
		"customer_details": map[string]interface{}{
			"email": customerEmail,
		},
	}
	payloadBytes, _ := json.Marshal(requestBody)

	req, err := http.NewRequest("POST", baseURL+"/snap/v1/transactions", bytes.NewBuffer(payloadBytes))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(os.Getenv("MIDTRANS_SERVER_KEY"), "")
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	var snap SnapResponse
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
