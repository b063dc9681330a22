package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"
)

// End-to-end smoke check against a running reddog-api: provision, check,
// consume, credit, summary. Exits non-zero on the first mismatch.
func main() {
	base := os.Getenv("REDDOG_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}

	client := &http.Client{Timeout: 5 * time.Second}
	accountID := fmt.Sprintf("smoke-%d", rand.New(rand.NewSource(time.Now().UnixNano())).Int())

	var tokenResp struct {
		Token string `json:"token"`
	}
	call(client, base, "", http.MethodPost, "/v1/auth/token", map[string]any{
		"actor_id": "smoke",
	}, &tokenResp)

	var acct struct {
		Credits int64 `json:"credits"`
	}
	call(client, base, tokenResp.Token, http.MethodPost, "/v1/accounts", map[string]any{
		"account_id": accountID,
		"plan":       "starter",
	}, &acct)
	if acct.Credits != 1000 {
		log.Fatalf("expected starter grant of 1000, got %d", acct.Credits)
	}

	var check struct {
		Allowed  bool  `json:"allowed"`
		Required int64 `json:"required"`
	}
	call(client, base, tokenResp.Token, http.MethodPost, "/v1/billing/check", map[string]any{
		"account_id": accountID,
		"operation":  "farm_query",
	}, &check)
	if !check.Allowed {
		log.Fatalf("advisory check denied a funded account")
	}

	var consumed struct {
		Consumed  int64 `json:"consumed"`
		Remaining int64 `json:"remaining"`
	}
	call(client, base, tokenResp.Token, http.MethodPost, "/v1/billing/consume", map[string]any{
		"account_id": accountID,
		"operation":  "farm_query",
	}, &consumed)
	if consumed.Remaining != acct.Credits-consumed.Consumed {
		log.Fatalf("balance mismatch after consume: %d - %d != %d", acct.Credits, consumed.Consumed, consumed.Remaining)
	}

	var credited struct {
		Credits int64 `json:"credits"`
	}
	call(client, base, tokenResp.Token, http.MethodPost, "/v1/billing/credit", map[string]any{
		"account_id": accountID,
		"credits":    120,
		"source":     "payment",
	}, &credited)
	if credited.Credits != consumed.Remaining+120 {
		log.Fatalf("balance mismatch after credit: %d + 120 != %d", consumed.Remaining, credited.Credits)
	}

	var summary struct {
		Account struct {
			Credits int64 `json:"credits"`
		} `json:"account"`
		Transactions []struct {
			Amount int64 `json:"amount"`
		} `json:"transactions"`
	}
	call(client, base, tokenResp.Token, http.MethodGet, "/v1/billing/summary/"+accountID, nil, &summary)

	var net int64
	for _, tx := range summary.Transactions {
		net += tx.Amount
	}
	if net != summary.Account.Credits {
		log.Fatalf("ledger conservation failed: sum(tx)=%d balance=%d", net, summary.Account.Credits)
	}

	fmt.Printf("✅ billing smoke test passed: account=%s balance=%d\n", accountID, summary.Account.Credits)
}

func call(client *http.Client, base, token, method, path string, body any, out any) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			log.Fatalf("marshal %s: %v", path, err)
		}
	}
	req, err := http.NewRequest(method, base+path, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("request %s: %v", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("call %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Fatalf("call %s: unexpected status %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode %s: %v", path, err)
		}
	}
}
