package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/abkawan/atomic-ledger/internal/api"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	successColor = "\033[32m" // Green
	errorColor   = "\033[31m" // Red
	infoColor    = "\033[34m" // Blue
	resetColor   = "\033[0m"  // Reset color
)

type Account struct {
	ID      uuid.UUID       `json:"id"`
	Number  string          `json:"number"`
	Balance decimal.Decimal `json:"balance"`

	token string
}

type Result struct {
	Status         string `json:"status"`
	TransactionRef string `json:"transaction_ref"`
}

type client struct {
	baseURL string
	http    *http.Client
	retries int
}

// retryable reports whether a request may be sent again under the same
// Idempotency-Key: the answer was lost, or the server asked for a retry.
func retryable(status int, err error) bool {
	if err != nil && status == 0 {
		return true
	}
	return status == http.StatusConflict || status == http.StatusServiceUnavailable || status >= http.StatusInternalServerError
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "ledger API base url")
	numAccounts := flag.Int("accounts", 50, "number of accounts to open")
	numTransfers := flag.Int("transfers", 5000, "number of transfers to send")
	numDeposits := flag.Int("deposits", 500, "number of deposits to send")
	maxConcurrency := flag.Int("concurrency", 100, "maximum number of concurrent requests")
	maxAmount := flag.Int("max-cents", 5000, "largest amount in cents")
	retries := flag.Int("retries", 3, "retries per request under the same idempotency key")
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fmt.Printf("%sJWT_SECRET must match the server%s\n", errorColor, resetColor)
		os.Exit(2)
	}
	auth := api.NewAuthenticator(secret)
	c := &client{baseURL: *baseURL, http: &http.Client{Timeout: 15 * time.Second}, retries: *retries}

	fmt.Printf("%sstarting a load test with %d accounts, %d transfers and %d deposits%s\n",
		infoColor, *numAccounts, *numTransfers, *numDeposits, resetColor)

	accounts := openAccounts(c, auth, *numAccounts)
	if len(accounts) < 2 {
		fmt.Printf("%sneed at least two accounts, got %d%s\n", errorColor, len(accounts), resetColor)
		os.Exit(1)
	}
	fmt.Printf("%sopened %d accounts%s\n", successColor, len(accounts), resetColor)

	before := decimal.Zero
	for _, a := range accounts {
		before = before.Add(a.Balance)
	}

	// Create semaphore for limiting concurrency
	sem := make(chan struct{}, *maxConcurrency)
	var wg sync.WaitGroup

	var (
		mu        sync.Mutex
		deposited = decimal.Zero
		// deposits whose outcome never reached us
		unknown  = decimal.Zero
		outcomes = map[int]int{}
	)
	record := func(status int, amount decimal.Decimal, deposit bool) {
		mu.Lock()
		defer mu.Unlock()
		outcomes[status]++
		if !deposit {
			return
		}
		switch {
		case status == http.StatusCreated:
			deposited = deposited.Add(amount)
		case status == 0 || status >= http.StatusInternalServerError:
			unknown = unknown.Add(amount)
		}
	}

	startTime := time.Now()
	total := *numTransfers + *numDeposits
	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{} // Acquire semaphore

		go func(n int) {
			defer wg.Done()
			defer func() { <-sem }() // Release semaphore

			amount := decimal.New(int64(1+rand.Intn(*maxAmount)), -2)
			from := accounts[rand.Intn(len(accounts))]

			if n < *numDeposits {
				status, err := c.post("/deposits", from.token, map[string]string{
					"to_account": from.Number,
					"amount":     amount.StringFixed(2),
				})
				if err != nil {
					fmt.Printf("%sdeposit failed: %v%s\n", errorColor, err, resetColor)
				}
				record(status, amount, true)
				return
			}

			to := accounts[rand.Intn(len(accounts))]
			for to.ID == from.ID {
				to = accounts[rand.Intn(len(accounts))]
			}
			status, err := c.post("/transfers", from.token, map[string]string{
				"from_account": from.ID.String(),
				"to_account":   to.Number,
				"amount":       amount.StringFixed(2),
			})
			if err != nil && n%100 == 0 {
				fmt.Printf("%stransfer failed: %v%s\n", errorColor, err, resetColor)
			}
			record(status, amount, false)
		}(i)
	}

	// Wait for all requests to complete
	wg.Wait()
	duration := time.Since(startTime)

	fmt.Printf("\n%s=== load test results ===%s\n", infoColor, resetColor)
	for status, n := range outcomes {
		fmt.Printf("HTTP %d: %d\n", status, n)
	}
	fmt.Printf("Duration: %.2f seconds\n", duration.Seconds())
	fmt.Printf("Throughput: %.2f requests/second\n", float64(total)/duration.Seconds())

	// Check conservation
	after := decimal.Zero
	for _, a := range accounts {
		current, err := c.getAccount(a)
		if err != nil {
			fmt.Printf("%serror retrieving account %s: %v%s\n", errorColor, a.ID, err, resetColor)
			os.Exit(1)
		}
		if current.Balance.IsNegative() {
			fmt.Printf("%saccount %s has negative balance %s%s\n", errorColor, a.ID, current.Balance, resetColor)
			os.Exit(1)
		}
		after = after.Add(current.Balance)
	}

	expected := before.Add(deposited)
	fmt.Printf("\nTotal before: %s, deposited: %s, unconfirmed: %s, total after: %s\n",
		before.StringFixed(2), deposited.StringFixed(2), unknown.StringFixed(2), after.StringFixed(2))
	// an unconfirmed deposit may or may not have committed
	if after.LessThan(expected) || after.GreaterThan(expected.Add(unknown)) {
		fmt.Printf("%sconservation violated: expected %s (up to %s more)%s\n",
			errorColor, expected.StringFixed(2), unknown.StringFixed(2), resetColor)
		os.Exit(1)
	}
	fmt.Printf("%sbalances conserved%s\n", successColor, resetColor)
}

// openAccounts opens one account for each of count fresh users
func openAccounts(c *client, auth *api.Authenticator, count int) []Account {
	accounts := make([]Account, 0, count)
	for i := 0; i < count; i++ {
		token, err := auth.Sign(uuid.New(), time.Hour)
		if err != nil {
			fmt.Printf("%sfailed to sign token: %v%s\n", errorColor, err, resetColor)
			continue
		}

		var account Account
		status, err := c.do(http.MethodPost, "/accounts", token, nil, &account)
		if err != nil || status != http.StatusCreated {
			fmt.Printf("%sfailed to open account, status: %d: %v%s\n", errorColor, status, err, resetColor)
			continue
		}
		account.token = token
		accounts = append(accounts, account)
	}
	return accounts
}

func (c *client) post(path, token string, body interface{}) (int, error) {
	var res Result
	return c.do(http.MethodPost, path, token, body, &res)
}

// getAccount retrieves account information
func (c *client) getAccount(a Account) (*Account, error) {
	var account Account
	status, err := c.do(http.MethodGet, "/accounts/"+a.ID.String(), a.token, nil, &account)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("status %d", status)
	}
	return &account, nil
}

// do sends one request. Requests with a body carry an Idempotency-Key and
// are retried under that same key, so a retry never applies twice.
func (c *client) do(method, path, token string, body, out interface{}) (int, error) {
	var (
		data []byte
		key  string
	)
	if body != nil {
		var err error
		if data, err = json.Marshal(body); err != nil {
			return 0, fmt.Errorf("failed to marshal JSON: %w", err)
		}
		key = uuid.NewString()
	}

	var (
		status int
		err    error
	)
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
		status, err = c.send(method, path, token, key, data, out)
		if !retryable(status, err) {
			return status, err
		}
	}
	return status, err
}

func (c *client) send(method, path, token, key string, data []byte, out interface{}) (int, error) {
	var reader io.Reader
	if data != nil {
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(api.IdempotencyHeader, key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("status %d, body: %s", resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, nil
}
