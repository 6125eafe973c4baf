// Command transfer_load fires concurrent internal transfers between wallets of
// one owner and checks that the total balance is unchanged afterwards.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
)

type wallet struct {
	ID          string `json:"id"`
	BalanceSats int64  `json:"balance_sats"`
}

type client struct {
	http      *http.Client
	baseURL   string
	ownerKind string
	ownerID   string
}

func (c *client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Owner-Kind", c.ownerKind)
	req.Header.Set("X-Owner-Id", c.ownerID)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (c *client) total(ctx context.Context, ids []string) (int64, error) {
	var sum int64
	for _, id := range ids {
		var w wallet
		status, err := c.do(ctx, http.MethodGet, "/v1/wallets/"+id, nil, &w)
		if err != nil {
			return 0, err
		}
		if status != http.StatusOK {
			return 0, fmt.Errorf("get wallet %s: status %d", id, status)
		}
		sum += w.BalanceSats
	}
	return sum, nil
}

func main() {
	var (
		baseURL   string
		ownerKind string
		ownerID   string
		walletArg string
		workers   int
		perWorker int
		maxSats   int64
	)

	flag.StringVar(&baseURL, "url", "http://localhost:8080", "wallet service base URL")
	flag.StringVar(&ownerKind, "owner-kind", "profile", "X-Owner-Kind header")
	flag.StringVar(&ownerID, "owner-id", "", "X-Owner-Id header of the wallet owner")
	flag.StringVar(&walletArg, "wallets", "", "comma separated wallet ids, at least two, all owned by owner-id")
	flag.IntVar(&workers, "workers", 16, "concurrent transfer workers")
	flag.IntVar(&perWorker, "n", 100, "transfers per worker")
	flag.Int64Var(&maxSats, "max-sats", 1000, "upper bound of a single transfer in satoshis")
	flag.Parse()

	ids := strings.Split(walletArg, ",")
	if ownerID == "" || len(ids) < 2 {
		log.Fatal("--owner-id and at least two --wallets are required")
	}
	if workers <= 0 || perWorker <= 0 || maxSats <= 0 {
		log.Fatal("--workers, -n and --max-sats must be positive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &client{
		http:      &http.Client{Timeout: 30 * time.Second},
		baseURL:   strings.TrimRight(baseURL, "/"),
		ownerKind: ownerKind,
		ownerID:   ownerID,
	}

	before, err := c.total(ctx, ids)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("starting transfer load: wallets=%d workers=%d per_worker=%d total_sats=%d", len(ids), workers, perWorker, before)

	var (
		completed int64
		rejected  int64
		conflicts int64
		failures  int64
		wg        sync.WaitGroup
	)
	start := time.Now()

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker && ctx.Err() == nil; j++ {
				from := rand.IntN(len(ids))
				to := (from + 1 + rand.IntN(len(ids)-1)) % len(ids)
				amount := decimal.New(1+rand.Int64N(maxSats), -8)

				status, err := c.do(ctx, http.MethodPost, "/v1/transfers", map[string]string{
					"from_wallet_id": ids[from],
					"to_wallet_id":   ids[to],
					"amount_btc":     amount.String(),
				}, nil)
				switch {
				case err != nil:
					atomic.AddInt64(&failures, 1)
				case status == http.StatusOK:
					atomic.AddInt64(&completed, 1)
				case status == http.StatusConflict:
					// insufficient balance and lock conflicts share the status
					atomic.AddInt64(&conflicts, 1)
				case status == http.StatusUnprocessableEntity:
					atomic.AddInt64(&rejected, 1)
				default:
					atomic.AddInt64(&failures, 1)
				}
			}
		}()
	}
	wg.Wait()

	after, err := c.total(context.Background(), ids)
	if err != nil {
		log.Fatal(err)
	}

	elapsed := time.Since(start)
	fmt.Printf("done: completed=%d conflicts=%d rejected=%d failures=%d elapsed=%s transfers/s=%.2f\n",
		completed, conflicts, rejected, failures,
		elapsed.Truncate(time.Millisecond), float64(completed)/elapsed.Seconds())

	if before != after {
		log.Fatalf("total balance changed: before=%d after=%d", before, after)
	}
	fmt.Printf("total balance conserved: %d sats\n", after)
}
