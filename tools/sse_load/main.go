// Command sse_load holds many ledger streams of one wallet open and checks what
// they deliver: every frame id must match its entry seq, seqs must strictly
// increase per connection, and when the run ends each connection must have seen
// every stored entry up to the highest seq it received.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

type ledgerEntry struct {
	Seq uint64 `json:"seq"`
	ID  string `json:"id"`
}

type target struct {
	http      *http.Client
	baseURL   string
	walletID  string
	ownerKind string
	ownerID   string
}

func (t *target) request(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/v1/wallets/"+t.walletID+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Owner-Kind", t.ownerKind)
	req.Header.Set("X-Owner-Id", t.ownerID)
	return req, nil
}

// stored returns the seqs of every entry the service holds for the wallet.
func (t *target) stored(ctx context.Context) ([]uint64, error) {
	req, err := t.request(ctx, "/ledger")
	if err != nil {
		return nil, err
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list ledger: status %d", resp.StatusCode)
	}

	var body struct {
		Entries []ledgerEntry `json:"entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	seqs := make([]uint64, 0, len(body.Entries))
	for _, e := range body.Entries {
		seqs = append(seqs, e.Seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// watcher is one stream consumer. It reconnects with Last-Event-ID after a
// broken stream, so the service has to resume exactly where it stopped.
type watcher struct {
	seen       map[uint64]struct{}
	last       uint64
	outOfOrder int
	mismatched int
	reconnects int
}

func (w *watcher) accept(frameID string, data []byte) {
	var e ledgerEntry
	if err := json.Unmarshal(data, &e); err != nil {
		w.mismatched++
		return
	}
	if id, err := strconv.ParseUint(frameID, 10, 64); err != nil || id != e.Seq {
		w.mismatched++
	}
	if e.Seq <= w.last {
		w.outOfOrder++
		return
	}
	w.seen[e.Seq] = struct{}{}
	w.last = e.Seq
}

// missing lists stored seqs at or below the high-water mark that never arrived.
func (w *watcher) missing(stored []uint64) []uint64 {
	var out []uint64
	for _, seq := range stored {
		if seq > w.last {
			break
		}
		if _, ok := w.seen[seq]; !ok {
			out = append(out, seq)
		}
	}
	return out
}

func (w *watcher) run(ctx context.Context, t *target, frames *int64) error {
	for ctx.Err() == nil {
		err := w.stream(ctx, t, frames)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && w.reconnects == 0 && w.last == 0 && len(w.seen) == 0 {
			return err
		}
		w.reconnects++
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
	}
	return nil
}

func (w *watcher) stream(ctx context.Context, t *target, frames *int64) error {
	req, err := t.request(ctx, "/ledger/stream")
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if w.last > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatUint(w.last, 10))
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("open stream: status %d", resp.StatusCode)
	}

	return readFrames(resp.Body, func(id string, data []byte) {
		atomic.AddInt64(frames, 1)
		w.accept(id, data)
	})
}

// readFrames dispatches each complete event; comment lines are heartbeats.
func readFrames(r io.Reader, fn func(id string, data []byte)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		id   string
		data []byte
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data != nil {
				fn(id, data)
			}
			id, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: ")...)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}

func main() {
	var (
		baseURL     string
		walletID    string
		ownerKind   string
		ownerID     string
		connections int
		duration    time.Duration
		rampUp      time.Duration
	)

	flag.StringVar(&baseURL, "url", "http://localhost:8080", "wallet service base URL")
	flag.StringVar(&walletID, "wallet", "", "wallet whose ledger stream is watched")
	flag.StringVar(&ownerKind, "owner-kind", "profile", "X-Owner-Kind header")
	flag.StringVar(&ownerID, "owner-id", "", "X-Owner-Id header of the wallet owner")
	flag.IntVar(&connections, "conns", 100, "concurrent streams")
	flag.DurationVar(&duration, "dur", time.Minute, "how long to watch (0 until interrupted)")
	flag.DurationVar(&rampUp, "ramp", time.Second, "spread stream starts across this window")
	flag.Parse()

	if walletID == "" || ownerID == "" {
		log.Fatal("--wallet and --owner-id are required")
	}
	if connections <= 0 {
		log.Fatalf("invalid conns: %d", connections)
	}

	t := &target{
		http: &http.Client{Transport: &http.Transport{
			MaxConnsPerHost:     connections + 10,
			MaxIdleConnsPerHost: connections + 10,
			DisableCompression:  true,
			DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		}},
		baseURL:   strings.TrimRight(baseURL, "/"),
		walletID:  walletID,
		ownerKind: ownerKind,
		ownerID:   ownerID,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	log.Printf("watching ledger stream: wallet=%s conns=%d duration=%s", walletID, connections, duration)

	var (
		frames   int64
		failed   int64
		wg       sync.WaitGroup
		watchers = make([]*watcher, connections)
		interval = rampUp / time.Duration(connections)
	)
	start := time.Now()

	for i := range watchers {
		if i > 0 && interval > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(interval):
			}
		}
		if ctx.Err() != nil {
			watchers = watchers[:i]
			break
		}
		w := &watcher{seen: make(map[uint64]struct{})}
		watchers[i] = w
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.run(ctx, t, &frames); err != nil {
				atomic.AddInt64(&failed, 1)
				log.Printf("stream failed: %v", err)
			}
		}()
	}
	wg.Wait()

	stored, err := t.stored(context.Background())
	if err != nil {
		log.Fatal(err)
	}

	var missing, outOfOrder, mismatched, reconnects int
	for _, w := range watchers {
		if gaps := w.missing(stored); len(gaps) > 0 {
			missing += len(gaps)
			log.Printf("stream skipped seqs %v (high-water %d)", gaps, w.last)
		}
		outOfOrder += w.outOfOrder
		mismatched += w.mismatched
		reconnects += w.reconnects
	}

	fmt.Printf("done: streams=%d failed=%d frames=%d stored=%d missing=%d out_of_order=%d mismatched=%d reconnects=%d elapsed=%s\n",
		len(watchers), failed, frames, len(stored), missing, outOfOrder, mismatched, reconnects,
		time.Since(start).Truncate(time.Millisecond))

	if missing > 0 || outOfOrder > 0 || mismatched > 0 {
		os.Exit(1)
	}
}
