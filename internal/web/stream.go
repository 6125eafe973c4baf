package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vadiminshakov/orangewallet/internal/domain"
)

const backlogPage = 500

// handleLedgerStream sends the ledger entries of one wallet as Server-Sent Events:
// the backlog after ?after= (or Last-Event-ID) first, then live entries.
func (s *Server) handleLedgerStream(w http.ResponseWriter, r *http.Request) {
	walletID := chi.URLParam(r, "id")
	if _, err := s.svc.Wallets.GetForOwner(r.Context(), walletID, ownerFrom(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.svc.Stream == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "ledger stream not available", Code: "unavailable"})
		return
	}

	lastSeq, err := resumeFrom(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// subscribe before reading the backlog so nothing committed in between is missed
	live := s.svc.Stream.Subscribe(walletID)
	defer s.svc.Stream.Unsubscribe(live)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(e domain.LedgerEntry) error {
		payload, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: ledger\ndata: %s\n\n", e.Seq, payload); err != nil {
			return err
		}
		flusher.Flush()
		lastSeq = e.Seq
		return nil
	}

	// catchUp sends everything the store holds after lastSeq. Hooks of concurrent
	// commits may publish out of seq order, so entries are always read back from
	// the store and a notification only means "look again".
	catchUp := func() error {
		for {
			page, err := s.svc.Ledger.After(r.Context(), walletID, lastSeq, backlogPage)
			if err != nil {
				return err
			}
			for _, e := range page {
				if err := send(e); err != nil {
					return err
				}
			}
			if len(page) < backlogPage {
				return nil
			}
		}
	}

	if err := catchUp(); err != nil {
		s.l.Warn("ledger stream backlog", zap.String("wallet_id", walletID), zap.Error(err))
		return
	}

	// send a comment heartbeat so proxies keep the connection
	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-live:
			if !ok {
				return
			}
			if e.Seq <= lastSeq {
				continue
			}
			drain(live)
			if err := catchUp(); err != nil {
				s.l.Debug("ledger stream closed", zap.String("wallet_id", walletID), zap.Error(err))
				return
			}
		}
	}
}

// drain discards pending notifications; the following catch-up covers them.
func drain(ch <-chan domain.LedgerEntry) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func resumeFrom(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("after must be a ledger sequence number, got %q", raw)
	}
	return seq, nil
}
