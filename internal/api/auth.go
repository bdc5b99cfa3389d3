package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"
)

const (
	// ticketTTL is how long an operator websocket ticket is valid.
	ticketTTL = 60 * time.Second

	// ticketCleanInterval is how often expired tickets are purged.
	ticketCleanInterval = time.Minute

	ticketBytes = 16
)

// ticketStore holds pending operator websocket tickets.
// Tickets are single-use and expire after ticketTTL.
type ticketStore struct {
	mu      sync.Mutex
	tickets map[string]time.Time // ticket -> expiry
	now     func() time.Time
}

func newTicketStore() *ticketStore {
	return &ticketStore{
		tickets: make(map[string]time.Time),
		now:     time.Now,
	}
}

// issue creates and stores a new ticket.
func (ts *ticketStore) issue() string {
	b := make([]byte, ticketBytes)
	//nolint:errcheck // crypto/rand.Read always returns len(b) on supported platforms
	rand.Read(b)
	ticket := hex.EncodeToString(b)

	ts.mu.Lock()
	ts.tickets[ticket] = ts.now().Add(ticketTTL)
	ts.mu.Unlock()
	return ticket
}

// consume reports whether ticket is valid and removes it.
func (ts *ticketStore) consume(ticket string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	expiresAt, ok := ts.tickets[ticket]
	if !ok {
		return false
	}
	delete(ts.tickets, ticket)
	return ts.now().Before(expiresAt)
}

// purge drops expired tickets and returns how many were removed.
func (ts *ticketStore) purge() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := ts.now()
	n := 0
	for ticket, expiresAt := range ts.tickets {
		if !now.Before(expiresAt) {
			delete(ts.tickets, ticket)
			n++
		}
	}
	return n
}

func (ts *ticketStore) cleanLoop(ctx context.Context) {
	ticker := time.NewTicker(ticketCleanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ts.purge()
		}
	}
}

// handleWSTicket issues a single-use ticket for /api/v1/ws so the
// operator token never appears in a URL.
func (s *Server) handleWSTicket(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     s.tickets.issue(),
		"expires_in": int(ticketTTL.Seconds()),
	})
}
