// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/nuvemplay/core/internal/domain"
	"github.com/nuvemplay/core/internal/reliability"
	"github.com/nuvemplay/core/internal/store"
)

// uptimeWindow is the horizon of the uptime figure on the PC detail view.
const uptimeWindow = 7 * 24 * time.Hour

type pcRequest struct {
	Name           string   `json:"name"`
	CPU            string   `json:"cpu"`
	GPU            string   `json:"gpu"`
	RAMGB          int      `json:"ramGb"`
	StorageGB      int      `json:"storageGb"`
	UplinkMbps     int      `json:"uplinkMbps"`
	PricePerHour   float64  `json:"pricePerHour"`
	ConnectionHost string   `json:"connectionHost"`
	ConnectionPort int      `json:"connectionPort"`
	ConnectAddress string   `json:"connectAddress"`
	Categories     []string `json:"categories"`
	Software       []string `json:"software"`
}

func (req *pcRequest) categories() ([]domain.Category, error) {
	out := make([]domain.Category, 0, len(req.Categories))
	for _, raw := range req.Categories {
		c := domain.Category(strings.ToUpper(strings.TrimSpace(raw)))
		if !c.Valid() {
			return nil, domain.Validationf("unknown category %q", raw)
		}
		out = append(out, c)
	}
	return out, nil
}

func (req *pcRequest) validate() error {
	if strings.TrimSpace(req.Name) == "" {
		return domain.Validationf("name is required")
	}
	if req.PricePerHour < 0 {
		return domain.Validationf("pricePerHour must not be negative")
	}
	if req.ConnectionPort < 0 || req.ConnectionPort > 65535 {
		return domain.Validationf("connectionPort must be a port number")
	}
	return nil
}

// apply copies the request onto the PC, filling defaults.
func (req *pcRequest) apply(pc *domain.PC) error {
	cats, err := req.categories()
	if err != nil {
		return err
	}
	port := req.ConnectionPort
	if port == 0 {
		port = domain.DefaultConnectionPort
	}
	pc.Name = strings.TrimSpace(req.Name)
	pc.CPU = req.CPU
	pc.GPU = req.GPU
	pc.RAMGB = req.RAMGB
	pc.StorageGB = req.StorageGB
	pc.UplinkMbps = req.UplinkMbps
	pc.PricePerHour = req.PricePerHour
	pc.ConnectionHost = req.ConnectionHost
	pc.ConnectionPort = port
	pc.ConnectAddress = req.ConnectAddress
	pc.Categories = cats
	pc.Software = req.Software
	return nil
}

// handlePCCreate registers a listing. First use promotes the caller to
// host and creates the host profile. Machines start OFFLINE; the host's
// heartbeat self-report or an explicit status patch brings them up.
func (s *Server) handlePCCreate(w http.ResponseWriter, r *http.Request) {
	var req pcRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, r, err)
		return
	}

	now := s.clock.Now().UTC()
	pc := &domain.PC{
		ID:        uuid.NewString(),
		Status:    domain.PCOffline,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := req.apply(pc); err != nil {
		writeError(w, r, err)
		return
	}

	err := s.store.WithTx(r.Context(), func(tx *store.Tx) error {
		host, err := tx.GetOrCreateHostProfile(callerID(r), now)
		if err != nil {
			return err
		}
		pc.HostID = host.ID
		return tx.InsertPC(pc)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.logger.Info().
		Str("event", "pc.registered").
		Str("pc_id", pc.ID).
		Str("host_id", pc.HostID).
		Str("name", pc.Name).
		Msg("pc listed")
	writeJSON(w, http.StatusCreated, map[string]any{"pc": pc})
}

// handlePCList returns listings, optionally narrowed by status, by
// category CSV (any-of) and by a q name search that ignores case and
// accents.
func (s *Server) handlePCList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter store.PCFilter
	if raw := strings.ToUpper(strings.TrimSpace(q.Get("status"))); raw != "" {
		status := domain.PCStatus(raw)
		if !status.Valid() {
			writeError(w, r, domain.Validationf("unknown status %q", raw))
			return
		}
		filter.Status = status
	}

	var categories []domain.Category
	for _, raw := range strings.Split(q.Get("categories"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		c := domain.Category(strings.ToUpper(raw))
		if !c.Valid() {
			writeError(w, r, domain.Validationf("unknown category %q", raw))
			return
		}
		categories = append(categories, c)
	}
	// A single category is pushed into the query; larger sets filter here.
	if len(categories) == 1 {
		filter.Category = categories[0]
	}

	pcs, err := s.store.ListPCs(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if len(categories) > 1 {
		pcs = filterByCategories(pcs, categories)
	}
	if search := foldName(q.Get("q")); search != "" {
		kept := pcs[:0]
		for _, pc := range pcs {
			if strings.Contains(foldName(pc.Name), search) {
				kept = append(kept, pc)
			}
		}
		pcs = kept
	}

	writeJSON(w, http.StatusOK, map[string]any{"pcs": pcs, "count": len(pcs)})
}

func filterByCategories(pcs []*domain.PC, want []domain.Category) []*domain.PC {
	kept := pcs[:0]
	for _, pc := range pcs {
		have := make(map[domain.Category]bool, len(pc.Categories))
		for _, c := range pc.Categories {
			have[c] = true
		}
		for _, c := range want {
			if have[c] {
				kept = append(kept, pc)
				break
			}
		}
	}
	return kept
}

// foldName lowercases and strips combining marks so "São Paulo" matches
// "sao paulo". The transformer chain is stateful, so it is built per call.
func foldName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(folded)
}

type pcDetailResponse struct {
	PC               *domain.PC   `json:"pc"`
	QueueCount       int          `json:"queueCount"`
	ReliabilityBadge domain.Badge `json:"reliabilityBadge"`
	Uptime7d         float64      `json:"uptime7d"`
}

// handlePCGet returns one listing with its queue depth, the host's badge
// and the trailing-week uptime ratio.
func (s *Server) handlePCGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pc, err := s.store.GetPC(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if pc == nil {
		writeDomainError(w, domain.ErrPCNotFound)
		return
	}

	queueCount, err := s.store.CountWaiting(ctx, pc.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	host, err := s.store.GetHostProfile(ctx, pc.HostID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	uptime, err := s.tracker.UptimeRatio(ctx, pc.HostID, uptimeWindow, s.clock.Now().UTC())
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, pcDetailResponse{
		PC:               pc,
		QueueCount:       queueCount,
		ReliabilityBadge: reliability.BadgeFor(host),
		Uptime7d:         uptime,
	})
}

// ownedPC loads a PC and verifies the caller's host profile owns it.
func (s *Server) ownedPC(r *http.Request, id string) (*domain.PC, error) {
	pc, err := s.store.GetPC(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if pc == nil {
		return nil, domain.ErrPCNotFound
	}
	host, err := s.hostProfileOf(r)
	if err != nil {
		return nil, err
	}
	if pc.HostID != host.ID {
		return nil, domain.Forbiddenf("pc belongs to another host")
	}
	return pc, nil
}

// handlePCUpdate rewrites the listing attributes. Status is not touched
// here; it has its own endpoint.
func (s *Server) handlePCUpdate(w http.ResponseWriter, r *http.Request) {
	var req pcRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, r, err)
		return
	}

	pc, err := s.ownedPC(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := req.apply(pc); err != nil {
		writeError(w, r, err)
		return
	}
	pc.UpdatedAt = s.clock.Now().UTC()

	err = s.store.WithTx(r.Context(), func(tx *store.Tx) error {
		return tx.UpdatePC(pc)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pc": pc})
}

type pcStatusRequest struct {
	Status string `json:"status"`
}

// handlePCStatus manually flips a listing ONLINE or OFFLINE. BUSY is
// owned by the session lifecycle and cannot be set or overridden here.
func (s *Server) handlePCStatus(w http.ResponseWriter, r *http.Request) {
	var req pcStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	status := domain.PCStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if status != domain.PCOnline && status != domain.PCOffline {
		writeError(w, r, domain.Validationf("status must be ONLINE or OFFLINE, got %q", req.Status))
		return
	}

	pc, err := s.ownedPC(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if pc.Status == domain.PCBusy {
		writeDomainError(w, domain.ErrSessionExists)
		return
	}

	pc.Status = status
	pc.UpdatedAt = s.clock.Now().UTC()
	err = s.store.WithTx(r.Context(), func(tx *store.Tx) error {
		return tx.UpdatePC(pc)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	// A listing coming ONLINE is a freed slot; offer it to the queue.
	if status == domain.PCOnline {
		s.queue.PromoteNext(r.Context(), pc.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"pc": pc})
}

// handlePCDelete removes a listing. Open sessions block the delete; the
// waiting queue and calendar go with the listing.
func (s *Server) handlePCDelete(w http.ResponseWriter, r *http.Request) {
	pc, err := s.ownedPC(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	err = s.store.WithTx(r.Context(), func(tx *store.Tx) error {
		open, err := tx.OpenSessionForPC(pc.ID)
		if err != nil {
			return err
		}
		if open != nil {
			return domain.ErrSessionExists
		}
		return tx.DeletePC(pc.ID)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.logger.Info().
		Str("event", "pc.delisted").
		Str("pc_id", pc.ID).
		Str("host_id", pc.HostID).
		Msg("pc removed")
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}
