package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	golog "github.com/textileio/go-log/v2"
	"github.com/textileio/sealbid/buildinfo"
	"github.com/textileio/sealbid/lib/auction"
	"github.com/textileio/sealbid/service/commitment"
	"github.com/textileio/sealbid/service/membership"
	"github.com/textileio/sealbid/service/registry"
	"github.com/textileio/sealbid/service/store"
)

var (
	log = golog.Logger("sealbid/api")

	// maxBodySize bounds request bodies.
	maxBodySize int64 = 64 << 10
)

// Service provides scoped access to the sealbid service.
type Service interface {
	StartAuction(ctx context.Context, req registry.StartRequest) (*auction.Auction, error)
	SubmitCommitment(ctx context.Context, id auction.ID, p auction.ParticipantID, value []byte) (registry.Ack, error)
	CloseAuction(ctx context.Context, id auction.ID, requester auction.ParticipantID) error
	CancelAuction(ctx context.Context, id auction.ID, requester auction.ParticipantID) error
	ExtendAuction(ctx context.Context, id auction.ID, requester auction.ParticipantID, deadline time.Time) (*auction.Auction, error)
	GetStatus(ctx context.Context, id auction.ID) (auction.Status, error)
	GetResolution(ctx context.Context, id auction.ID, requester auction.ParticipantID) (auction.Resolution, error)
	Pending(ctx context.Context, id auction.ID) ([]auction.ParticipantID, error)
	History(ctx context.Context, id auction.ID) ([]commitment.LedgerEntry, error)
	ListAuctions(ctx context.Context, q store.Query) ([]*auction.Auction, error)
	SetPlayers(
		ctx context.Context,
		channel auction.ChannelID,
		requester auction.ParticipantID,
		candidates []auction.ParticipantID,
	) (*membership.Roster, []auction.ParticipantID, error)
	Redeliver(ctx context.Context, id auction.ID) error
}

// StartAuctionRequest is the body of POST /auctions.
type StartAuctionRequest struct {
	ChannelID auction.ChannelID
	CreatorID auction.ParticipantID
	Config    auction.Config

	// Duration is a Go duration string, such as "10m".
	Duration     string                  `json:",omitempty"`
	Deadline     time.Time               `json:",omitempty"`
	NoDeadline   bool                    `json:",omitempty"`
	Participants []auction.ParticipantID `json:",omitempty"`
}

// CommitRequest is the body of POST /auctions/{id}/commitments.
type CommitRequest struct {
	Participant auction.ParticipantID
	Value       string
}

// RequesterRequest is the body of close and cancel requests.
type RequesterRequest struct {
	Requester auction.ParticipantID
}

// ExtendRequest is the body of POST /auctions/{id}/extend. Deadline wins over Duration.
type ExtendRequest struct {
	Requester auction.ParticipantID
	Deadline  time.Time `json:",omitempty"`
	Duration  string    `json:",omitempty"`
}

// PlayersRequest is the body of PUT /channels/{id}/players.
type PlayersRequest struct {
	Requester    auction.ParticipantID
	Participants []auction.ParticipantID
}

// PlayersResponse answers PUT /channels/{id}/players.
type PlayersResponse struct {
	Roster  *membership.Roster
	Dropped []auction.ParticipantID `json:",omitempty"`
}

// NewServer returns a new http server for sealbid commands.
func NewServer(listenAddr string, service Service) (*http.Server, error) {
	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           createMux(service),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("stopping http server: %s", err)
		}
	}()

	log.Infof("http server started at %s", listenAddr)
	return httpServer, nil
}

func createMux(service Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler)

	r.Route("/auctions", func(r chi.Router) {
		r.Get("/", listHandler(service))
		r.Post("/", startHandler(service))
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", statusHandler(service))
			r.Post("/commitments", commitHandler(service))
			r.Post("/close", closeHandler(service))
			r.Post("/cancel", cancelHandler(service))
			r.Post("/extend", extendHandler(service))
			r.Post("/redeliver", redeliverHandler(service))
			r.Get("/pending", pendingHandler(service))
			r.Get("/resolution", resolutionHandler(service))
			r.Get("/history", historyHandler(service))
		})
	})
	r.Put("/channels/{id}/players", playersHandler(service))
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debugf("%s %s %d %s (%s)", r.Method, r.URL.Path, ww.Status(), time.Since(start),
			middleware.GetReqID(r.Context()))
	})
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func versionHandler(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte(buildinfo.Summary()))
}

func listHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := parseQuery(r)
		if err != nil {
			httpError(w, err.Error(), http.StatusBadRequest)
			return
		}
		list, err := service.ListAuctions(r.Context(), q)
		if err != nil {
			serviceError(w, "listing auctions", err)
			return
		}
		if list == nil {
			list = []*auction.Auction{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func parseQuery(r *http.Request) (store.Query, error) {
	var q store.Query
	params := r.URL.Query()
	for _, s := range strings.Split(params.Get("state"), ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		st, err := auction.StateByString(s)
		if err != nil {
			return q, fmt.Errorf("%s: %s", s, err)
		}
		q.States = append(q.States, st)
	}
	q.Offset = params.Get("offset")
	q.Channel = auction.ChannelID(params.Get("channel"))
	if l := params.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			return q, fmt.Errorf("parsing limit: %s", err)
		}
		q.Limit = n
	}
	switch params.Get("order") {
	case "", "desc":
		q.Order = store.OrderDescending
	case "asc":
		q.Order = store.OrderAscending
	default:
		return q, fmt.Errorf("invalid order %q", params.Get("order"))
	}
	return q, nil
}

func startHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body StartAuctionRequest
		if !decodeJSON(w, r, &body) {
			return
		}
		req := registry.StartRequest{
			ChannelID:    body.ChannelID,
			CreatorID:    body.CreatorID,
			Config:       body.Config,
			Deadline:     body.Deadline,
			NoDeadline:   body.NoDeadline,
			Participants: body.Participants,
		}
		if body.Duration != "" {
			d, err := time.ParseDuration(body.Duration)
			if err != nil {
				httpError(w, fmt.Sprintf("parsing duration: %s", err), http.StatusBadRequest)
				return
			}
			req.Duration = d
		}
		a, err := service.StartAuction(r.Context(), req)
		if err != nil {
			serviceError(w, "starting auction", err)
			return
		}
		writeJSON(w, http.StatusCreated, a)
	}
}

func statusHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := service.GetStatus(r.Context(), auctionID(r))
		if err != nil {
			serviceError(w, "getting status", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func commitHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body CommitRequest
		if !decodeJSON(w, r, &body) {
			return
		}
		ack, err := service.SubmitCommitment(r.Context(), auctionID(r), body.Participant, []byte(body.Value))
		if err != nil {
			serviceError(w, "submitting commitment", err)
			return
		}
		writeJSON(w, http.StatusOK, ack)
	}
}

func closeHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body RequesterRequest
		if !decodeJSON(w, r, &body) {
			return
		}
		if err := service.CloseAuction(r.Context(), auctionID(r), body.Requester); err != nil {
			serviceError(w, "closing auction", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func cancelHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body RequesterRequest
		if !decodeJSON(w, r, &body) {
			return
		}
		if err := service.CancelAuction(r.Context(), auctionID(r), body.Requester); err != nil {
			serviceError(w, "cancelling auction", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func extendHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body ExtendRequest
		if !decodeJSON(w, r, &body) {
			return
		}
		deadline := body.Deadline
		if deadline.IsZero() {
			d, err := time.ParseDuration(body.Duration)
			if err != nil {
				httpError(w, "a deadline or a valid duration is required", http.StatusBadRequest)
				return
			}
			deadline = time.Now().Add(d)
		}
		a, err := service.ExtendAuction(r.Context(), auctionID(r), body.Requester, deadline)
		if err != nil {
			serviceError(w, "extending auction", err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func redeliverHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := service.Redeliver(r.Context(), auctionID(r)); err != nil {
			serviceError(w, "redelivering event", err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func pendingHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending, err := service.Pending(r.Context(), auctionID(r))
		if err != nil {
			serviceError(w, "listing pending participants", err)
			return
		}
		writeJSON(w, http.StatusOK, pending)
	}
}

func resolutionHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requester := auction.ParticipantID(r.URL.Query().Get("requester"))
		res, err := service.GetResolution(r.Context(), auctionID(r), requester)
		if err != nil {
			serviceError(w, "getting resolution", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func historyHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, err := service.History(r.Context(), auctionID(r))
		if err != nil {
			serviceError(w, "getting history", err)
			return
		}
		if h == nil {
			h = []commitment.LedgerEntry{}
		}
		writeJSON(w, http.StatusOK, h)
	}
}

func playersHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body PlayersRequest
		if !decodeJSON(w, r, &body) {
			return
		}
		channel := auction.ChannelID(chi.URLParam(r, "id"))
		roster, dropped, err := service.SetPlayers(r.Context(), channel, body.Requester, body.Participants)
		if err != nil {
			serviceError(w, "setting players", err)
			return
		}
		writeJSON(w, http.StatusOK, PlayersResponse{Roster: roster, Dropped: dropped})
	}
}

func auctionID(r *http.Request) auction.ID {
	return auction.ID(chi.URLParam(r, "id"))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		httpError(w, fmt.Sprintf("decoding request: %s", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		httpError(w, fmt.Sprintf("json encoding: %s", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		log.Errorf("write failed: %v", err)
	}
}

func serviceError(w http.ResponseWriter, op string, err error) {
	httpError(w, fmt.Sprintf("%s: %s", op, err), statusFor(err))
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auction.ErrAuctionNotFound),
		errors.Is(err, auction.ErrResolutionNotFound):
		return http.StatusNotFound
	case errors.Is(err, auction.ErrAuctionNotOpen),
		errors.Is(err, auction.ErrAuctionInProgress),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, auction.ErrNotAuthorized),
		errors.Is(err, auction.ErrNotAMember),
		errors.Is(err, auction.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, auction.ErrInvalidArgument),
		errors.Is(err, auction.ErrInvalidConfig),
		errors.Is(err, auction.ErrEmptyCommitment),
		errors.Is(err, auction.ErrInvalidValue):
		return http.StatusBadRequest
	case errors.Is(err, auction.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, auction.ErrStoreUnavailable),
		errors.Is(err, auction.ErrMembershipUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func httpError(w http.ResponseWriter, err string, status int) {
	log.Debugf("request error: %s", err)
	http.Error(w, err, status)
}
