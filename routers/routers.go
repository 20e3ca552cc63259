package routers

import (
	"encoding/json"
	"net/http"

	"dpos-node/handlers"
	"dpos-node/logger"
	"dpos-node/metrics"
	"dpos-node/p2p"
	"dpos-node/ratelimit"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Route names double as rate limit endpoint keys
const (
	RouteGetPeer      = "peer.get"
	RoutePostPeer     = "peer.post"
	RouteBlocks       = "blocks"
	RouteConsensus    = "consensus"
	RouteInternal     = "internal"
	RouteTransactions = "transactions"
)

// DefaultMaxBodyBytes caps peer request payloads
const DefaultMaxBodyBytes = 2 << 20

// Options configures RegisterRoutes. Zero values disable the optional parts.
type Options struct {
	Limiter      *ratelimit.RateLimiter
	Metrics      *metrics.Metrics
	MaxBodyBytes int64
}

// RegisterRoutes sets up all the HTTP routes for the peer protocol
func RegisterRoutes(r *mux.Router, h *handlers.Handler, opts Options) {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}

	// Scraped by prometheus, kept out of the peer rate limits
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler()).Methods("GET")
	}

	peers := r.PathPrefix("/").Subrouter()
	peers.Use(MaxBytes(opts.MaxBodyBytes))
	if opts.Limiter != nil {
		peers.Use(RateLimit(opts.Limiter, opts.Metrics))
	}

	// Our version, port and height
	peers.HandleFunc(p2p.PeerPath, h.GetPeer).Methods("GET").Name(RouteGetPeer)

	// Announcement from a peer that wants to be known
	peers.HandleFunc(p2p.PeerPath, h.PostPeer).Methods("POST").Name(RoutePostPeer)

	// Block download for syncing peers
	peers.HandleFunc(p2p.BlocksPath, h.PostBlocks).Methods("POST").Name(RouteBlocks)

	// Consensus poll used for network quorum
	peers.HandleFunc(p2p.ConsensusPath, h.PostConsensus).Methods("POST").Name(RouteConsensus)

	// Whitelisted administrative queries
	peers.HandleFunc(p2p.InternalPath, h.PostInternal).Methods("POST").Name(RouteInternal)

	// Transaction relay into the pool
	peers.HandleFunc(p2p.TransactionsPath, h.PostTransactions).Methods("POST").Name(RouteTransactions)
}

// RateLimit refuses requests once the caller spent its global or per route
// budget. Route names are the endpoint keys.
func RateLimit(limiter *ratelimit.RateLimiter, m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			endpoint := ""
			if route := mux.CurrentRoute(r); route != nil {
				endpoint = route.GetName()
			}
			ip := handlers.ClientIP(r)
			if err := limiter.Consume(ip, endpoint); err != nil {
				m.RateLimited(endpoint)
				logger.Logger.Debug("Rate limited request", zap.String("ip", ip), zap.String("endpoint", endpoint))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(p2p.ErrorResponse{Error: err.Error()})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MaxBytes bounds request bodies to n bytes
func MaxBytes(n int64) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}
