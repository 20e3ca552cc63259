package handlers

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"dpos-node/consensus"
	"dpos-node/logger"
	"dpos-node/models"
	"dpos-node/p2p"
	"dpos-node/ratelimit"
	"dpos-node/syncer"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Internal actions
const (
	ActionNetworkState = "networkState"
	ActionSyncProgress = "syncProgress"
	ActionRound        = "round"
)

// ChainService is the chain state the peer endpoints expose
type ChainService interface {
	LastBlock() (*models.Block, error)
	Height() uint64
	BlocksFrom(height uint64, limit int) ([]*models.Block, error)
	PeerState(now time.Time) models.PeerState
	Round() (consensus.RoundInfo, []*models.DelegateWallet)
	ForgingAllowed(network consensus.NetworkState, threshold float64) bool
}

// NetworkService reports the last sampled network state
type NetworkService interface {
	NetworkState() consensus.NetworkState
}

// SyncService reports synchronization progress
type SyncService interface {
	Progress() syncer.Progress
}

// Config holds the handler settings
type Config struct {
	Version             string
	Port                int
	MaxBlocksPerRequest int
	QuorumThreshold     float64
	TransactionPoolSize int
}

// Handler contains the HTTP handlers for the peer endpoints
type Handler struct {
	Chain   ChainService
	Peers   *p2p.PeerList
	Network NetworkService
	Sync    SyncService
	Limiter *ratelimit.RateLimiter

	cfg  Config
	pool *lru.Cache[string, models.Transaction]
	now  func() time.Time
}

// NewHandler creates and returns a new Handler instance
func NewHandler(chain ChainService, peers *p2p.PeerList, network NetworkService, sync SyncService, limiter *ratelimit.RateLimiter, cfg Config) (*Handler, error) {
	if cfg.MaxBlocksPerRequest <= 0 {
		cfg.MaxBlocksPerRequest = 400
	}
	if cfg.QuorumThreshold <= 0 {
		cfg.QuorumThreshold = consensus.DefaultQuorumThreshold
	}
	if cfg.TransactionPoolSize <= 0 {
		cfg.TransactionPoolSize = 1000
	}
	pool, err := lru.New[string, models.Transaction](cfg.TransactionPoolSize)
	if err != nil {
		return nil, err
	}
	return &Handler{
		Chain:   chain,
		Peers:   peers,
		Network: network,
		Sync:    sync,
		Limiter: limiter,
		cfg:     cfg,
		pool:    pool,
		now:     time.Now,
	}, nil
}

// ClientIP returns the address a request came from
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, p2p.ErrorResponse{Error: msg})
}

// GetPeer handles GET requests for this node's peer header. The height is
// left out while the node is still synchronizing.
func (h *Handler) GetPeer(w http.ResponseWriter, r *http.Request) {
	header := models.PeerHeader{Version: h.cfg.Version, Port: h.cfg.Port}
	if !h.Sync.Progress().Active {
		height := h.Chain.Height()
		header.Height = &height
	}
	writeJSON(w, http.StatusOK, header)
}

// PostPeer handles announcements from other nodes
func (h *Handler) PostPeer(w http.ResponseWriter, r *http.Request) {
	var header models.PeerHeader
	if err := json.NewDecoder(r.Body).Decode(&header); err != nil {
		logger.Logger.Error("Failed to decode peer announcement", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if header.Port <= 0 || header.Port > 65535 {
		writeError(w, http.StatusBadRequest, "Invalid peer port")
		return
	}

	peer := models.Peer{IP: ClientIP(r), PeerHeader: header}
	if !h.Peers.Add(peer) {
		writeError(w, http.StatusServiceUnavailable, "Peer list is full")
		return
	}
	logger.Logger.Debug("Peer announced", zap.String("peer", p2p.PeerKey(peer)), zap.String("version", header.Version))

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Peer accepted",
	})
}

// PostBlocks serves a range of stored blocks
func (h *Handler) PostBlocks(w http.ResponseWriter, r *http.Request) {
	var req p2p.BlocksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Logger.Error("Failed to decode blocks request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if req.FromHeight < 1 {
		writeError(w, http.StatusBadRequest, "fromHeight must be at least 1")
		return
	}
	limit := req.Limit
	if limit <= 0 || limit > h.cfg.MaxBlocksPerRequest {
		limit = h.cfg.MaxBlocksPerRequest
	}

	blocks, err := h.Chain.BlocksFrom(req.FromHeight, limit)
	if err != nil {
		logger.Logger.Error("Failed to load blocks", zap.Uint64("from", req.FromHeight), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if blocks == nil {
		blocks = []*models.Block{}
	}
	writeJSON(w, http.StatusOK, p2p.BlocksResponse{Blocks: blocks})
}

// PostConsensus answers a peer's poll with this node's consensus view
func (h *Handler) PostConsensus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Chain.PeerState(h.now()))
}

// PostInternal answers administrative queries from whitelisted addresses
func (h *Handler) PostInternal(w http.ResponseWriter, r *http.Request) {
	ip := ClientIP(r)
	if !h.Limiter.IsWhitelisted(ip) {
		logger.Logger.Warn("Internal request from non-whitelisted address", zap.String("ip", ip))
		writeError(w, http.StatusForbidden, "Forbidden")
		return
	}

	var req p2p.InternalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	switch req.Action {
	case ActionNetworkState:
		state := h.Network.NetworkState()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"networkState":   state,
			"forgingAllowed": h.Chain.ForgingAllowed(state, h.cfg.QuorumThreshold),
		})
	case ActionSyncProgress:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"syncProgress": h.Sync.Progress(),
			"height":       h.Chain.Height(),
		})
	case ActionRound:
		info, delegates := h.Chain.Round()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"round":     info,
			"delegates": delegates,
		})
	default:
		writeError(w, http.StatusBadRequest, "Unknown action "+req.Action)
	}
}

// PostTransactions adds relayed transactions to the bounded pool
func (h *Handler) PostTransactions(w http.ResponseWriter, r *http.Request) {
	var req p2p.TransactionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Logger.Error("Failed to decode transactions", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	resp := p2p.TransactionsResponse{Accepted: []string{}}
	for _, tx := range req.Transactions {
		if tx.ID == "" || tx.SenderPublicKey == "" || h.pool.Contains(tx.ID) {
			resp.Rejected = append(resp.Rejected, tx.ID)
			continue
		}
		h.pool.Add(tx.ID, tx)
		resp.Accepted = append(resp.Accepted, tx.ID)
	}
	writeJSON(w, http.StatusOK, resp)
}

// PoolSize returns the number of pooled transactions
func (h *Handler) PoolSize() int {
	return h.pool.Len()
}
