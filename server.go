package custody

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type ServerConfig struct {
	// Secret verifies HMAC-signed bearer tokens.
	Secret []byte
}

type Server struct {
	bank    *Bank
	wallets *Wallets
	journal *Journal
	metrics prometheus.Gatherer
	cfg     ServerConfig

	// mu queues mutating requests so that concurrent clients wait for each
	// other instead of tripping the bank's execution guard.
	mu sync.Mutex
}

// NewServer serves bank over HTTP. wallets, journal and metrics are optional;
// the routes that need them answer NotFound when nil.
func NewServer(
	bank *Bank,
	wallets *Wallets,
	journal *Journal,
	metrics prometheus.Gatherer,
	cfg ServerConfig,
) *Server {
	return &Server{
		bank:    bank,
		wallets: wallets,
		journal: journal,
		metrics: metrics,
		cfg:     cfg,
	}
}
