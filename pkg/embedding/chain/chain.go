// Package chain selects the embedding provider a process will use for
// its whole lifetime. Candidates are probed in order at construction and
// the first healthy one is latched; the zero-vector dummy terminates the
// chain so selection never fails.
package chain

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ntic-sm/istabot/pkg/embedding"
	"github.com/ntic-sm/istabot/pkg/embedding/hfapi"
	"github.com/ntic-sm/istabot/pkg/embedding/local"
	"github.com/ntic-sm/istabot/pkg/embedding/ollama"
)

// defaultProbeTimeout bounds each candidate's health probe, including
// any retry sleeps the candidate performs internally.
const defaultProbeTimeout = 15 * time.Second

// Config holds provider chain settings.
type Config struct {
	// Primary names the provider probed first: local, apiA (the hosted
	// feature-extraction API) or apiB (the ollama daemon). The aliases
	// hf and ollama are accepted. Empty keeps the default order.
	Primary string

	// HFAPIKey authorizes the hosted API; anonymous calls work but are
	// rate-limited harder.
	HFAPIKey string

	// OllamaBaseURL locates the local embedding daemon.
	OllamaBaseURL string

	// ProbeTimeout bounds each candidate probe.
	ProbeTimeout time.Duration

	Logger *zap.Logger
}

// New probes candidates in order and returns the first healthy provider.
// The order is local, apiA, apiB with Primary moved to the front; the
// dummy provider is the implicit last candidate and never fails. The
// choice is final for the process: switching providers requires a
// rebuild of the collections created under the old one.
func New(ctx context.Context, cfg Config) embedding.Provider {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}

	return pick(ctx, candidates(cfg), timeout, logger)
}

// pick probes candidates in order and latches the first healthy one,
// degrading to the dummy provider when none is.
func pick(ctx context.Context, cands []embedding.Provider, timeout time.Duration, logger *zap.Logger) embedding.Provider {
	for _, p := range cands {
		if err := probe(ctx, p, timeout); err != nil {
			logger.Warn("embedding provider failed probe, falling back",
				zap.String("provider", p.Name()),
				zap.Error(err))
			continue
		}
		logger.Info("embedding provider latched",
			zap.String("provider", p.Name()),
			zap.Int("dimension", p.Dimension()))
		return p
	}

	logger.Warn("all embedding providers failed, serving degraded zero vectors")
	return embedding.NewDummy(0)
}

// candidates builds the probe order: the configured primary first, then
// the remaining providers in default order.
func candidates(cfg Config) []embedding.Provider {
	localEnc := local.New()
	hfClient := hfapi.NewClient(hfapi.Config{APIKey: cfg.HFAPIKey})
	ollamaClient := ollama.NewClient(ollama.Config{BaseURL: cfg.OllamaBaseURL})

	ordered := []embedding.Provider{localEnc, hfClient, ollamaClient}

	var first embedding.Provider
	switch cfg.Primary {
	case "", "local":
		return ordered
	case "apiA", "hf":
		first = hfClient
	case "apiB", "ollama":
		first = ollamaClient
	default:
		return ordered
	}

	out := []embedding.Provider{first}
	for _, p := range ordered {
		if p != first {
			out = append(out, p)
		}
	}
	return out
}

// probe checks one candidate. Providers that substitute degraded output
// on error expose Ping instead, so a dead daemon is not mistaken for a
// healthy provider.
func probe(ctx context.Context, p embedding.Provider, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if pinger, ok := p.(embedding.Pinger); ok {
		return pinger.Ping(ctx)
	}
	_, err := p.Embed(ctx, "ping")
	return err
}
