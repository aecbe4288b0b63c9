package relay

import (
	"errors"
	"log/slog"
	"strings"

	"freelanco/internal/bridge"
	"freelanco/internal/engine"
	"freelanco/internal/llm"
)

// Options select the sinks beyond those named in the config.
type Options struct {
	LocalVRF    bool
	LocalOracle bool
	Logger      *slog.Logger
}

// New assembles a dispatcher over e's event log with the configured webhooks,
// the NATS sink when a URL is set, and the requested local stand-ins. The
// returned close func releases the NATS connection.
func New(e engine.Engine, opts Options) (*Dispatcher, func(), error) {
	cfg := e.Config
	if cfg == nil {
		return nil, nil, errors.New("config not loaded")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	closeFn := func() {}
	var sinks []Sink
	for _, hook := range cfg.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		sinks = append(sinks, NewWebhook(hook))
	}
	if url := strings.TrimSpace(cfg.NATS.URL); url != "" {
		nc, err := ConnectNATS(url)
		if err != nil {
			return nil, nil, err
		}
		closeFn = nc.Close
		sinks = append(sinks, NATS{Conn: nc, Prefix: cfg.NATS.SubjectPrefix})
	}
	if opts.LocalVRF {
		sinks = append(sinks, LocalVRF{Fulfiller: e, Logger: log.With("sink", "local-vrf")})
	}
	if opts.LocalOracle {
		if len(cfg.Compute.Transmitters) == 0 {
			closeFn()
			return nil, nil, errors.New("local oracle needs a configured transmitter")
		}
		sinks = append(sinks, LocalOracle{
			Registry: e.Registry,
			Node: bridge.Node{
				PublicKey:  cfg.Compute.DONPublicKey,
				PrivateKey: cfg.Compute.DONPrivateKey,
				LLM:        llm.NewClient(cfg.LLM, log),
				Logger:     log.With("sink", "local-oracle"),
			},
			Transmitter: cfg.Compute.Transmitters[0],
			Logger:      log.With("sink", "local-oracle"),
		})
	}
	return &Dispatcher{
		Events:  e.Repo,
		Sinks:   sinks,
		Metrics: e.Metrics,
		Logger:  log.With("component", "relay"),
	}, closeFn, nil
}
