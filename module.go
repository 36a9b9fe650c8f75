package streamhouse

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/streamhouse/streamhouse/engine"
	"github.com/streamhouse/streamhouse/store"
	"github.com/streamhouse/streamhouse/webhook"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("streamhouse", parseCaddyfile)
}

// Handler serves the durable stream protocol as a Caddy HTTP handler.
type Handler struct {
	// DataDir is the directory holding the index database and log files.
	// Defaults to a streamhouse directory under the Caddy data dir.
	DataDir string `json:"data_dir,omitempty"`

	// MaxFileHandles is the maximum number of open log files to cache
	MaxFileHandles int `json:"max_file_handles,omitempty"`

	// LongPollTimeout is the default timeout for long-poll requests
	LongPollTimeout caddy.Duration `json:"long_poll_timeout,omitempty"`

	// SSEReconnectInterval is how often SSE connections should reconnect
	SSEReconnectInterval caddy.Duration `json:"sse_reconnect_interval,omitempty"`

	// CompressMinBytes is the smallest response body that gets compressed
	CompressMinBytes int `json:"compress_min_bytes,omitempty"`

	// EnableTestEndpoints exposes the fault-injection control plane.
	// Never enable outside test deployments.
	EnableTestEndpoints bool `json:"enable_test_endpoints,omitempty"`

	// EnableWebhooks turns on the consumer wake subsystem: subscription
	// management on stream paths and the /callback endpoint.
	EnableWebhooks bool `json:"enable_webhooks,omitempty"`

	// WebhookCallbackBase is the externally reachable base URL consumers
	// use to call back, e.g. "https://streams.example.com/v1/stream".
	WebhookCallbackBase string `json:"webhook_callback_base,omitempty"`

	store    store.Store
	logger   *zap.Logger
	faults   *faultTable
	sse      *sseTracker
	webhooks *webhook.Routes
}

// CaddyModule returns the Caddy module information
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.streamhouse",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision sets up the handler
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger()

	if h.MaxFileHandles == 0 {
		h.MaxFileHandles = 100
	}
	if h.LongPollTimeout == 0 {
		h.LongPollTimeout = caddy.Duration(30 * time.Second)
	}
	if h.SSEReconnectInterval == 0 {
		h.SSEReconnectInterval = caddy.Duration(60 * time.Second)
	}
	if h.DataDir == "" {
		h.DataDir = filepath.Join(caddy.AppDataDir(), "streamhouse")
	}

	eng, err := engine.New(engine.Config{
		DataDir:        h.DataDir,
		MaxFileHandles: h.MaxFileHandles,
		Logger:         h.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize stream engine: %w", err)
	}
	h.store = store.NewDurableStore(eng, h.logger)
	h.faults = newFaultTable()
	h.sse = newSSETracker()

	if h.EnableWebhooks {
		tail := func(path string) string {
			offset, err := h.store.GetCurrentOffset(path)
			if err != nil {
				return engine.ZeroOffset.String()
			}
			return offset.String()
		}
		manager := webhook.NewManager(h.WebhookCallbackBase, tail, h.logger)
		h.webhooks = webhook.NewRoutes(manager)
	}

	h.logger.Info("stream store ready", zap.String("data_dir", h.DataDir))
	return nil
}

// Validate ensures the handler configuration is valid
func (h *Handler) Validate() error {
	if h.MaxFileHandles < 0 {
		return fmt.Errorf("max_file_handles must be non-negative")
	}
	return nil
}

// Cleanup releases resources
func (h *Handler) Cleanup() error {
	if h.sse != nil {
		h.sse.shutdown()
	}
	if h.webhooks != nil {
		h.webhooks.Manager.Shutdown()
	}
	if h.store != nil {
		return h.store.Close()
	}
	return nil
}

// UnmarshalCaddyfile parses the Caddyfile syntax for streamhouse
//
//	streamhouse {
//	    data_dir /var/lib/streamhouse
//	    max_file_handles 100
//	    long_poll_timeout 30s
//	    sse_reconnect_interval 60s
//	    compress_min_bytes 1024
//	    enable_test_endpoints
//	    enable_webhooks
//	    webhook_callback_base https://streams.example.com/v1/stream
//	}
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "data_dir":
				if !d.Args(&h.DataDir) {
					return d.ArgErr()
				}
			case "max_file_handles":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				var err error
				h.MaxFileHandles, err = parseIntArg(val)
				if err != nil {
					return d.Errf("invalid max_file_handles: %v", err)
				}
			case "long_poll_timeout":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.LongPollTimeout = caddy.Duration(dur)
			case "sse_reconnect_interval":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.SSEReconnectInterval = caddy.Duration(dur)
			case "compress_min_bytes":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				var err error
				h.CompressMinBytes, err = parseIntArg(val)
				if err != nil {
					return d.Errf("invalid compress_min_bytes: %v", err)
				}
			case "enable_test_endpoints":
				h.EnableTestEndpoints = true
			case "enable_webhooks":
				h.EnableWebhooks = true
			case "webhook_callback_base":
				if !d.Args(&h.WebhookCallbackBase) {
					return d.ArgErr()
				}
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(h.Dispenser)
	return &handler, err
}

func parseIntArg(s string) (int, error) {
	var val int
	_, err := fmt.Sscanf(s, "%d", &val)
	return val, err
}

// Interface guards
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddy.Validator             = (*Handler)(nil)
	_ caddy.CleanerUpper          = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
	_ caddyfile.Unmarshaler       = (*Handler)(nil)
)
