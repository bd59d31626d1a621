package health

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/portbridge/portbridge/pkg/transport"
)

// defaultProbeMethod is the JSON-RPC method issued by the default probe.
// Servers that disable tools can override this per template via the
// capabilities advisory, but tools/list is what the wire protocol
// guarantees.
const defaultProbeMethod = "tools/list"

// NewAdapterProbe builds the standard probe: it creates a fresh adapter for
// the target's config, issues a tools/list call, and reports wall-clock
// latency. The probe is healthy iff a well-formed result arrived.
func NewAdapterProbe(factory transport.Factory) ProbeFunc {
	return func(ctx context.Context, target Target) ProbeResult {
		start := time.Now()

		fail := func(err error) ProbeResult {
			return ProbeResult{
				Healthy:   false,
				LatencyMS: float64(time.Since(start).Milliseconds()),
				Error:     err.Error(),
				Timestamp: time.Now(),
			}
		}

		adapter, err := factory(target.Config)
		if err != nil {
			return fail(err)
		}
		defer func() { _ = adapter.Disconnect(context.Background()) }()

		if err := adapter.Connect(ctx); err != nil {
			return fail(err)
		}

		req, err := transport.NewRequestMessage(defaultProbeMethod, map[string]any{}, uuid.NewString())
		if err != nil {
			return fail(err)
		}

		resp, err := adapter.SendAndReceive(ctx, req)
		if err != nil {
			return fail(err)
		}

		latency := float64(time.Since(start).Milliseconds())
		if resp.Error != nil || len(resp.Result) == 0 || !json.Valid(resp.Result) {
			res := ProbeResult{Healthy: false, LatencyMS: latency, Timestamp: time.Now()}
			if resp.Error != nil {
				res.Error = resp.Error.Message
			} else {
				res.Error = "malformed result"
			}
			return res
		}

		return ProbeResult{Healthy: true, LatencyMS: latency, Timestamp: time.Now()}
	}
}
