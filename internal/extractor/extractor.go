// Package extractor implements the Extraction RPC Client: it hands
// chunks of session events to the external extraction service over a Unix
// socket and returns the memory operations it decides on.
package extractor

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sqrl-dev/sqrld/internal/chunk"
	"github.com/sqrl-dev/sqrld/internal/rpc"
	"github.com/sqrl-dev/sqrld/internal/sqrlerr"
)

// Default socket path and timeouts, overridden by config.RpcConfig.
const (
	DefaultSocketPath      = "/tmp/sqrl_extractor.sock"
	DefaultConnectTimeout  = 2 * time.Second
	DefaultResponseTimeout = 30 * time.Second
)

// embedParams mirrors the extractor's embed_text method, used to turn
// free text into the vectors the Memory Store indexes. The response is a
// bare fixed-dimension float array, not wrapped in an object.
type embedParams struct {
	Text string `json:"text"`
}

// Client talks to the extraction service. One Client may be used
// concurrently; each call dials a fresh connection, matching the service's
// one-shot-per-request protocol.
type Client struct {
	socketPath      string
	connectTimeout  time.Duration
	responseTimeout time.Duration
}

// New creates a Client for the extractor listening on socketPath.
func New(socketPath string, connectTimeout, responseTimeout time.Duration) *Client {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	if responseTimeout <= 0 {
		responseTimeout = DefaultResponseTimeout
	}
	return &Client{
		socketPath:      socketPath,
		connectTimeout:  connectTimeout,
		responseTimeout: responseTimeout,
	}
}

// IsAvailable reports whether the extractor is currently reachable,
// without performing a full call.
func (c *Client) IsAvailable() bool {
	conn, err := net.DialTimeout("unix", c.socketPath, c.connectTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// IngestChunk sends a chunk of events to the extractor's ingest_chunk
// method and returns the episodes and memory mutations it proposes.
func (c *Client) IngestChunk(ctx context.Context, req chunk.Request) (chunk.Response, error) {
	var resp chunk.Response
	err := c.call(ctx, "ingest_chunk", req, &resp)
	return resp, err
}

// EmbedText asks the extractor to embed a piece of free text, used when
// building query vectors for memory search outside of a chunk exchange.
func (c *Client) EmbedText(ctx context.Context, text string) ([]float32, error) {
	var result []float32
	if err := c.call(ctx, "embed_text", embedParams{Text: text}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	dialer := net.Dialer{Timeout: c.connectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return sqrlerr.Unavailable(fmt.Sprintf("extractor unreachable at %s", c.socketPath), err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.responseTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return sqrlerr.Io("failed to set extractor connection deadline", err)
	}

	client := rpc.NewClient(conn)
	if err := client.Call(method, params, out); err != nil {
		if rpcErr, ok := err.(*rpc.Error); ok {
			return sqrlerr.Protocol("extractor rejected %s: %s", method, rpcErr.Message)
		}
		return sqrlerr.Unavailable(fmt.Sprintf("extractor call %s failed", method), err)
	}
	return nil
}
