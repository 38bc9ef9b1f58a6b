// Package phylorpc is a thin client for the external phylogenetic
// inference service: newline-delimited JSON-RPC over a stream transport.
// The engine core consumes only the precomputed distance table this
// service produces; nothing here runs inference.
package phylorpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Client speaks the service's line protocol. Safe for concurrent use;
// calls are serialized over the single connection.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	r       *bufio.Reader
	nextID  atomic.Int64
	timeout time.Duration
}

// Dial connects to the service.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("phylorpc: dial %s: %w", addr, err)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn), timeout: timeout}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("phylorpc: remote error %d: %s", e.Code, e.Message)
}

// call performs one request/response exchange.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	req := rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("phylorpc: marshal %s: %w", method, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)

	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("phylorpc: write %s: %w", method, err)
	}
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("phylorpc: read %s: %w", method, err)
	}

	var resp rpcResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("phylorpc: decode %s: %w", method, err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("phylorpc: decode result %s: %w", method, err)
		}
	}
	return nil
}

// TreeResult is the inferred tree plus its fit to the input distances.
type TreeResult struct {
	Newick                string  `json:"newick"`
	CopheneticCorrelation float64 `json:"cophenetic_correlation"`
}

// InferTree builds a tree from a condensed distance matrix.
func (c *Client) InferTree(ctx context.Context, distances [][]float64, labels []string, method string) (TreeResult, error) {
	var out TreeResult
	err := c.call(ctx, "infer_tree", map[string]any{
		"distances": distances, "labels": labels, "method": method,
	}, &out)
	return out, err
}

// BootstrapResult is a consensus tree with per-branch support.
type BootstrapResult struct {
	ConsensusNewick string    `json:"consensus_newick"`
	SupportValues   []float64 `json:"support_values"`
}

// BootstrapTree resamples n times and returns the consensus.
func (c *Client) BootstrapTree(ctx context.Context, distances [][]float64, labels []string, n int) (BootstrapResult, error) {
	var out BootstrapResult
	err := c.call(ctx, "bootstrap_tree", map[string]any{
		"distances": distances, "labels": labels, "n": n,
	}, &out)
	return out, err
}

// LinkageResult mirrors a hierarchical clustering merge structure.
type LinkageResult struct {
	Merge  [][]int   `json:"merge"`
	Height []float64 `json:"height"`
	Order  []int     `json:"order"`
}

// ClusterHierarchical runs hierarchical clustering on the service side.
func (c *Client) ClusterHierarchical(ctx context.Context, distances [][]float64, labels []string, method string) (LinkageResult, error) {
	var out LinkageResult
	err := c.call(ctx, "cluster_hierarchical", map[string]any{
		"distances": distances, "labels": labels, "method": method,
	}, &out)
	return out, err
}
