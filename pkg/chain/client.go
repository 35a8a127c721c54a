// Package chain is the blockchain collaborator: balance lookups,
// raw-transaction submission and receipt polling against an execution
// node. The scheduling loop treats it as an opaque row processor
// dependency.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/0xsequence/ethkit/ethrpc"
	"github.com/0xsequence/ethkit/go-ethereum/common"
	"github.com/0xsequence/ethkit/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	m "github.com/tokenworks/token-processor/pkg/common"
)

const (
	statusError   = "error"
	statusSuccess = "success"
)

// headerTransport adds configured headers and honors context
// cancellation before dialing.
type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for key, value := range t.headers {
		req.Header.Set(key, value)
	}

	if req.Context().Err() != nil {
		return nil, req.Context().Err()
	}

	return t.base.RoundTrip(req)
}

// TokenClient talks to one execution node.
type TokenClient struct {
	log    logrus.FieldLogger
	config *Config
	rpc    *ethrpc.Provider
}

// NewTokenClient opens a provider against the configured node. The HTTP
// client carries no fixed timeout; the caller's context controls request
// lifetime.
func NewTokenClient(log logrus.FieldLogger, config *Config) (*TokenClient, error) {
	httpClient := http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
		},
	}

	httpClient.Transport = &headerTransport{
		headers: config.NodeHeaders,
		base:    httpClient.Transport,
	}

	rpc, err := ethrpc.NewProvider(config.NodeAddress, ethrpc.WithHTTPClient(&httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create RPC provider for %s: %w", config.NodeAddress, err)
	}

	return &TokenClient{
		log:    log.WithFields(logrus.Fields{"component": "token_client", "node": config.Name}),
		config: config,
		rpc:    rpc,
	}, nil
}

// BlockNumber returns the node's current head height. Used as the
// liveness probe.
func (c *TokenClient) BlockNumber(ctx context.Context) (uint64, error) {
	var blockNumber uint64

	err := c.do(ctx, "eth_blockNumber", ethrpc.BlockNumber().Into(&blockNumber))
	if err != nil {
		return 0, err
	}

	return blockNumber, nil
}

// BalanceAt returns the address balance at the latest block.
func (c *TokenClient) BalanceAt(ctx context.Context, address string) (*big.Int, error) {
	var balance *big.Int

	err := c.do(ctx, "eth_getBalance", ethrpc.BalanceAt(common.HexToAddress(address), nil).Into(&balance))
	if err != nil {
		return nil, err
	}

	return balance, nil
}

// SendRawTransaction submits a signed transaction and returns its hash.
func (c *TokenClient) SendRawTransaction(ctx context.Context, signedTxHex string) (string, error) {
	var txHash common.Hash

	err := c.do(ctx, "eth_sendRawTransaction", ethrpc.SendRawTransaction(signedTxHex).Into(&txHash))
	if err != nil {
		return "", err
	}

	return txHash.Hex(), nil
}

// TransactionReceipt fetches the receipt for a submitted transaction.
// A nil receipt with nil error means the transaction is still pending.
func (c *TokenClient) TransactionReceipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	var receipt *types.Receipt

	err := c.do(ctx, "eth_getTransactionReceipt", ethrpc.TransactionReceipt(common.HexToHash(txHash)).Into(&receipt))
	if err != nil {
		return nil, err
	}

	return receipt, nil
}

func (c *TokenClient) do(ctx context.Context, method string, call ethrpc.Call) error {
	start := time.Now()
	_, err := c.rpc.Do(ctx, call)
	duration := time.Since(start)

	status := statusSuccess
	if err != nil {
		status = statusError
	}

	m.RPCCallDuration.WithLabelValues(c.config.Name, method, status).Observe(duration.Seconds())
	m.RPCCallsTotal.WithLabelValues(c.config.Name, method, status).Inc()

	if err != nil {
		return fmt.Errorf("%s failed: %w", method, err)
	}

	return nil
}
