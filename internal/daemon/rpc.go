// Package daemon talks to the coin daemon: JSON-RPC for templates, block
// submission and address checks, and ZMQ for new block notifications.
package daemon

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/rpcclient"

	"github.com/bardlex/equipool/internal/jobs"
	"github.com/bardlex/equipool/pkg/circuit"
	"github.com/bardlex/equipool/pkg/errors"
	"github.com/bardlex/equipool/pkg/retry"
)

// rawRequester is the part of rpcclient.Client used here.
type rawRequester interface {
	RawRequest(method string, params []json.RawMessage) (json.RawMessage, error)
	Shutdown()
}

// RPCClient wraps the daemon JSON-RPC API behind a circuit breaker and retries.
type RPCClient struct {
	client         rawRequester
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	submitConfig   *retry.Config
}

// NewRPCClient creates an HTTP POST client for host:port.
func NewRPCClient(host string, port int, username, password string) (*RPCClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%d", host, port),
		User:         username,
		Pass:         password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDaemon, "rpc_client_creation",
			"failed to create daemon RPC client").
			WithContext("host", host).
			WithContext("port", port)
	}
	return newRPCClient(client), nil
}

func newRPCClient(client rawRequester) *RPCClient {
	return &RPCClient{
		client: client,
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "daemon",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         10 * time.Second,
			ResetTimeout:    30 * time.Second,
		}),
		retryConfig: retry.DaemonConfig(),
		// a found block is time critical, so only one quick retry
		submitConfig: &retry.Config{
			MaxAttempts: 2,
			BaseDelay:   50 * time.Millisecond,
			MaxDelay:    200 * time.Millisecond,
			Multiplier:  1.5,
		},
	}
}

// Close releases the underlying client
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

// call runs one RPC and classifies its failure. Errors answered by the daemon
// itself are not retried.
func (c *RPCClient) call(method string, params ...any) (json.RawMessage, error) {
	raw := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, method, "failed to encode parameter")
		}
		raw = append(raw, b)
	}

	res, err := c.client.RawRequest(method, raw)
	if err != nil {
		var rpcErr *btcjson.RPCError
		if stderrors.As(err, &rpcErr) {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, method, "daemon rejected request").
				WithContext("rpc_code", int(rpcErr.Code))
		}
		return nil, errors.Wrap(err, errors.ErrorTypeDaemon, method, "daemon request failed")
	}
	return res, nil
}

// GetBlockTemplate fetches the current work template.
func (c *RPCClient) GetBlockTemplate(ctx context.Context) (*jobs.Template, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*jobs.Template, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*jobs.Template, error) {
			res, err := c.call("getblocktemplate")
			if err != nil {
				return nil, err
			}
			var tpl jobs.Template
			if err := json.Unmarshal(res, &tpl); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeValidation, "getblocktemplate",
					"failed to decode block template")
			}
			return &tpl, nil
		})
	})
}

// SubmitBlock hands a solved header to the daemon. It reports whether the
// daemon accepted the block.
func (c *RPCClient) SubmitBlock(ctx context.Context, nonce, solution, headerHash string) (bool, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (bool, error) {
		return retry.DoWithResult(ctx, c.submitConfig, func() (bool, error) {
			res, err := c.call("submitblock", nonce, solution, headerHash)
			if err != nil {
				if errors.IsType(err, errors.ErrorTypeValidation) {
					return false, nil
				}
				return false, err
			}
			return submitAccepted(res), nil
		})
	})
}

// submitAccepted interprets the submitblock result. Daemons answer with null,
// true or a reason string.
func submitAccepted(res json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(res, &v); err != nil {
		return false
	}
	switch r := v.(type) {
	case nil:
		return true
	case bool:
		return r
	case string:
		return r == "" || strings.EqualFold(r, "accepted")
	default:
		return false
	}
}

// ValidateAddress asks the daemon whether address is valid
func (c *RPCClient) ValidateAddress(ctx context.Context, address string) (bool, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (bool, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (bool, error) {
			res, err := c.call("validateaddress", address)
			if err != nil {
				if errors.IsType(err, errors.ErrorTypeValidation) {
					return false, nil
				}
				return false, err
			}
			var result btcjson.ValidateAddressChainResult
			if err := json.Unmarshal(res, &result); err != nil {
				return false, errors.Wrap(err, errors.ErrorTypeValidation, "validateaddress",
					"failed to decode validateaddress result").
					WithContext("address", address)
			}
			return result.IsValid, nil
		})
	})
}

// Ping checks connectivity
func (c *RPCClient) Ping(ctx context.Context) error {
	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			_, err := c.call("ping")
			return err
		})
	})
}

// BreakerState exposes the circuit state for health logging
func (c *RPCClient) BreakerState() circuit.State {
	return c.circuitBreaker.State()
}
