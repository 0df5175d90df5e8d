// Package ledger is a typed client for the RideSharing contract on an
// Ethereum-compatible JSON-RPC node.
//
// Transactions are sent with eth_sendTransaction from accounts the node
// manages (the Ganache development setup), so the client never handles
// private keys. Every mutating call blocks until its receipt arrives or
// Options.ReceiptTimeout passes.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/example/carpool-ledger/internal/models"
	"github.com/example/carpool-ledger/internal/observability"
)

// Backend is the subset of ethclient.Client the ledger client needs.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// RPC issues raw JSON-RPC calls for methods ethclient does not wrap.
type RPC interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

type Options struct {
	CallTimeout    time.Duration // eth_call, eth_estimateGas, eth_sendTransaction
	ReceiptTimeout time.Duration // upper bound on waiting for inclusion
	ReceiptPoll    time.Duration
	GasHeadroomPct uint64 // added on top of the gas estimate; zero sends the bare estimate
}

func (o *Options) setDefaults() {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.ReceiptTimeout <= 0 {
		o.ReceiptTimeout = 2 * time.Minute
	}
	if o.ReceiptPoll <= 0 {
		o.ReceiptPoll = time.Second
	}
}

// Receipt is the confirmation of an included transaction.
type Receipt struct {
	TxHash      common.Hash `json:"tx_hash"`
	BlockNumber uint64      `json:"block_number"`
	GasUsed     uint64      `json:"gas_used"`
}

func toReceipt(r *types.Receipt) Receipt {
	out := Receipt{TxHash: r.TxHash, GasUsed: r.GasUsed}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out
}

type Client struct {
	backend Backend
	rpc     RPC
	abi     abi.ABI
	address common.Address
	opts    Options
	logger  *slog.Logger
	closeFn func()
}

// Dial connects to the node at url.
func Dial(ctx context.Context, url string, address common.Address, contractABI abi.ABI, opts Options, logger *slog.Logger) (*Client, error) {
	rc, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: dial ledger %s: %v", models.ErrConnectivity, url, err)
	}
	c := New(ethclient.NewClient(rc), rc, address, contractABI, opts, logger)
	c.closeFn = rc.Close
	return c, nil
}

func New(backend Backend, rc RPC, address common.Address, contractABI abi.ABI, opts Options, logger *slog.Logger) *Client {
	opts.setDefaults()
	return &Client{backend: backend, rpc: rc, abi: contractABI, address: address, opts: opts, logger: logger}
}

func (c *Client) Close() {
	if c.closeFn != nil {
		c.closeFn()
	}
}

// Address is the contract address the client talks to.
func (c *Client) Address() common.Address { return c.address }

// RequestRide escrows value and returns the ride id assigned by the contract.
// A confirmed transaction whose RideRequested event cannot be decoded
// yields an error wrapping models.ErrEventDecode together with the receipt.
func (c *Client) RequestRide(ctx context.Context, from common.Address, distanceMeters uint64, value *big.Int) (models.RideID, Receipt, error) {
	const op = "requestRide"
	data, err := c.abi.Pack(op, new(big.Int).SetUint64(distanceMeters))
	if err != nil {
		return 0, Receipt{}, &OpError{Op: op, Err: fmt.Errorf("%w: pack: %v", models.ErrInvalidInput, err)}
	}
	r, err := c.transact(ctx, op, from, data, value)
	if err != nil {
		return 0, Receipt{}, err
	}
	id, err := c.decodeRideRequested(r)
	if err != nil {
		observability.LedgerCalls.WithLabelValues(op, "decode").Inc()
		return 0, toReceipt(r), &OpError{Op: op, Tx: r.TxHash, Err: err}
	}
	observability.LedgerCalls.WithLabelValues(op, "ok").Inc()
	return id, toReceipt(r), nil
}

func (c *Client) AcceptRide(ctx context.Context, id models.RideID, caller common.Address) (Receipt, error) {
	return c.rideTransition(ctx, "acceptRide", id, caller)
}

func (c *Client) CompleteRide(ctx context.Context, id models.RideID, caller common.Address) (Receipt, error) {
	return c.rideTransition(ctx, "completeRide", id, caller)
}

func (c *Client) rideTransition(ctx context.Context, op string, id models.RideID, caller common.Address) (Receipt, error) {
	data, err := c.abi.Pack(op, new(big.Int).SetUint64(uint64(id)))
	if err != nil {
		return Receipt{}, &OpError{Op: op, Err: fmt.Errorf("%w: pack: %v", models.ErrInvalidInput, err)}
	}
	r, err := c.transact(ctx, op, caller, data, nil)
	if err != nil {
		return Receipt{}, err
	}
	observability.LedgerCalls.WithLabelValues(op, "ok").Inc()
	return toReceipt(r), nil
}

// transact pre-flights the call with eth_estimateGas, submits it and waits
// for the receipt. A revert at either stage maps to models.ErrPrecondition;
// only the second leaves a transaction hash behind.
func (c *Client) transact(ctx context.Context, op string, from common.Address, data []byte, value *big.Int) (*types.Receipt, error) {
	msg := ethereum.CallMsg{From: from, To: &c.address, Data: data, Value: value}

	estCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	gas, err := c.backend.EstimateGas(estCtx, msg)
	cancel()
	if err != nil {
		err = classify(err)
		observability.LedgerCalls.WithLabelValues(op, observability.Outcome(err)).Inc()
		return nil, &OpError{Op: op, Err: err}
	}
	gas += gas * c.opts.GasHeadroomPct / 100

	// Last point at which the caller can still back out.
	if err := ctx.Err(); err != nil {
		return nil, &OpError{Op: op, Err: err}
	}

	tx := map[string]interface{}{
		"from": from,
		"to":   c.address,
		"data": hexutil.Bytes(data),
		"gas":  hexutil.Uint64(gas),
	}
	if value != nil {
		tx["value"] = (*hexutil.Big)(value)
	}
	var hash common.Hash
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.CallTimeout)
	err = c.rpc.CallContext(sendCtx, &hash, "eth_sendTransaction", tx)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// The node may have accepted the transaction before we gave up.
			err = fmt.Errorf("%w: no response to eth_sendTransaction", models.ErrStillPending)
		} else {
			err = classifySend(err)
		}
		observability.LedgerCalls.WithLabelValues(op, observability.Outcome(err)).Inc()
		return nil, &OpError{Op: op, Err: err}
	}
	c.logger.Debug("transaction submitted", "op", op, "tx", hash.Hex(), "from", from.Hex())

	r, err := c.waitReceipt(ctx, op, hash)
	if err != nil {
		observability.LedgerCalls.WithLabelValues(op, observability.Outcome(err)).Inc()
		return nil, err
	}
	return r, nil
}

// waitReceipt polls for the receipt of a submitted transaction. A submitted
// transaction cannot be withdrawn, so the wait ignores caller cancellation
// and is bounded by ReceiptTimeout instead.
func (c *Client) waitReceipt(ctx context.Context, op string, hash common.Hash) (*types.Receipt, error) {
	start := time.Now()
	defer func() { observability.ReceiptWait.WithLabelValues(op).Observe(time.Since(start).Seconds()) }()

	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.ReceiptTimeout)
	defer cancel()
	ticker := time.NewTicker(c.opts.ReceiptPoll)
	defer ticker.Stop()

	for {
		r, err := c.backend.TransactionReceipt(waitCtx, hash)
		if err == nil && r != nil {
			if r.Status != types.ReceiptStatusSuccessful {
				return nil, &OpError{Op: op, Tx: hash, Err: fmt.Errorf("%w: transaction reverted", models.ErrPrecondition)}
			}
			return r, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && waitCtx.Err() == nil {
			c.logger.Warn("receipt poll failed", "op", op, "tx", hash.Hex(), "error", err)
		}
		select {
		case <-waitCtx.Done():
			return nil, &OpError{Op: op, Tx: hash, Err: models.ErrStillPending}
		case <-ticker.C:
		}
	}
}

// GetRide reads one ride. models.ErrNotFound is the expected outcome for a
// stale id.
func (c *Client) GetRide(ctx context.Context, id models.RideID) (models.Ride, error) {
	const op = "getRide"
	values, err := c.callMethod(ctx, op, new(big.Int).SetUint64(uint64(id)))
	if err != nil {
		if errors.Is(err, models.ErrPrecondition) {
			// the contract reverts for ids it never issued
			return models.Ride{}, &OpError{Op: op, Err: fmt.Errorf("ride %d: %w", id, models.ErrNotFound)}
		}
		return models.Ride{}, err
	}
	ride, err := decodeRide(id, values)
	if err != nil {
		return models.Ride{}, &OpError{Op: op, Err: err}
	}
	return ride, nil
}

func (c *Client) AvailableRides(ctx context.Context) ([]models.RideID, error) {
	return c.rideIDs(ctx, "getAvailableRides")
}

func (c *Client) UserActiveRides(ctx context.Context, user common.Address) ([]models.RideID, error) {
	return c.rideIDs(ctx, "getUserActiveRides", user)
}

func (c *Client) UserCompletedRides(ctx context.Context, user common.Address) ([]models.RideID, error) {
	return c.rideIDs(ctx, "getUserCompletedRides", user)
}

func (c *Client) rideIDs(ctx context.Context, op string, args ...interface{}) ([]models.RideID, error) {
	values, err := c.callMethod(ctx, op, args...)
	if err != nil {
		return nil, err
	}
	ids, err := decodeRideIDs(values)
	if err != nil {
		return nil, &OpError{Op: op, Err: err}
	}
	return ids, nil
}

// Accounts lists the node-managed accounts (eth_accounts).
func (c *Client) Accounts(ctx context.Context) ([]common.Address, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	var accounts []common.Address
	if err := c.rpc.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return nil, &OpError{Op: "eth_accounts", Err: classify(err)}
	}
	return accounts, nil
}

func (c *Client) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	bal, err := c.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, &OpError{Op: "eth_getBalance", Err: classify(err)}
	}
	return bal, nil
}

func (c *Client) callMethod(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, &OpError{Op: method, Err: fmt.Errorf("%w: pack: %v", models.ErrInvalidInput, err)}
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		err = classify(err)
		observability.LedgerCalls.WithLabelValues(method, observability.Outcome(err)).Inc()
		return nil, &OpError{Op: method, Err: err}
	}
	values, err := c.abi.Unpack(method, out)
	if err != nil {
		observability.LedgerCalls.WithLabelValues(method, "decode").Inc()
		return nil, &OpError{Op: method, Err: fmt.Errorf("%w: unpack: %v", models.ErrEventDecode, err)}
	}
	observability.LedgerCalls.WithLabelValues(method, "ok").Inc()
	return values, nil
}
