package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/example/carpool-ledger/internal/models"
)

// OpError describes a failed contract operation. Err always wraps one of
// the models error classes; Tx is set once a transaction hash is known,
// which matters for reconciliation because value may already have moved.
type OpError struct {
	Op  string
	Tx  common.Hash
	Err error
}

func (e *OpError) Error() string {
	if e.Tx != (common.Hash{}) {
		return fmt.Sprintf("ledger %s (tx %s): %v", e.Op, e.Tx.Hex(), e.Err)
	}
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// TxHash extracts the transaction hash carried by err, if any.
func TxHash(err error) (common.Hash, bool) {
	var op *OpError
	if errors.As(err, &op) && op.Tx != (common.Hash{}) {
		return op.Tx, true
	}
	return common.Hash{}, false
}

// revertCode is the JSON-RPC error code geth uses for "execution reverted".
const revertCode = 3

func isRevert(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == revertCode {
		return true
	}
	// Ganache reports "VM Exception while processing transaction: revert ..."
	return strings.Contains(strings.ToLower(err.Error()), "revert")
}

// classify maps a transport or node error onto the error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		models.ErrPrecondition, models.ErrConnectivity, models.ErrEventDecode,
		models.ErrNotFound, models.ErrStillPending, models.ErrInsufficientBalance,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if isRevert(err) {
		return fmt.Errorf("%w: %v", models.ErrPrecondition, err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
		return fmt.Errorf("%w: %v", models.ErrInsufficientBalance, err)
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return fmt.Errorf("%w: %v", models.ErrConnectivity, err)
}

// classifySend maps an eth_sendTransaction failure. Only a JSON-RPC error,
// a client-side HTTP status or a failed dial prove the node never took the
// transaction; anything else may have happened after the request was
// written and is reported as pending.
func classifySend(err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return classify(err)
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode < http.StatusInternalServerError {
		return classify(err)
	}
	if notSent(err) {
		return classify(err)
	}
	return fmt.Errorf("%w: eth_sendTransaction outcome unknown: %v", models.ErrStillPending, err)
}

func notSent(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, rpc.ErrClientQuit) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// ErrRejected is a JSON-RPC error that is neither a revert nor a transport
// failure, e.g. an unknown sender account. Reaching the node succeeded so
// it is not a connectivity problem.
var ErrRejected = errors.New("ledger node rejected the request")
