package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Contract members the client relies on. LoadABI refuses artifacts that
// lack any of them so a wrong CONTRACT_PATH fails at startup.
var (
	requiredMethods = []string{
		"requestRide", "acceptRide", "completeRide", "getRide",
		"getAvailableRides", "getUserActiveRides", "getUserCompletedRides",
	}
	requiredEvents = []string{"RideRequested"}
)

// LoadABI reads a contract interface definition. Both a Truffle/Hardhat
// build artifact (object with an "abi" key) and a bare ABI array are accepted.
func LoadABI(path string) (abi.ABI, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("read contract interface: %w", err)
	}
	return ParseABI(b)
}

func ParseABI(b []byte) (abi.ABI, error) {
	raw := bytes.TrimSpace(b)
	if len(raw) > 0 && raw[0] == '{' {
		var artifact struct {
			ABI json.RawMessage `json:"abi"`
		}
		if err := json.Unmarshal(raw, &artifact); err != nil {
			return abi.ABI{}, fmt.Errorf("parse contract artifact: %w", err)
		}
		if len(artifact.ABI) == 0 {
			return abi.ABI{}, fmt.Errorf("contract artifact has no abi")
		}
		raw = artifact.ABI
	}
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse contract abi: %w", err)
	}
	for _, m := range requiredMethods {
		if _, ok := parsed.Methods[m]; !ok {
			return abi.ABI{}, fmt.Errorf("contract abi missing function %s", m)
		}
	}
	for _, e := range requiredEvents {
		if _, ok := parsed.Events[e]; !ok {
			return abi.ABI{}, fmt.Errorf("contract abi missing event %s", e)
		}
	}
	return parsed, nil
}
