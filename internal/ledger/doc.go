// Package ledger defines the ledger-facing vocabulary shared by the sweep
// engine and its gateways: holdings, cost constants, operations and the
// Gateway contract. The concrete ledger is Solana, so addresses, signatures
// and compiled transactions use solana-go types directly; the sweep engine
// never talks to an RPC endpoint itself.
package ledger
