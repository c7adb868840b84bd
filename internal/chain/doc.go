// Package chain anchors settlement receipts on an EVM compatible chain.
//
// Each receipt is sent as the calldata of a zero-value transaction signed by
// the operator key. The transaction hash doubles as the settlement tx id, and
// the mined receipt status decides whether the settlement is confirmed or
// failed. Ledger satisfies settlement.Ledger and can replace the simulated
// ledger when spectred runs against a devnet or testnet.
package chain
