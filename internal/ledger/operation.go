package ledger

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// OpKind tags the Operation variant.
type OpKind string

const (
	OpCreateSubAccount OpKind = "create_sub_account"
	OpTransferAsset    OpKind = "transfer_asset"
	OpCloseSubAccount  OpKind = "close_sub_account"
	OpTransferNative   OpKind = "transfer_native"
	OpConvert          OpKind = "convert"
)

// Conversion is an unsigned asset-to-native swap produced by a quote service.
type Conversion struct {
	Asset        solana.PublicKey
	InAmount     uint64
	ExpectedOut  uint64
	Instructions []solana.Instruction
}

// Operation is one atomic instruction group. Values are built through the
// constructors below and passed by value; nothing mutates them afterwards.
type Operation struct {
	Kind OpKind `json:"kind"`
	// Asset is the mint for create, transfer and convert operations.
	Asset    solana.PublicKey `json:"asset,omitempty"`
	Decimals uint8            `json:"decimals,omitempty"`
	Amount   uint64           `json:"amount,omitempty"`
	// Source is the token account debited by a transfer or removed by a close.
	Source solana.PublicKey `json:"source,omitempty"`
	// Destination is the receiving wallet (not its token account).
	Destination solana.PublicKey `json:"destination,omitempty"`
	Conversion  *Conversion      `json:"-"`
}

// CreateSubAccount opens owner's receiving account for asset, paid by the source.
func CreateSubAccount(owner, asset solana.PublicKey) Operation {
	return Operation{Kind: OpCreateSubAccount, Asset: asset, Destination: owner}
}

// TransferAsset moves the whole holding to destination's receiving account.
func TransferAsset(h Holding, destination solana.PublicKey) Operation {
	return Operation{
		Kind:        OpTransferAsset,
		Asset:       h.Asset,
		Decimals:    h.Decimals,
		Amount:      h.Amount,
		Source:      h.SubAccount,
		Destination: destination,
	}
}

// CloseSubAccount removes an empty token account, refunding its deposit to the owner.
func CloseSubAccount(subAccount solana.PublicKey) Operation {
	return Operation{Kind: OpCloseSubAccount, Source: subAccount}
}

// TransferNative moves amount base units of the native asset.
func TransferNative(amount uint64, destination solana.PublicKey) Operation {
	return Operation{Kind: OpTransferNative, Amount: amount, Destination: destination}
}

// Convert wraps a quote service conversion.
func Convert(conv Conversion) Operation {
	return Operation{
		Kind:       OpConvert,
		Asset:      conv.Asset,
		Amount:     conv.InAmount,
		Conversion: &conv,
	}
}

// String is used in logs and summaries.
func (o Operation) String() string {
	switch o.Kind {
	case OpCreateSubAccount:
		return fmt.Sprintf("create(%s for %s)", o.Asset, o.Destination)
	case OpTransferAsset:
		return fmt.Sprintf("transfer(%s %d)", o.Asset, o.Amount)
	case OpCloseSubAccount:
		return fmt.Sprintf("close(%s)", o.Source)
	case OpTransferNative:
		return fmt.Sprintf("transfer_native(%d)", o.Amount)
	case OpConvert:
		return fmt.Sprintf("convert(%s %d)", o.Asset, o.Amount)
	default:
		return string(o.Kind)
	}
}
