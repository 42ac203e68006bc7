package sweep

import (
	"fmt"

	xerrors "OpenMCP-Sweep/internal/errors"
	"OpenMCP-Sweep/internal/ledger"
)

// Batch 是一笔原子提交的交易中的有序操作。
type Batch struct {
	Index      int                `json:"index"`
	Operations []ledger.Operation `json:"operations"`
}

// Creates 返回批次中创建接收账户的操作数。
func (b Batch) Creates() int {
	return b.count(ledger.OpCreateSubAccount)
}

// Closes 返回批次中关闭零余额账户的操作数。
func (b Batch) Closes() int {
	return b.count(ledger.OpCloseSubAccount)
}

func (b Batch) count(kind ledger.OpKind) int {
	n := 0
	for _, op := range b.Operations {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

// Packer 把操作列表切分为批次。
type Packer struct {
	// MaxOps 是单个批次的操作上限。
	MaxOps int
	// SingleBatchCeiling 以内的操作总数直接合并为一个批次。
	SingleBatchCeiling int
}

// NewPacker 构造 Packer，ceiling 不合法时退回 maxOps。
func NewPacker(maxOps, ceiling int) Packer {
	if ceiling <= 0 || ceiling > maxOps {
		ceiling = maxOps
	}
	return Packer{MaxOps: maxOps, SingleBatchCeiling: ceiling}
}

// Pack 按顺序打包操作。创建与其对应的转账组成不可拆分的单元；
// 原生资产转账总是放在最后一个批次的末尾，金额见 nativeAmount，不为正时不转账。
func (p Packer) Pack(plan Plan) ([]Batch, error) {
	if p.MaxOps <= 0 {
		return nil, xerrors.New(CodeInvalidRequest, "批次操作上限必须为正数")
	}

	units := groupUnits(plan.Operations)
	for _, u := range units {
		if len(u) > p.MaxOps {
			return nil, xerrors.New(CodeInvalidRequest,
				fmt.Sprintf("批次上限 %d 无法容纳创建与转账组合", p.MaxOps))
		}
	}

	wantsNative := plan.Mode == ModeSweep && plan.NativeBudget > 0
	total := len(plan.Operations)
	if wantsNative {
		total++
	}

	var batches []Batch
	if total <= p.SingleBatchCeiling {
		if len(plan.Operations) > 0 {
			batches = append(batches, Batch{Operations: append([]ledger.Operation(nil), plan.Operations...)})
		}
	} else {
		current := Batch{}
		for _, u := range units {
			if len(current.Operations)+len(u) > p.MaxOps {
				batches = append(batches, current)
				current = Batch{}
			}
			current.Operations = append(current.Operations, u...)
		}
		if len(current.Operations) > 0 {
			batches = append(batches, current)
		}
	}

	if wantsNative {
		if len(batches) == 0 || len(batches[len(batches)-1].Operations) >= p.MaxOps {
			batches = append(batches, Batch{})
		}
		last := &batches[len(batches)-1]
		amount := nativeAmount(plan, batches)
		if amount > 0 {
			last.Operations = append(last.Operations, ledger.TransferNative(uint64(amount), plan.Destination))
		}
		if len(last.Operations) == 0 {
			batches = batches[:len(batches)-1]
		}
	}

	for i := range batches {
		batches[i].Index = i
	}
	return batches, nil
}

// nativeAmount 按最后一个批次落地时的余额计算原生转账金额：
//
//	nativeBalance + 之前批次的关闭退款
//	  - 批次数 × fee - rentExemptMinimum - 全部创建数 × deposit
//
// 之前的批次都已确认后才会提交最后一个批次，它们的手续费和押金已经扣除。
// 与原生转账同批的关闭退款不计入。
func nativeAmount(plan Plan, batches []Batch) int64 {
	lastIndex := len(batches) - 1
	var refunds, creates uint64
	for i, b := range batches {
		creates += uint64(b.Creates())
		if i < lastIndex {
			refunds += uint64(b.Closes())
		}
	}
	cost := plan.Cost
	available := saturatingAdd(plan.NativeBalance, saturatingMul(refunds, cost.SubAccountDeposit))
	return signedRemainder(available,
		saturatingMul(uint64(len(batches)), cost.FeeEstimate),
		cost.RentExemptMinimum,
		saturatingMul(creates, cost.SubAccountDeposit),
	)
}

// groupUnits 把相邻的同资产创建与转账合并为一个单元。
func groupUnits(ops []ledger.Operation) [][]ledger.Operation {
	units := make([][]ledger.Operation, 0, len(ops))
	for i := 0; i < len(ops); i++ {
		op := ops[i]
		if op.Kind == ledger.OpCreateSubAccount && i+1 < len(ops) {
			next := ops[i+1]
			if next.Kind == ledger.OpTransferAsset && next.Asset.Equals(op.Asset) {
				units = append(units, ops[i:i+2])
				i++
				continue
			}
		}
		units = append(units, ops[i:i+1])
	}
	return units
}
