package sweep

import (
	"math"
	"math/bits"

	xerrors "OpenMCP-Sweep/internal/errors"
	"OpenMCP-Sweep/internal/ledger"

	"github.com/gagliardetto/solana-go"
)

// Mode 区分两种归集流程。
type Mode string

const (
	ModeSweep   Mode = "sweep"
	ModeSwapAll Mode = "swap_all"
)

// Skip 记录一个被跳过的资产及原因。跳过不是错误，也不会在本次运行中重试。
type Skip struct {
	Asset  solana.PublicKey `json:"asset"`
	Amount uint64           `json:"amount"`
	Code   xerrors.Code     `json:"code"`
	Reason string           `json:"reason"`
}

// Counts 是规划阶段的计数。
type Counts struct {
	Transferred int `json:"transferred"`
	Skipped     int `json:"skipped"`
	Closed      int `json:"closed"`
	Converted   int `json:"converted"`
}

// Plan 是规划器的输出。Operations 不含原生资产转账，其金额取决于批次数，
// 由 Packer 在打包后根据 NativeBalance 追加。
type Plan struct {
	Mode        Mode
	Source      solana.PublicKey
	Destination solana.PublicKey
	Cost        ledger.CostModel
	Operations  []ledger.Operation
	// NativeBalance 是盘点时的原生余额。
	NativeBalance uint64
	// NativeBudget = nativeBalance - fee - rentExemptMinimum，可以为负，
	// 是单批次且没有创建时原生转账金额的上限。
	NativeBudget int64
	Creates      int
	Counts       Counts
	Skipped      []Skip
}

// NothingToDo 表示既没有资产操作也不会产生原生资产转账。
func (p Plan) NothingToDo() bool {
	return len(p.Operations) == 0 && p.NativeBudget <= 0
}

// Quote 是报价服务对单个资产的回答，Err 非空表示没有可用路径。
type Quote struct {
	Holding    ledger.Holding
	Conversion *ledger.Conversion
	Err        error
}

// Planner 实现成本与可负担性规划。它是纯函数，不访问网络。
type Planner struct{}

// PlanSweep 为直接转账流程规划操作。
//
// 关闭零余额账户会把押金退回来源账户，因此可负担性以
// projected = native + closable × deposit 为基准；关闭操作排在最前面，
// 保证同一笔交易里退款先于创建到账。
func (Planner) PlanSweep(inv Inventory, destination solana.PublicKey, exists Existence, cost ledger.CostModel) Plan {
	plan := Plan{
		Mode:          ModeSweep,
		Source:        inv.Source,
		Destination:   destination,
		Cost:          cost,
		NativeBalance: inv.NativeBalance,
	}

	for _, acct := range inv.Closable {
		plan.Operations = append(plan.Operations, ledger.CloseSubAccount(acct))
		plan.Counts.Closed++
	}

	projected := saturatingAdd(inv.NativeBalance, saturatingMul(uint64(len(inv.Closable)), cost.SubAccountDeposit))

	// 同一资产可能有多个来源账户，接收账户只创建一次。
	created := make(map[solana.PublicKey]bool)
	for _, h := range inv.Holdings {
		if exists[h.Asset] || created[h.Asset] {
			plan.Operations = append(plan.Operations, ledger.TransferAsset(h, destination))
			plan.Counts.Transferred++
			continue
		}
		runningCreateCost := saturatingMul(uint64(plan.Creates), cost.SubAccountDeposit)
		if !positiveAfter(projected, runningCreateCost, cost.SubAccountDeposit, cost.FeeEstimate) {
			plan.Skipped = append(plan.Skipped, Skip{
				Asset:  h.Asset,
				Amount: h.Amount,
				Code:   CodeAffordabilityExhausted,
				Reason: "insufficient balance to create receiving account",
			})
			continue
		}
		plan.Operations = append(plan.Operations,
			ledger.CreateSubAccount(destination, h.Asset),
			ledger.TransferAsset(h, destination),
		)
		created[h.Asset] = true
		plan.Creates++
		plan.Counts.Transferred++
	}
	plan.Counts.Skipped = len(plan.Skipped)

	plan.NativeBudget = signedRemainder(inv.NativeBalance, cost.FeeEstimate, cost.RentExemptMinimum)
	return plan
}

// PlanSwapAll 为先兑换再归集的流程规划操作。每笔兑换默认独占一个批次，
// 因此准入条件按已接纳兑换数累计手续费：
// projected - (admitted+1) × fee - rentExemptMinimum > 0。
// 兑换后的代币账户不会被关闭，报价的实际成交量可能留下零头。
func (Planner) PlanSwapAll(inv Inventory, quotes []Quote, cost ledger.CostModel) Plan {
	plan := Plan{
		Mode:          ModeSwapAll,
		Source:        inv.Source,
		Destination:   inv.Source,
		Cost:          cost,
		NativeBalance: inv.NativeBalance,
	}

	for _, acct := range inv.Closable {
		plan.Operations = append(plan.Operations, ledger.CloseSubAccount(acct))
		plan.Counts.Closed++
	}

	projected := saturatingAdd(inv.NativeBalance, saturatingMul(uint64(len(inv.Closable)), cost.SubAccountDeposit))

	admitted := 0
	for _, q := range quotes {
		if q.Err != nil || q.Conversion == nil {
			reason := "no conversion route"
			if q.Err != nil {
				reason = q.Err.Error()
			}
			plan.Skipped = append(plan.Skipped, Skip{
				Asset:  q.Holding.Asset,
				Amount: q.Holding.Amount,
				Code:   CodeConversionUnavailable,
				Reason: reason,
			})
			continue
		}
		fees := saturatingMul(uint64(admitted+1), cost.FeeEstimate)
		if !positiveAfter(projected, fees, cost.RentExemptMinimum) {
			plan.Skipped = append(plan.Skipped, Skip{
				Asset:  q.Holding.Asset,
				Amount: q.Holding.Amount,
				Code:   CodeAffordabilityExhausted,
				Reason: "insufficient balance to pay conversion fees",
			})
			continue
		}
		plan.Operations = append(plan.Operations, ledger.Convert(*q.Conversion))
		admitted++
		plan.Counts.Converted++
	}
	plan.Counts.Skipped = len(plan.Skipped)
	return plan
}

// positiveAfter 判断 balance - sum(costs) > 0，求和溢出视为不可负担。
func positiveAfter(balance uint64, costs ...uint64) bool {
	var total uint64
	for _, c := range costs {
		var carry uint64
		total, carry = bits.Add64(total, c, 0)
		if carry != 0 {
			return false
		}
	}
	return balance > total
}

// signedRemainder 计算 balance - sum(costs)，结果截断在 int64 范围内。
func signedRemainder(balance uint64, costs ...uint64) int64 {
	var total uint64
	for _, c := range costs {
		total = saturatingAdd(total, c)
	}
	if balance >= total {
		diff := balance - total
		if diff > math.MaxInt64 {
			return math.MaxInt64
		}
		return int64(diff)
	}
	diff := total - balance
	if diff > math.MaxInt64 {
		return math.MinInt64
	}
	return -int64(diff)
}

func saturatingAdd(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}

func saturatingMul(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}
