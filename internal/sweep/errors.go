package sweep

import (
	xerrors "OpenMCP-Sweep/internal/errors"
)

// 归集引擎的错误码。
const (
	CodeAccountUnreachable       xerrors.Code = "SWEEP_ACCOUNT_UNREACHABLE"
	CodeNoAssets                 xerrors.Code = "SWEEP_NO_ASSETS"
	CodeAffordabilityExhausted   xerrors.Code = "SWEEP_AFFORDABILITY_EXHAUSTED"
	CodeBatchSubmissionFailed    xerrors.Code = "SWEEP_BATCH_SUBMISSION_FAILED"
	CodeBatchConfirmationTimeout xerrors.Code = "SWEEP_BATCH_CONFIRMATION_TIMEOUT"
	CodeInvalidCredential        xerrors.Code = "SWEEP_INVALID_CREDENTIAL"
	CodeInvalidRequest           xerrors.Code = "SWEEP_INVALID_REQUEST"
	CodeRunInProgress            xerrors.Code = "SWEEP_RUN_IN_PROGRESS"
	CodeConversionUnavailable    xerrors.Code = "SWEEP_CONVERSION_UNAVAILABLE"
)

func init() {
	xerrors.Register(CodeAccountUnreachable, xerrors.Attributes{
		Message:   "ledger unreachable during inventory or feasibility",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeNoAssets, xerrors.Attributes{
		Message:  "nothing to sweep",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAffordabilityExhausted, xerrors.Attributes{
		Message:  "cannot fund receiving account",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeBatchSubmissionFailed, xerrors.Attributes{
		Message:  "batch submission failed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	// 超时意味着结果未知，必须人工核对后才能重跑。
	xerrors.Register(CodeBatchConfirmationTimeout, xerrors.Attributes{
		Message:  "batch confirmation timed out",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeInvalidCredential, xerrors.Attributes{
		Message:  "signing credential unavailable or invalid",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeInvalidRequest, xerrors.Attributes{
		Message:  "invalid sweep request",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeRunInProgress, xerrors.Attributes{
		Message:   "another run for this source is in progress",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeConversionUnavailable, xerrors.Attributes{
		Message:  "no conversion route for asset",
		Severity: xerrors.SeverityInfo,
	})
}
