package ledger

const (
	operationProvision          = "provision"
	operationReserve            = "reserve"
	operationCommit             = "commit"
	operationRelease            = "release"
	operationRefund             = "refund"
	operationSpend              = "spend"
	operationGrant              = "grant"
	operationAdjust             = "adjust"
	operationChangeSubscription = "change_subscription"
	operationResetIfDue         = "reset_if_due"
	operationScan               = "scan"
	operationObserveAttempt     = "observe_attempt"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	defaultScanLimit    = 200
)
