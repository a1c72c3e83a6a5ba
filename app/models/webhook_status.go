package models

// WriteKind describes which columns of a ledger row a transition may touch.
type WriteKind int

const (
	// WriteNone marks a transition that is not allowed.
	WriteNone WriteKind = iota
	// WriteTrustMinimal is the phase-1 insert: receipt metadata only.
	WriteTrustMinimal
	// WriteStatusOnly updates status, error and http status.
	WriteStatusOnly
	// WriteVerified additionally fills the verified block.
	WriteVerified
)

// StatusNew is the pseudo status of a row that does not exist yet.
const StatusNew = ""

var ledgerTransitions = map[string]map[string]WriteKind{
	StatusNew: {
		WebhookStatusReceived:          WriteTrustMinimal,
		WebhookStatusIgnoredUnverified: WriteTrustMinimal,
	},
	WebhookStatusReceived: {
		WebhookStatusProcessed:         WriteVerified,
		WebhookStatusSkippedDuplicate:  WriteVerified,
		WebhookStatusFailed:            WriteStatusOnly,
		WebhookStatusIgnoredUnverified: WriteStatusOnly,
		WebhookStatusIgnoredTestMode:   WriteStatusOnly,
	},
}

// LedgerTransition returns the write kind permitted when a ledger row moves
// from one status to another, or WriteNone if the move is illegal.
func LedgerTransition(from, to string) WriteKind {
	next, ok := ledgerTransitions[from]
	if !ok {
		return WriteNone
	}
	return next[to]
}

// IsTerminalWebhookStatus reports whether a row in this status can no longer change.
func IsTerminalWebhookStatus(status string) bool {
	switch status {
	case WebhookStatusProcessed,
		WebhookStatusSkippedDuplicate,
		WebhookStatusFailed,
		WebhookStatusIgnoredUnverified,
		WebhookStatusIgnoredTestMode:
		return true
	default:
		return false
	}
}

// IsKnownWebhookStatus reports whether status is one of the ledger statuses.
func IsKnownWebhookStatus(status string) bool {
	return status == WebhookStatusReceived || IsTerminalWebhookStatus(status)
}
