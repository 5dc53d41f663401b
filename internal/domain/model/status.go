package model

// Status is the lifecycle state of a CanonicalRecord.
type Status string

const (
	StatusPending         Status = "pending"          // raw snapshot captured, not yet parsed
	StatusDetected        Status = "detected"         // canonical record built from evidence
	StatusSettled         Status = "settled"          // payment receipt observed
	StatusVerifying       Status = "verifying"        // on-chain verification in progress
	StatusOnchainVerified Status = "onchain_verified" // tx hash matched an on-chain transfer
	StatusNeedsReview     Status = "needs_review"     // low confidence, conflict or missing fields
	StatusAccounted       Status = "accounted"        // classified and booked
)

// AllStatuses lists every lifecycle state in declaration order.
var AllStatuses = []Status{
	StatusPending,
	StatusDetected,
	StatusSettled,
	StatusVerifying,
	StatusOnchainVerified,
	StatusNeedsReview,
	StatusAccounted,
}

func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}
