package palpable

import "time"

const claimCodeLen = 6

// ClaimSession is the claim state of this device. DeviceID never changes and
// Claimed only ever flips from false to true.
type ClaimSession struct {
	Code      string    `json:"code,omitempty"`
	DeviceID  string    `json:"deviceId"`
	Claimed   bool      `json:"claimed"`
	ClaimedAt time.Time `json:"claimedAt,omitzero"`
}

// ValidClaimCode reports whether code is exactly six decimal digits.
func ValidClaimCode(code string) bool {
	if len(code) != claimCodeLen {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}
