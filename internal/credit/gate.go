// Package credit decides whether a song may be dispatched given the
// owner's balance.
package credit

// Decision is the outcome of an admission check
type Decision string

const (
	Admitted Decision = "admitted"
	Denied   Decision = "denied"
)

// Check admits a dispatch only when the balance is positive. The balance is
// read once per dispatch; concurrent spends by the same owner are bounded
// by per-owner serialization, not here.
func Check(balance int) Decision {
	if balance > 0 {
		return Admitted
	}
	return Denied
}
