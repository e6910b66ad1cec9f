package domain

// Contact is one entry of the duty rota. Loaded from config and never
// mutated afterwards.
type Contact struct {
	Key      string // unique config key
	Handle   string // chat handle (ldap login), used in @-mentions
	FullName string // display name for the weekly report
	OnCallID string // optional identifier in the on-call system
}
