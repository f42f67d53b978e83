package types

import "regexp"

// accountNameRe matches well-formed chain account names: a lowercase letter
// followed by 2-15 of lowercase/digit/dash/dot.
var accountNameRe = regexp.MustCompile(`^[a-z][a-z0-9\-.]{2,15}$`)

// ValidAccountName reports whether name is a well-formed account name.
// The projector applies this at follow/reblog time only; account creation
// trusts the upstream as canonical.
func ValidAccountName(name string) bool {
	return accountNameRe.MatchString(name)
}
