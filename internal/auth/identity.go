package auth

import "strings"

// Identity is the account bound to a connection or request.
type Identity struct {
	UserID   string
	Username string
}

// Anonymous reports whether the identity carries no resolved account.
func (i Identity) Anonymous() bool {
	return strings.TrimSpace(i.UserID) == "" || strings.TrimSpace(i.Username) == ""
}
