package groups

import (
	"errors"
	"fmt"

	"github.com/murmur-im/go-murmur/ids"
)

var ErrInvalidMembership = errors.New("groups: invalid membership")

// ValidateMembers checks a membership proposal. The creator must be in the
// admin set and must not be listed as a member, all identifiers must be
// well-formed hex, and every admin must be the creator or a member.
// Violations are reported in that priority order.
func ValidateMembers(creator string, members, admins []string) error {
	admin := false
	for _, a := range admins {
		if a == creator {
			admin = true
			break
		}
	}
	if !admin {
		return fmt.Errorf("%w: creator is not an admin", ErrInvalidMembership)
	}

	for _, m := range members {
		if m == creator {
			return fmt.Errorf("%w: creator cannot be listed as a member", ErrInvalidMembership)
		}
	}

	if !ids.ValidHex(creator) {
		return fmt.Errorf("%w: malformed identifier %q", ErrInvalidMembership, creator)
	}
	for _, m := range members {
		if !ids.ValidHex(m) {
			return fmt.Errorf("%w: malformed identifier %q", ErrInvalidMembership, m)
		}
	}
	for _, a := range admins {
		if !ids.ValidHex(a) {
			return fmt.Errorf("%w: malformed identifier %q", ErrInvalidMembership, a)
		}
	}

	for _, a := range admins {
		if a == creator {
			continue
		}
		member := false
		for _, m := range members {
			if m == a {
				member = true
				break
			}
		}
		if !member {
			return fmt.Errorf("%w: admin %s is not a member", ErrInvalidMembership, a)
		}
	}
	return nil
}
