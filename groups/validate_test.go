package groups

import (
	"testing"

	"github.com/murmur-im/go-murmur/ids"
	"github.com/stretchr/testify/require"
)

func TestValidateMembers(t *testing.T) {
	creator := ids.NewID().Hex()
	member1 := ids.NewID().Hex()
	member2 := ids.NewID().Hex()

	require.Nil(t, ValidateMembers(creator, []string{member1, member2}, []string{creator}))
	require.Nil(t, ValidateMembers(creator, []string{member1, member2}, []string{creator, member1}))
	require.Nil(t, ValidateMembers(creator, nil, []string{creator}))
}

func TestValidateMembersCreatorMustBeAdmin(t *testing.T) {
	creator := ids.NewID().Hex()
	member := ids.NewID().Hex()

	err := ValidateMembers(creator, []string{member}, []string{member})
	require.ErrorIs(t, err, ErrInvalidMembership)
	require.Contains(t, err.Error(), "creator is not an admin")

	err = ValidateMembers(creator, []string{member}, nil)
	require.ErrorIs(t, err, ErrInvalidMembership)
	require.Contains(t, err.Error(), "creator is not an admin")
}

func TestValidateMembersCreatorNotAMember(t *testing.T) {
	creator := ids.NewID().Hex()

	err := ValidateMembers(creator, []string{creator}, []string{creator})
	require.ErrorIs(t, err, ErrInvalidMembership)
	require.Contains(t, err.Error(), "creator cannot be listed as a member")
}

func TestValidateMembersMalformedIdentifiers(t *testing.T) {
	creator := ids.NewID().Hex()
	member := ids.NewID().Hex()

	err := ValidateMembers(creator, []string{"not-hex"}, []string{creator})
	require.ErrorIs(t, err, ErrInvalidMembership)
	require.Contains(t, err.Error(), "malformed identifier")

	err = ValidateMembers("short", []string{member}, []string{"short"})
	require.ErrorIs(t, err, ErrInvalidMembership)
	require.Contains(t, err.Error(), "malformed identifier")

	err = ValidateMembers(creator, []string{member}, []string{creator, "BAD"})
	require.ErrorIs(t, err, ErrInvalidMembership)
	require.Contains(t, err.Error(), "malformed identifier")
}

func TestValidateMembersAdminsMustBeMembers(t *testing.T) {
	creator := ids.NewID().Hex()
	member := ids.NewID().Hex()
	outsider := ids.NewID().Hex()

	err := ValidateMembers(creator, []string{member}, []string{creator, outsider})
	require.ErrorIs(t, err, ErrInvalidMembership)
	require.Contains(t, err.Error(), "is not a member")
}

// violations are reported in priority order: the creator-not-admin check wins
// over everything else, including malformed identifiers
func TestValidateMembersPriority(t *testing.T) {
	err := ValidateMembers("not-hex", []string{"also-not-hex"}, nil)
	require.Contains(t, err.Error(), "creator is not an admin")

	err = ValidateMembers("not-hex", []string{"not-hex"}, []string{"not-hex"})
	require.Contains(t, err.Error(), "creator cannot be listed as a member")

	err = ValidateMembers("not-hex", []string{"member-not-hex"}, []string{"not-hex"})
	require.Contains(t, err.Error(), "malformed identifier")
}
