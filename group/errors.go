package group

import "errors"

var (
	// ErrDuplicateMembership is returned when admitting an author that already is a member.
	// It is a diagnostic, the group is left unchanged.
	ErrDuplicateMembership = errors.New("author is already a member of the group")

	// ErrNoOpTransfer is returned when the source and destination of a transfer are the same group
	ErrNoOpTransfer = errors.New("transfer source and destination are the same group")

	// ErrUnrestrictedGroupEviction is returned when evicting from a group that accepts every author
	ErrUnrestrictedGroupEviction = errors.New("cannot evict members from an unrestricted group")

	ErrDuplicateGroup = errors.New("group already registered")
	ErrUnknownGroup   = errors.New("unknown group")
)
