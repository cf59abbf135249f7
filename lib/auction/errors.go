package auction

import "errors"

var (
	// ErrAuctionNotFound indicates the requested auction does not exist.
	ErrAuctionNotFound = errors.New("auction not found")
	// ErrAuctionNotOpen indicates a command targeted an auction that no longer accepts it.
	ErrAuctionNotOpen = errors.New("auction not active")
	// ErrNotAMember indicates the submitter is not a member of the auction's channel.
	ErrNotAMember = errors.New("not a member of the auction channel")
	// ErrNotAuthorized indicates a non-creator attempted a creator-only command.
	ErrNotAuthorized = errors.New("only the auction creator can do this")
	// ErrStoreUnavailable indicates a transient storage failure.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrMembershipUnavailable indicates the channel membership lookup failed or timed out.
	ErrMembershipUnavailable = errors.New("membership lookup unavailable")
	// ErrInvalidConfig indicates an invalid auction configuration.
	ErrInvalidConfig = errors.New("invalid auction config")
	// ErrInvalidArgument indicates a malformed request.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrEmptyCommitment indicates an empty committed value.
	ErrEmptyCommitment = errors.New("commitment value is empty")
	// ErrInvalidValue indicates a committed value cannot be interpreted for the auction's value
	// kind. It never carries the value.
	ErrInvalidValue = errors.New("commitment value is not a valid non-negative amount")
	// ErrRateLimited indicates the participant submits too often.
	ErrRateLimited = errors.New("too many submissions; slow down")
	// ErrResolutionNotFound indicates the auction has no resolution record (yet).
	ErrResolutionNotFound = errors.New("resolution not found")
	// ErrForbidden indicates the auction's visibility mode does not allow the request.
	ErrForbidden = errors.New("not allowed by the auction visibility mode")
	// ErrAuctionInProgress indicates an open auction prevents the command.
	ErrAuctionInProgress = errors.New("an auction is in progress in this channel")
)

// ReasonInsufficientParticipants is the failure reason of auctions that closed with fewer
// qualifying commitments than the configured minimum.
const ReasonInsufficientParticipants = "insufficient participants"
