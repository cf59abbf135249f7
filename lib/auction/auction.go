package auction

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// DefaultMinParticipants is the minimum number of qualifying commitments needed to resolve
	// an auction when the creator does not say otherwise.
	DefaultMinParticipants = 2

	invalidString = "invalid"
)

// ID is a unique identifier for an Auction.
type ID string

// ParticipantID identifies a channel member. It is the identifier used by the chat transport.
type ParticipantID string

// ChannelID identifies the communication channel an auction belongs to.
type ChannelID string

// State is the lifecycle state of an Auction.
type State int

const (
	// StateUnspecified indicates the initial or invalid state of an auction.
	StateUnspecified State = iota
	// StateOpen indicates the auction accepts commitments.
	StateOpen
	// StateClosed indicates commitments are frozen and are being revealed.
	StateClosed
	// StateResolved indicates the auction was resolved and a resolution record exists.
	StateResolved
	// StateFailed indicates the auction closed without enough qualifying commitments.
	StateFailed
	// StateCancelled indicates the creator cancelled the auction while it was open.
	StateCancelled
)

var stateStrings = map[State]string{
	StateUnspecified: "unspecified",
	StateOpen:        "open",
	StateClosed:      "closed",
	StateResolved:    "resolved",
	StateFailed:      "failed",
	StateCancelled:   "cancelled",
}

var stateByString map[string]State

func init() {
	stateByString = make(map[string]State, len(stateStrings))
	for s, str := range stateStrings {
		stateByString[str] = s
	}
}

// String returns a string-encoded state.
func (s State) String() string {
	if str, exists := stateStrings[s]; exists {
		return str
	}
	return invalidString
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	st, err := StateByString(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// StateByString finds a state by its string representation, or errors if
// the state does not exist.
func StateByString(s string) (State, error) {
	if st, exists := stateByString[strings.ToLower(strings.TrimSpace(s))]; exists {
		return st, nil
	}
	return StateUnspecified, fmt.Errorf("invalid auction state %q", s)
}

// IsTerminal returns true if no further transitions are possible from the state.
func (s State) IsTerminal() bool {
	return s == StateResolved || s == StateFailed || s == StateCancelled
}

// TieBreak selects a unique winner among equal top bids.
type TieBreak int

const (
	// TieBreakUnspecified is not a valid policy.
	TieBreakUnspecified TieBreak = iota
	// TieBreakEarliestSubmission picks the bid whose latest submission happened first.
	TieBreakEarliestSubmission
	// TieBreakLowestParticipant picks the lexicographically lowest participant identifier.
	TieBreakLowestParticipant
)

var tieBreakStrings = map[TieBreak]string{
	TieBreakUnspecified:        "unspecified",
	TieBreakEarliestSubmission: "earliest",
	TieBreakLowestParticipant:  "lowest_id",
}

// String returns a string-encoded tie-break policy.
func (t TieBreak) String() string {
	if s, exists := tieBreakStrings[t]; exists {
		return s
	}
	return invalidString
}

// MarshalText implements encoding.TextMarshaler.
func (t TieBreak) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TieBreak) UnmarshalText(text []byte) error {
	if string(text) == "unspecified" {
		*t = TieBreakUnspecified
		return nil
	}
	tb, err := TieBreakByString(string(text))
	if err != nil {
		return err
	}
	*t = tb
	return nil
}

// TieBreakByString parses a tie-break policy.
func TieBreakByString(s string) (TieBreak, error) {
	for t, str := range tieBreakStrings {
		if t != TieBreakUnspecified && str == strings.ToLower(strings.TrimSpace(s)) {
			return t, nil
		}
	}
	return TieBreakUnspecified, fmt.Errorf("invalid tie-break policy %q", s)
}

// Visibility controls who may see individual bids once an auction is resolved.
type Visibility int

const (
	// VisibilityUnspecified is not a valid mode.
	VisibilityUnspecified Visibility = iota
	// VisibilityNone publishes only the winner and the clearing price.
	VisibilityNone
	// VisibilityCreator lets the creator see individual bids.
	VisibilityCreator
	// VisibilityAll lets every channel member see individual bids.
	VisibilityAll
)

var visibilityStrings = map[Visibility]string{
	VisibilityUnspecified: "unspecified",
	VisibilityNone:        "none",
	VisibilityCreator:     "creator",
	VisibilityAll:         "all",
}

// String returns a string-encoded visibility mode.
func (v Visibility) String() string {
	if s, exists := visibilityStrings[v]; exists {
		return s
	}
	return invalidString
}

// MarshalText implements encoding.TextMarshaler.
func (v Visibility) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Visibility) UnmarshalText(text []byte) error {
	if string(text) == "unspecified" {
		*v = VisibilityUnspecified
		return nil
	}
	vis, err := VisibilityByString(string(text))
	if err != nil {
		return err
	}
	*v = vis
	return nil
}

// VisibilityByString parses a visibility mode.
func VisibilityByString(s string) (Visibility, error) {
	for v, str := range visibilityStrings {
		if v != VisibilityUnspecified && str == strings.ToLower(strings.TrimSpace(s)) {
			return v, nil
		}
	}
	return VisibilityUnspecified, fmt.Errorf("invalid visibility %q", s)
}

// ValueKind tells the resolution engine how to interpret committed values.
type ValueKind int

const (
	// ValueUnspecified is not a valid kind.
	ValueUnspecified ValueKind = iota
	// ValueMonetary values are non-negative decimal amounts resolved with the second-price rule.
	ValueMonetary
	// ValuePayload values are arbitrary secrets that are only revealed together.
	ValuePayload
)

var valueKindStrings = map[ValueKind]string{
	ValueUnspecified: "unspecified",
	ValueMonetary:    "monetary",
	ValuePayload:     "payload",
}

// String returns a string-encoded value kind.
func (k ValueKind) String() string {
	if s, exists := valueKindStrings[k]; exists {
		return s
	}
	return invalidString
}

// MarshalText implements encoding.TextMarshaler.
func (k ValueKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ValueKind) UnmarshalText(text []byte) error {
	if string(text) == "unspecified" {
		*k = ValueUnspecified
		return nil
	}
	vk, err := ValueKindByString(string(text))
	if err != nil {
		return err
	}
	*k = vk
	return nil
}

// ValueKindByString parses a value kind.
func ValueKindByString(s string) (ValueKind, error) {
	for k, str := range valueKindStrings {
		if k != ValueUnspecified && str == strings.ToLower(strings.TrimSpace(s)) {
			return k, nil
		}
	}
	return ValueUnspecified, fmt.Errorf("invalid value kind %q", s)
}

// Trigger records what caused an auction to close.
type Trigger string

const (
	// TriggerDeadline is a scheduler-triggered close.
	TriggerDeadline Trigger = "deadline"
	// TriggerManual is a close command from the creator.
	TriggerManual Trigger = "manual"
	// TriggerAllCommitted closes once every listed participant has committed.
	TriggerAllCommitted Trigger = "all_committed"
	// TriggerRecovery closes an auction whose deadline passed while the process was down.
	TriggerRecovery Trigger = "recovery"
)

// Config holds the per-auction resolution policy.
type Config struct {
	// MinParticipants is the minimum number of qualifying commitments needed to resolve.
	MinParticipants int
	// TieBreak is applied when several participants share the top bid.
	TieBreak TieBreak
	// ReservePrice discards lower bids. Nil means no reserve.
	ReservePrice *decimal.Decimal `json:",omitempty"`
	// Visibility controls who sees individual bids after resolution.
	Visibility Visibility
	// ValueKind controls how committed values are interpreted.
	ValueKind ValueKind
	// CloseWhenAllCommitted closes the auction as soon as every listed participant committed.
	CloseWhenAllCommitted bool
}

// DefaultConfig returns the configuration used when a creator does not provide one.
func DefaultConfig() Config {
	return Config{
		MinParticipants: DefaultMinParticipants,
		TieBreak:        TieBreakEarliestSubmission,
		Visibility:      VisibilityAll,
		ValueKind:       ValueMonetary,
	}
}

// WithDefaults fills unspecified fields from defaults.
func (c Config) WithDefaults(defaults Config) Config {
	if c.MinParticipants == 0 {
		c.MinParticipants = defaults.MinParticipants
	}
	if c.TieBreak == TieBreakUnspecified {
		c.TieBreak = defaults.TieBreak
	}
	if c.Visibility == VisibilityUnspecified {
		c.Visibility = defaults.Visibility
	}
	if c.ValueKind == ValueUnspecified {
		c.ValueKind = defaults.ValueKind
	}
	if c.ReservePrice == nil && defaults.ReservePrice != nil {
		rp := *defaults.ReservePrice
		c.ReservePrice = &rp
	}
	return c
}

// Validate ensures the Config is usable.
func (c Config) Validate() error {
	if c.MinParticipants < 1 {
		return fmt.Errorf("%w: minimum participants must be at least one", ErrInvalidConfig)
	}
	if c.TieBreak != TieBreakEarliestSubmission && c.TieBreak != TieBreakLowestParticipant {
		return fmt.Errorf("%w: tie-break policy %s", ErrInvalidConfig, c.TieBreak)
	}
	if c.Visibility < VisibilityNone || c.Visibility > VisibilityAll {
		return fmt.Errorf("%w: visibility %s", ErrInvalidConfig, c.Visibility)
	}
	if c.ValueKind != ValueMonetary && c.ValueKind != ValuePayload {
		return fmt.Errorf("%w: value kind %s", ErrInvalidConfig, c.ValueKind)
	}
	if c.ReservePrice != nil {
		if c.ValueKind != ValueMonetary {
			return fmt.Errorf("%w: reserve price requires monetary values", ErrInvalidConfig)
		}
		if c.ReservePrice.IsNegative() {
			return fmt.Errorf("%w: reserve price must not be negative", ErrInvalidConfig)
		}
	}
	return nil
}

// ParseAmount interprets a committed value as a monetary amount.
func ParseAmount(value []byte) (decimal.Decimal, error) {
	s := strings.TrimSpace(string(value))
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return decimal.Zero, ErrInvalidValue
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		// The parse error embeds the input, which is a secret.
		return decimal.Zero, ErrInvalidValue
	}
	if d.IsNegative() {
		return decimal.Zero, ErrInvalidValue
	}
	return d, nil
}

// Auction is the durable record of one sealed-bid auction.
type Auction struct {
	ID        ID
	ChannelID ChannelID
	CreatorID ParticipantID
	State     State
	Config    Config
	// Participants is the channel roster captured when the auction started. When not
	// empty only these participants may commit.
	Participants []ParticipantID `json:",omitempty"`

	OpenedAt      time.Time
	Deadline      time.Time `json:",omitempty"`
	ClosedAt      time.Time `json:",omitempty"`
	ResolvedAt    time.Time `json:",omitempty"`
	CloseTrigger  Trigger   `json:",omitempty"`
	FailureReason string    `json:",omitempty"`

	// Version increments on every persisted update.
	Version   uint64
	UpdatedAt time.Time
}

// HasDeadline reports whether a close deadline is set.
func (a *Auction) HasDeadline() bool {
	return !a.Deadline.IsZero()
}

// IsListed reports whether p is in the auction's participant list.
func (a *Auction) IsListed(p ParticipantID) bool {
	for _, lp := range a.Participants {
		if lp == p {
			return true
		}
	}
	return false
}

// Validate checks an auction record before it is first persisted.
func (a *Auction) Validate() error {
	if a.ID == "" {
		return errors.New("id is empty")
	}
	if a.ChannelID == "" {
		return errors.New("channel id is empty")
	}
	if a.CreatorID == "" {
		return errors.New("creator id is empty")
	}
	if a.State != StateOpen {
		return fmt.Errorf("invalid initial state %s", a.State)
	}
	if a.OpenedAt.IsZero() {
		return errors.New("opened at is zero")
	}
	if a.HasDeadline() && !a.Deadline.After(a.OpenedAt) {
		return errors.New("deadline must be after opening time")
	}
	if !a.ClosedAt.IsZero() || !a.ResolvedAt.IsZero() {
		return errors.New("initial closed/resolved times must be zero")
	}
	if a.Version != 0 {
		return errors.New("initial version must be zero")
	}
	if a.Config.CloseWhenAllCommitted && len(a.Participants) == 0 {
		return fmt.Errorf("%w: closing when all committed requires a participant list", ErrInvalidConfig)
	}
	return a.Config.Validate()
}

// Status is the public view of an auction. It never carries commitment values.
type Status struct {
	ID               ID
	ChannelID        ChannelID
	CreatorID        ParticipantID
	State            State
	ParticipantCount int
	Deadline         time.Time `json:",omitempty"`
	OpenedAt         time.Time
	ClosedAt         time.Time `json:",omitempty"`
	ResolvedAt       time.Time `json:",omitempty"`
}

// Commitment is a revealed commitment. It only exists after an auction was sealed.
type Commitment struct {
	AuctionID   ID
	Participant ParticipantID
	Value       []byte
	SubmittedAt time.Time
}
