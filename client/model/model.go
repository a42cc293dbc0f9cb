package model

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
)

const addressPrefix = "/session/"

var (
	ErrInvalidIntent  = errors.New("invalid intent")
	ErrEmptyRoomID    = errors.New("room id is empty")
	ErrEmptyUsername  = errors.New("username is empty")
	ErrInvalidAddress = errors.New("invalid room address")
	ErrRoomIDHasSlash = errors.New("room id must not contain '/'")
)

// Intent is the declared purpose for contacting a room.
type Intent string

const (
	IntentCreate Intent = "create"
	IntentJoin   Intent = "join"
)

func ParseIntent(s string) (Intent, error) {
	switch Intent(s) {
	case IntentCreate, IntentJoin:
		return Intent(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidIntent, s)
}

// RoomIdentity addresses one room visit.
type RoomIdentity struct {
	RoomID   string `json:"room_id"`
	Username string `json:"username"`
	Intent   Intent `json:"intent"`
}

func (id RoomIdentity) Validate() error {
	if strings.TrimSpace(id.RoomID) == "" {
		return ErrEmptyRoomID
	}
	if strings.Contains(id.RoomID, "/") {
		return ErrRoomIDHasSlash
	}
	if strings.TrimSpace(id.Username) == "" {
		return ErrEmptyUsername
	}
	if _, err := ParseIntent(string(id.Intent)); err != nil {
		return err
	}
	return nil
}

// Address formats the identity as the address used to reach the room view,
// e.g. /session/R1?intent=create&username=alice.
func (id RoomIdentity) Address() string {
	q := url.Values{}
	q.Set("username", id.Username)
	q.Set("intent", string(id.Intent))
	return addressPrefix + url.PathEscape(id.RoomID) + "?" + q.Encode()
}

// ParseAddress is the inverse of Address.
func ParseAddress(addr string) (RoomIdentity, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return RoomIdentity{}, errors.Join(ErrInvalidAddress, err)
	}
	if !strings.HasPrefix(u.Path, addressPrefix) {
		return RoomIdentity{}, ErrInvalidAddress
	}
	id := RoomIdentity{
		RoomID:   strings.TrimPrefix(u.Path, addressPrefix),
		Username: u.Query().Get("username"),
		Intent:   Intent(u.Query().Get("intent")),
	}
	if id.Intent == "" {
		id.Intent = IntentJoin
	}
	if err = id.Validate(); err != nil {
		return RoomIdentity{}, errors.Join(ErrInvalidAddress, err)
	}
	return id, nil
}

// NewRoomID returns an id for a room about to be created.
func NewRoomID(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 10)
}

type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Prompt struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	From string `json:"from"`
}

// RoomSnapshot is the reconciled membership, turn and readiness view of a room.
type RoomSnapshot struct {
	Players      []string `json:"players"`
	CurrentTurn  *string  `json:"currentTurn"`
	ReadyCount   int      `json:"readyCount"`
	TotalPlayers int      `json:"totalPlayers"`

	AllReady      bool    `json:"allReady"`
	DrawPileSize  int     `json:"drawPileSize"`
	LastDrawn     *string `json:"lastDrawn,omitempty"`
	DrawPileEmpty bool    `json:"drawPileEmpty"`
}

// Clone returns a deep copy.
func (rs RoomSnapshot) Clone() RoomSnapshot {
	out := rs
	out.Players = slices.Clone(rs.Players)
	if rs.CurrentTurn != nil {
		t := *rs.CurrentTurn
		out.CurrentTurn = &t
	}
	if rs.LastDrawn != nil {
		d := *rs.LastDrawn
		out.LastDrawn = &d
	}
	return out
}

type PromptViews struct {
	All  []Prompt `json:"all"`
	Mine []Prompt `json:"mine"`
}

// LoggedMessage is one received envelope kept for display.
type LoggedMessage struct {
	Type string `json:"type"`
	Raw  string `json:"raw"`
}

// Snapshot is the read-only state handed to the rendering layer.
type Snapshot struct {
	Version    uint64          `json:"version"`
	Identity   *RoomIdentity   `json:"identity,omitempty"`
	Address    string          `json:"address,omitempty"`
	Connection ConnectionState `json:"connection"`
	Room       RoomSnapshot    `json:"room"`
	Prompts    PromptViews     `json:"prompts"`
	Messages   []LoggedMessage `json:"messages"`

	// Error is the message of a server ERROR; once set the room view is abandoned.
	Error        string `json:"error,omitempty"`
	NavigateAway bool   `json:"navigateAway"`
}

// Connected reports whether outbound intents can be delivered.
func (s Snapshot) Connected() bool {
	return s.Connection == StateOpen
}
