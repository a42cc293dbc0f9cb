package codec

import "encoding/json"

// Outbound message types.
const (
	TypeUserJoined   = "USER_JOINED"
	TypeNewPrompts   = "NEW_PROMPTS"
	TypeDeletePrompt = "DELETE_PROMPT"
	TypeDrawPrompt   = "DRAW_PROMPT"
	TypeNextTurn     = "NEXT_TURN"
)

// Inbound message types. PLAYER_READY travels both ways.
const (
	TypePlayerReady     = "PLAYER_READY"
	TypeAllReady        = "ALL_READY"
	TypePromptReceived  = "PROMPT_RECEIVED"
	TypeExistingPrompts = "EXISTING_PROMPTS"
	TypeRoomState       = "ROOM_STATE"
	TypePromptDeleted   = "PROMPT_DELETED"
	TypeError           = "ERROR"
	TypePromptDrawn     = "PROMPT_DRAWN"
	TypeNoPromptsLeft   = "NO_PROMPTS_LEFT"
	TypeTurnChanged     = "TURN_CHANGED"
)

type UserJoined struct {
	Username string `json:"username"`
	Intent   string `json:"intent"`
}

type NewPrompts struct {
	Username string   `json:"username"`
	Prompts  []string `json:"prompts"`
}

type DeletePrompt struct {
	Username string `json:"username"`
	PromptID string `json:"promptId"`
}

// UserAction is the payload of intents that only carry the sender:
// PLAYER_READY, DRAW_PROMPT and NEXT_TURN.
type UserAction struct {
	Username string `json:"username"`
}

type PlayerReady struct {
	Username     string `json:"username,omitempty"`
	ReadyCount   int    `json:"readyCount"`
	TotalPlayers int    `json:"totalPlayers"`
}

type AllReady struct {
	DrawPileSize *int `json:"drawPileSize,omitempty"`
}

// WirePrompt is a prompt as the session authority sends it. ID may be absent
// in EXISTING_PROMPTS batches.
type WirePrompt struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	From string `json:"from"`
}

// PromptReceived carries either a prompt object, or the prompt text with the
// sender in From.
type PromptReceived struct {
	Prompt json.RawMessage `json:"prompt"`
	From   string          `json:"from,omitempty"`
}

type ExistingPrompts struct {
	Prompts []WirePrompt `json:"prompts"`
}

type RoomState struct {
	Players     []string `json:"players"`
	CurrentTurn *string  `json:"currentTurn"`
}

type PromptDeleted struct {
	PromptID string `json:"promptId"`
}

type Error struct {
	Message string `json:"message"`
}

type PromptDrawn struct {
	Prompt string `json:"prompt"`
}

type TurnChanged struct {
	CurrentTurn *string `json:"currentTurn"`
}
