package domain

import (
	"context"
	"time"
)

type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// ConversationMessage is one entry of the persisted conversation history.
type ConversationMessage struct {
	ID          string           `json:"id"`
	WorkspaceID string           `json:"workspaceId"`
	ContactID   string           `json:"contactId"`
	Direction   MessageDirection `json:"direction"`
	Body        string           `json:"body"`
	Channel     string           `json:"channel,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// Conversations is the message-history collaborator. LastInboundAt backs the
// 24-hour session-window compliance check.
type Conversations interface {
	History(ctx context.Context, workspaceID, contactID string, limit int) ([]ConversationMessage, error)
	LastInboundAt(ctx context.Context, workspaceID, phone string) (time.Time, error)
	SaveOutbound(ctx context.Context, msg ConversationMessage) error
}

// Billing reports subscription state; a suspended or past-due subscription
// blocks all sends.
type Billing interface {
	SubscriptionActive(ctx context.Context, workspaceID string) (bool, error)
}

// KnowledgeChunk is one retrieved knowledge-base passage.
type KnowledgeChunk struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// KnowledgeBase is the vector-search collaborator: top-k by cosine distance
// for a query embedding.
type KnowledgeBase interface {
	Search(ctx context.Context, workspaceID string, embedding []float32, k int) ([]KnowledgeChunk, error)
}

// Fact is one long-term semantic-memory entry about a contact.
type Fact struct {
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type SemanticMemory interface {
	Recall(ctx context.Context, workspaceID, contactID string, limit int) ([]Fact, error)
	// Extract queues fact extraction from one exchange; callers treat it as
	// fire-and-forget.
	Extract(ctx context.Context, workspaceID, contactID, userMessage, aiMessage string) error
}

// VoiceJob tracks asynchronous speech synthesis.
type VoiceJob struct {
	ID       string `json:"id"`
	Status   string `json:"status"` // pending, done, failed
	AudioURL string `json:"audioUrl,omitempty"`
}

type VoiceSynthesizer interface {
	CreateJob(ctx context.Context, workspaceID, text, voice string) (string, error)
	GetJob(ctx context.Context, jobID string) (*VoiceJob, error)
}

// FallbackChannels delivers autopilot messages over secondary channels when
// the primary send fails. Implementations are external collaborators.
type FallbackChannels interface {
	SendEmail(ctx context.Context, workspaceID, email, subject, body string) error
	SendChatBot(ctx context.Context, workspaceID, chatID, body string) error
}
