package domain

import (
	"context"
	"time"
)

// Contact is the CRM view of one end user in one workspace. The CRM schema
// itself is an external collaborator; this struct is the projection the core
// reads and writes through the CRM interface.
type Contact struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspaceId"`
	Phone       string         `json:"phone"`
	Name        string         `json:"name,omitempty"`
	Email       string         `json:"email,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
	OptIn       bool           `json:"optIn"`
	LeadScore   int            `json:"leadScore"`
	TelegramID  string         `json:"telegramId,omitempty"`
}

func (c *Contact) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// CRM is the contact-persistence collaborator, keyed by (workspace, phone).
type CRM interface {
	GetOrCreateContact(ctx context.Context, workspaceID, phone string) (*Contact, error)
	GetContact(ctx context.Context, workspaceID, contactID string) (*Contact, error)
	SaveContact(ctx context.Context, contact *Contact) error
	AddTag(ctx context.Context, workspaceID, contactID, tag string) error
	RemoveTag(ctx context.Context, workspaceID, contactID, tag string) error
	SetField(ctx context.Context, workspaceID, contactID, key string, value any) error
	// MoveDealStage moves the contact's most recent open deal in the named
	// pipeline to the given stage.
	MoveDealStage(ctx context.Context, workspaceID, contactID, pipeline, stage string) error
}

// ContactFinder lists contacts eligible for proactive re-engagement: they
// showed buying intent and have been silent since the given cutoff.
type ContactFinder interface {
	ListSilentBuyingSignals(ctx context.Context, workspaceID string, silentSince time.Time, limit int) ([]*Contact, error)
}

// LeadScorer is triggered best-effort when a user replies; failures never
// reach the resume path.
type LeadScorer interface {
	Rescore(ctx context.Context, workspaceID, contactID string) error
}

// CampaignRunner dispatches campaign sends outside the flow engine.
type CampaignRunner interface {
	Trigger(ctx context.Context, workspaceID, campaignID, contactID string) error
}
