package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/zapflowhq/zapflow/internal/domain"
)

// Redis-backed reference implementations of the collaborator interfaces.
// Production deployments that keep contacts or conversations elsewhere swap
// these out at wiring time; the engines only see the domain interfaces.

const (
	recordTTL       = 30 * 24 * time.Hour
	conversationMax = 500
	auditMax        = 1000
)

// WorkspaceRepo stores workspace configuration under ws:{id} with a set index
// for the autopilot cycle.
type WorkspaceRepo struct {
	s *Store
}

func NewWorkspaceRepo(s *Store) *WorkspaceRepo {
	return &WorkspaceRepo{s: s}
}

func (r *WorkspaceRepo) Get(ctx context.Context, id string) (*domain.Workspace, error) {
	var ws domain.Workspace
	ok, err := r.s.Get(ctx, "ws:"+id, &ws)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("workspace %s: %w", id, domain.ErrWorkspaceNotFound)
	}
	return &ws, nil
}

func (r *WorkspaceRepo) Save(ctx context.Context, ws *domain.Workspace) error {
	if err := r.s.Set(ctx, "ws:"+ws.ID, ws, 0); err != nil {
		return err
	}
	return r.s.Client().SAdd(ctx, r.s.key("ws:index"), ws.ID).Err()
}

func (r *WorkspaceRepo) ListIDs(ctx context.Context) ([]string, error) {
	return r.s.Client().SMembers(ctx, r.s.key("ws:index")).Result()
}

// FlowRepo stores flow graphs as published by the builder, one JSON document
// per flow under flow:{ws}:{id}.
type FlowRepo struct {
	s *Store
}

func NewFlowRepo(s *Store) *FlowRepo {
	return &FlowRepo{s: s}
}

func (r *FlowRepo) GetGraph(ctx context.Context, workspaceID, flowID string) (*domain.FlowGraph, error) {
	var graph domain.FlowGraph
	ok, err := r.s.Get(ctx, "flow:"+workspaceID+":"+flowID, &graph)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("flow %s: %w", flowID, domain.ErrFlowNotFound)
	}
	return &graph, nil
}

func (r *FlowRepo) SaveGraph(ctx context.Context, graph *domain.FlowGraph) error {
	return r.s.Set(ctx, "flow:"+graph.WorkspaceID+":"+graph.ID, graph, 0)
}

// RecordRepo persists execution audit records under rec:{id}. Records expire
// after 30 days; the live execution state they describe is long gone by then.
type RecordRepo struct {
	s *Store
}

func NewRecordRepo(s *Store) *RecordRepo {
	return &RecordRepo{s: s}
}

func (r *RecordRepo) Create(ctx context.Context, workspaceID, flowID, user string) (*domain.ExecutionRecord, error) {
	rec := &domain.ExecutionRecord{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		FlowID:      flowID,
		User:        user,
		Status:      domain.ExecutionStatusRunning,
		StartedAt:   time.Now().UTC(),
	}
	if err := r.s.Set(ctx, "rec:"+rec.ID, rec, recordTTL); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *RecordRepo) Get(ctx context.Context, id string) (*domain.ExecutionRecord, error) {
	var rec domain.ExecutionRecord
	ok, err := r.s.Get(ctx, "rec:"+id, &rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, domain.ErrExecutionNotFound)
	}
	return &rec, nil
}

func (r *RecordRepo) Update(ctx context.Context, rec *domain.ExecutionRecord) error {
	return r.s.Set(ctx, "rec:"+rec.ID, rec, recordTTL)
}

// ContactRepo is the contact registry: JSON documents under
// contact:{ws}:{id}, a phone index, and a buying-signal sorted set scored by
// the contact's last activity for the silence cycle.
type ContactRepo struct {
	s *Store
}

func NewContactRepo(s *Store) *ContactRepo {
	return &ContactRepo{s: s}
}

func (r *ContactRepo) contactKey(workspaceID, id string) string {
	return "contact:" + workspaceID + ":" + id
}

func (r *ContactRepo) phoneKey(workspaceID, phone string) string {
	return "contactphone:" + workspaceID + ":" + phone
}

func (r *ContactRepo) buyingKey(workspaceID string) string {
	return "buying:" + workspaceID
}

func (r *ContactRepo) GetOrCreateContact(ctx context.Context, workspaceID, phone string) (*domain.Contact, error) {
	var id string
	ok, err := r.s.Get(ctx, r.phoneKey(workspaceID, phone), &id)
	if err != nil {
		return nil, err
	}
	if ok {
		return r.GetContact(ctx, workspaceID, id)
	}

	contact := &domain.Contact{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Phone:       phone,
		Fields:      make(map[string]any),
	}
	if err := r.SaveContact(ctx, contact); err != nil {
		return nil, err
	}
	return contact, nil
}

func (r *ContactRepo) GetContact(ctx context.Context, workspaceID, contactID string) (*domain.Contact, error) {
	var contact domain.Contact
	ok, err := r.s.Get(ctx, r.contactKey(workspaceID, contactID), &contact)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("contact %s: %w", contactID, domain.ErrContactNotFound)
	}
	return &contact, nil
}

func (r *ContactRepo) SaveContact(ctx context.Context, contact *domain.Contact) error {
	if err := r.s.Set(ctx, r.contactKey(contact.WorkspaceID, contact.ID), contact, 0); err != nil {
		return err
	}
	return r.s.Set(ctx, r.phoneKey(contact.WorkspaceID, contact.Phone), contact.ID, 0)
}

func (r *ContactRepo) mutate(ctx context.Context, workspaceID, contactID string, fn func(c *domain.Contact)) error {
	contact, err := r.GetContact(ctx, workspaceID, contactID)
	if err != nil {
		return err
	}
	fn(contact)
	return r.SaveContact(ctx, contact)
}

func (r *ContactRepo) AddTag(ctx context.Context, workspaceID, contactID, tag string) error {
	return r.mutate(ctx, workspaceID, contactID, func(c *domain.Contact) {
		if !c.HasTag(tag) {
			c.Tags = append(c.Tags, tag)
		}
	})
}

func (r *ContactRepo) RemoveTag(ctx context.Context, workspaceID, contactID, tag string) error {
	return r.mutate(ctx, workspaceID, contactID, func(c *domain.Contact) {
		tags := c.Tags[:0]
		for _, t := range c.Tags {
			if t != tag {
				tags = append(tags, t)
			}
		}
		c.Tags = tags
	})
}

func (r *ContactRepo) SetField(ctx context.Context, workspaceID, contactID, key string, value any) error {
	return r.mutate(ctx, workspaceID, contactID, func(c *domain.Contact) {
		if c.Fields == nil {
			c.Fields = make(map[string]any)
		}
		c.Fields[key] = value
	})
}

func (r *ContactRepo) MoveDealStage(ctx context.Context, workspaceID, contactID, pipeline, stage string) error {
	return r.SetField(ctx, workspaceID, contactID, "stage:"+pipeline, stage)
}

// Rescore bumps engagement-based lead score on each reply, capped at 100.
func (r *ContactRepo) Rescore(ctx context.Context, workspaceID, contactID string) error {
	return r.mutate(ctx, workspaceID, contactID, func(c *domain.Contact) {
		c.LeadScore += 5
		if c.LeadScore > 100 {
			c.LeadScore = 100
		}
	})
}

// MarkBuyingSignal registers a contact in the silence cycle. TouchActivity
// refreshes the score so active contacts are never nudged.
func (r *ContactRepo) MarkBuyingSignal(ctx context.Context, workspaceID, contactID string, at time.Time) error {
	return r.s.ZAdd(ctx, r.buyingKey(workspaceID), contactID, float64(at.UnixMilli()))
}

func (r *ContactRepo) TouchActivity(ctx context.Context, workspaceID, contactID string, at time.Time) error {
	client := r.s.Client()
	key := r.s.key(r.buyingKey(workspaceID))
	return client.ZAddXX(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: contactID}).Err()
}

func (r *ContactRepo) ListSilentBuyingSignals(ctx context.Context, workspaceID string, silentSince time.Time, limit int) ([]*domain.Contact, error) {
	ids, err := r.s.ZRangeByScore(ctx, r.buyingKey(workspaceID), 0, float64(silentSince.UnixMilli()))
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	contacts := make([]*domain.Contact, 0, len(ids))
	for _, id := range ids {
		contact, err := r.GetContact(ctx, workspaceID, id)
		if err != nil {
			continue
		}
		contacts = append(contacts, contact)
	}
	return contacts, nil
}

// ConversationRepo keeps a bounded per-contact message history plus the
// last-inbound timestamp that backs the 24-hour session window.
type ConversationRepo struct {
	s *Store
}

func NewConversationRepo(s *Store) *ConversationRepo {
	return &ConversationRepo{s: s}
}

func (r *ConversationRepo) convKey(workspaceID, contactID string) string {
	return "conv:" + workspaceID + ":" + contactID
}

func (r *ConversationRepo) lastInKey(workspaceID, phone string) string {
	return "lastin:" + workspaceID + ":" + phone
}

// History returns up to limit messages in chronological order.
func (r *ConversationRepo) History(ctx context.Context, workspaceID, contactID string, limit int) ([]domain.ConversationMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	raws, err := r.s.ListRange(ctx, r.convKey(workspaceID, contactID), 0, int64(limit)-1)
	if err != nil {
		return nil, err
	}

	msgs := make([]domain.ConversationMessage, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var msg domain.ConversationMessage
		if err := json.Unmarshal([]byte(raws[i]), &msg); err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (r *ConversationRepo) LastInboundAt(ctx context.Context, workspaceID, phone string) (time.Time, error) {
	var ms string
	ok, err := r.s.Get(ctx, r.lastInKey(workspaceID, phone), &ms)
	if err != nil || !ok {
		return time.Time{}, err
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(n), nil
}

func (r *ConversationRepo) SaveOutbound(ctx context.Context, msg domain.ConversationMessage) error {
	return r.save(ctx, msg, domain.DirectionOutbound)
}

// SaveInbound records a received message and refreshes the session window.
func (r *ConversationRepo) SaveInbound(ctx context.Context, msg domain.ConversationMessage, phone string) error {
	if err := r.save(ctx, msg, domain.DirectionInbound); err != nil {
		return err
	}
	ms := strconv.FormatInt(msg.CreatedAt.UnixMilli(), 10)
	return r.s.Set(ctx, r.lastInKey(msg.WorkspaceID, phone), ms, 0)
}

func (r *ConversationRepo) save(ctx context.Context, msg domain.ConversationMessage, dir domain.MessageDirection) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.Direction = dir
	return r.s.PushList(ctx, r.convKey(msg.WorkspaceID, msg.ContactID), msg, conversationMax)
}

// AuditRepo appends autopilot decisions to a bounded per-workspace list.
type AuditRepo struct {
	s *Store
}

func NewAuditRepo(s *Store) *AuditRepo {
	return &AuditRepo{s: s}
}

func (r *AuditRepo) RecordDecision(ctx context.Context, d *domain.AutopilotDecision) error {
	return r.s.PushList(ctx, "ap:audit:"+d.WorkspaceID, d, auditMax)
}

// BillingRepo reads subscription state mirrored into redis by the billing
// service. A workspace with no entry is treated as active.
type BillingRepo struct {
	s *Store
}

func NewBillingRepo(s *Store) *BillingRepo {
	return &BillingRepo{s: s}
}

func (r *BillingRepo) SubscriptionActive(ctx context.Context, workspaceID string) (bool, error) {
	var entry struct {
		Active bool `json:"active"`
	}
	ok, err := r.s.Get(ctx, "billing:"+workspaceID, &entry)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return entry.Active, nil
}
