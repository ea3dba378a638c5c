package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgeboard/notify/internal/circuitbreaker"
	"github.com/forgeboard/notify/internal/db"
	"github.com/forgeboard/notify/internal/notify"
	"github.com/forgeboard/notify/internal/prefs"
)

// Dispatcher is the fan-out engine surface the API triggers.
type Dispatcher interface {
	Send(ctx context.Context, ev *notify.Event, rcpt *notify.RecipientSet, sentTo notify.DeliveryRecord) (notify.DeliveryRecord, error)
	Silence()
	Unsilence()
	Silenced() bool
}

// FeedStore reads and mutates the inline feed.
type FeedStore interface {
	ListByMember(ctx context.Context, member uuid.UUID, limit, offset int) ([]*db.InlineNotification, error)
	UnreadCount(ctx context.Context, member uuid.UUID) (int, error)
	MarkRead(ctx context.Context, id, member uuid.UUID, at time.Time) error
	MarkAllRead(ctx context.Context, member uuid.UUID, at time.Time) (int64, error)
}

// SubscriptionStore registers and removes push devices.
type SubscriptionStore interface {
	Save(ctx context.Context, s *db.PushSubscription) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// PreferenceStore persists member channel overrides.
type PreferenceStore interface {
	SavePreference(ctx context.Context, member uuid.UUID, key, preference string) error
	MemberPreferences(ctx context.Context, member uuid.UUID) (map[string]string, error)
}

// Catalog exposes the merged notification type configuration.
type Catalog interface {
	Defaults(ctx context.Context) (map[string]prefs.TypeConfig, error)
	Invalidate(ctx context.Context) error
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger     *zap.Logger
	dispatcher Dispatcher
	feed       FeedStore
	subs       SubscriptionStore
	prefStore  PreferenceStore
	catalog    Catalog

	// breakers reports circuit breaker state for the admin surface; nil
	// when nothing is guarded.
	breakers func() []circuitbreaker.Stats
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, dispatcher Dispatcher, feed FeedStore, subs SubscriptionStore, prefStore PreferenceStore, catalog Catalog, breakers func() []circuitbreaker.Stats) *Handler {
	return &Handler{
		logger:     logger,
		dispatcher: dispatcher,
		feed:       feed,
		subs:       subs,
		prefStore:  prefStore,
		catalog:    catalog,
		breakers:   breakers,
	}
}

type itemRef struct {
	Kind      string    `json:"kind"` // content | comment | review
	App       string    `json:"app"`
	Class     string    `json:"class"`
	ID        int64     `json:"id"`
	AuthorID  uuid.UUID `json:"author_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *itemRef) toItem() (*notify.Item, bool) {
	if r == nil {
		return nil, true
	}
	item := &notify.Item{
		App:       r.App,
		Class:     r.Class,
		ID:        r.ID,
		AuthorID:  r.AuthorID,
		CreatedAt: r.CreatedAt,
	}
	switch r.Kind {
	case "content":
		item.Kind = notify.ItemContent
	case "comment":
		item.Kind = notify.ItemComment
	case "review":
		item.Kind = notify.ItemReview
	default:
		return nil, false
	}
	return item, true
}

type followRef struct {
	App        string    `json:"app"`
	Area       string    `json:"area"`
	RelID      int64     `json:"rel_id"`
	Title      string    `json:"title"`
	MemberID   uuid.UUID `json:"member_id"`
	Added      time.Time `json:"added"`
	NotifiedAt time.Time `json:"notified_at"`
}

type recipientRef struct {
	MemberID     uuid.UUID         `json:"member_id"`
	Replacements map[string]string `json:"replacements,omitempty"`
}

// EventRequest is the POST /v1/events body.
type EventRequest struct {
	App     string    `json:"app"`
	Key     string    `json:"key"`
	Item    *itemRef  `json:"item,omitempty"`
	SubItem *itemRef  `json:"sub_item,omitempty"`
	ActorID uuid.UUID `json:"actor_id,omitempty"`

	// DeniedMembers are recipients the platform has determined cannot
	// view the item; they are filtered out of the fan-out.
	DeniedMembers []uuid.UUID `json:"denied_members,omitempty"`

	EmailParams  map[string]string   `json:"email_params,omitempty"`
	InlineExtra  map[string]any      `json:"inline_extra,omitempty"`
	AllowMerging bool                `json:"allow_merging"`
	EmailKey     string              `json:"email_key,omitempty"`
	Push         *notify.PushContent `json:"push,omitempty"`
	TTL          int64               `json:"ttl,omitempty"`
	Urgency      string              `json:"urgency,omitempty"`
	Follow       *followRef          `json:"follow,omitempty"`
	Recipients   []recipientRef      `json:"recipients"`
	SentTo       map[string][]string `json:"sent_to,omitempty"`
}

// DispatchEvent handles POST /v1/events: one fan-out wave. The caller
// threads the returned sent_to map into the next wave of the same
// logical event.
func (h *Handler) DispatchEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.App == "" || req.Key == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "app and key are required")
		return
	}
	if len(req.Recipients) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "No recipients", "at least one recipient is required")
		return
	}

	item, ok := req.Item.toItem()
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid item", "item.kind must be content, comment, or review")
		return
	}
	sub, ok := req.SubItem.toItem()
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid sub item", "sub_item.kind must be content, comment, or review")
		return
	}

	var info *notify.FollowInfo
	if req.Follow != nil {
		info = &notify.FollowInfo{
			App:        req.Follow.App,
			Area:       req.Follow.Area,
			RelID:      req.Follow.RelID,
			Title:      req.Follow.Title,
			MemberID:   req.Follow.MemberID,
			Added:      req.Follow.Added,
			NotifiedAt: req.Follow.NotifiedAt,
		}
	}

	rcpt := notify.NewRecipientSet(info)
	for _, rr := range req.Recipients {
		if rr.MemberID == uuid.Nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient", "recipient member_id must be a valid UUID")
			return
		}
		rcpt.Attach(rr.MemberID, rr.Replacements)
	}

	sentTo, err := parseDeliveryRecord(req.SentTo)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid sent_to", err.Error())
		return
	}

	ev := &notify.Event{
		App:          req.App,
		Key:          req.Key,
		Item:         item,
		Sub:          sub,
		ActorID:      req.ActorID,
		Denied:       req.DeniedMembers,
		EmailParams:  req.EmailParams,
		InlineExtra:  req.InlineExtra,
		AllowMerging: req.AllowMerging,
		EmailKey:     req.EmailKey,
		Push:         req.Push,
		TTL:          req.TTL,
		Urgency:      req.Urgency,
	}

	record, err := h.dispatcher.Send(ctx, ev, rcpt, sentTo)
	if err != nil {
		h.logger.Error("dispatch failed",
			zap.Error(err),
			zap.String("key", req.Key),
			zap.Int("recipients", rcpt.Len()),
		)
		h.writeError(w, http.StatusInternalServerError, "dispatch_error", "Failed to dispatch event", "")
		return
	}

	h.logger.Info("event dispatched",
		zap.String("key", req.Key),
		zap.Int("recipients", rcpt.Len()),
	)

	h.writeJSON(w, http.StatusOK, map[string]any{
		"sent_to":  formatDeliveryRecord(record),
		"silenced": h.dispatcher.Silenced(),
	})
}

// ListFeed handles GET /v1/notifications?member_id=xxx&limit=20&offset=0
func (h *Handler) ListFeed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	member, ok := h.memberIDQuery(w, r)
	if !ok {
		return
	}

	limit := 20
	offset := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	notifications, err := h.feed.ListByMember(ctx, member, limit, offset)
	if err != nil {
		h.logger.Error("failed to list feed", zap.Error(err), zap.String("member_id", member.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	unread, err := h.feed.UnreadCount(ctx, member)
	if err != nil {
		h.logger.Error("failed to count unread", zap.Error(err), zap.String("member_id", member.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to count unread", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":   notifications,
		"unread": unread,
		"limit":  limit,
		"offset": offset,
		"count":  len(notifications),
	})
}

// MarkRead handles POST /v1/notifications/{id}/read?member_id=xxx
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}
	member, ok := h.memberIDQuery(w, r)
	if !ok {
		return
	}

	if err := h.feed.MarkRead(ctx, id, member, time.Now()); err != nil {
		h.logger.Warn("mark read failed", zap.Error(err), zap.String("id", idStr))
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"id": idStr, "status": "read"})
}

// MarkAllRead handles POST /v1/notifications/read-all?member_id=xxx
func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	member, ok := h.memberIDQuery(w, r)
	if !ok {
		return
	}

	n, err := h.feed.MarkAllRead(ctx, member, time.Now())
	if err != nil {
		h.logger.Error("mark all read failed", zap.Error(err), zap.String("member_id", member.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to mark notifications read", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"marked": n})
}

// SubscriptionRequest is the POST /v1/subscriptions body, mirroring the
// browser PushSubscription shape.
type SubscriptionRequest struct {
	MemberID uuid.UUID `json:"member_id"`
	DeviceID string    `json:"device_id"`
	Endpoint string    `json:"endpoint"`
	Encoding string    `json:"encoding"`
	Keys     struct {
		P256DH string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// SaveSubscription handles POST /v1/subscriptions
func (h *Handler) SaveSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.MemberID == uuid.Nil || req.DeviceID == "" || req.Keys.P256DH == "" || req.Keys.Auth == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "member_id, device_id, and keys are required")
		return
	}
	if u, err := url.Parse(req.Endpoint); err != nil || u.Scheme != "https" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid endpoint", "endpoint must be an https URL")
		return
	}
	encoding := req.Encoding
	switch encoding {
	case "":
		encoding = db.EncodingAES128GCM
	case db.EncodingAES128GCM, db.EncodingAESGCM:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid encoding", "encoding must be aes128gcm or aesgcm")
		return
	}

	sub := &db.PushSubscription{
		ID:       uuid.New(),
		MemberID: req.MemberID,
		DeviceID: req.DeviceID,
		Endpoint: req.Endpoint,
		Encoding: encoding,
		P256DH:   req.Keys.P256DH,
		Auth:     req.Keys.Auth,
		Active:   true,
	}

	if err := h.subs.Save(ctx, sub); err != nil {
		h.logger.Error("failed to save subscription", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to save subscription", "")
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]string{"id": sub.ID.String()})
}

// DeleteSubscription handles DELETE /v1/subscriptions/{id}
func (h *Handler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid subscription ID", "ID must be a valid UUID")
		return
	}

	if err := h.subs.Delete(ctx, id); err != nil {
		h.logger.Error("failed to delete subscription", zap.Error(err), zap.String("id", idStr))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to delete subscription", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetPreferences handles GET /v1/preferences/{memberID}: the full type
// catalog annotated with the member's effective selection.
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	member, ok := h.memberIDParam(w, r)
	if !ok {
		return
	}

	catalog, err := h.catalog.Defaults(ctx)
	if err != nil {
		h.logger.Error("failed to load catalog", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load notification types", "")
		return
	}

	overrides, err := h.prefStore.MemberPreferences(ctx, member)
	if err != nil {
		h.logger.Error("failed to load preferences", zap.Error(err), zap.String("member_id", member.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load preferences", "")
		return
	}

	type entry struct {
		Default  []string `json:"default"`
		Disabled []string `json:"disabled"`
		Editable bool     `json:"editable"`
		Selected []string `json:"selected"`
	}

	out := make(map[string]entry, len(catalog))
	for key, cfg := range catalog {
		selected := cfg.Default
		if override, ok := overrides[key]; ok && cfg.Editable {
			selected = notify.ParseChannelSet(override)
		}
		selected = selected.Subtract(cfg.Disabled)
		out[key] = entry{
			Default:  channelNames(cfg.Default),
			Disabled: channelNames(cfg.Disabled),
			Editable: cfg.Editable,
			Selected: channelNames(selected),
		}
	}

	h.writeJSON(w, http.StatusOK, out)
}

// SavePreferences handles PUT /v1/preferences/{memberID}. Body is a map
// of type key to channel name list. Unknown and non-editable types are
// skipped; selecting push implies inline, matching the settings UI.
func (h *Handler) SavePreferences(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	member, ok := h.memberIDParam(w, r)
	if !ok {
		return
	}

	var req map[string][]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	catalog, err := h.catalog.Defaults(ctx)
	if err != nil {
		h.logger.Error("failed to load catalog", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load notification types", "")
		return
	}

	saved := make([]string, 0, len(req))
	for key, names := range req {
		cfg, known := catalog[key]
		if !known || !cfg.Editable {
			continue
		}

		set := notify.ChannelSet(0)
		for _, name := range names {
			ch, err := notify.ParseChannel(name)
			if err != nil {
				h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channel must be inline, push, or email")
				return
			}
			set = set.With(ch)
		}
		// A push notification with no feed entry behind it leads
		// nowhere when tapped.
		if set.Has(notify.ChannelPush) {
			set = set.With(notify.ChannelInline)
		}

		if err := h.prefStore.SavePreference(ctx, member, key, set.String()); err != nil {
			h.logger.Error("failed to save preference", zap.Error(err), zap.String("key", key))
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to save preference", "")
			return
		}
		saved = append(saved, key)
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"saved": saved})
}

// Silence handles POST /v1/admin/silence
func (h *Handler) Silence(w http.ResponseWriter, r *http.Request) {
	h.dispatcher.Silence()
	h.writeJSON(w, http.StatusOK, map[string]bool{"silenced": true})
}

// Unsilence handles POST /v1/admin/unsilence
func (h *Handler) Unsilence(w http.ResponseWriter, r *http.Request) {
	h.dispatcher.Unsilence()
	h.writeJSON(w, http.StatusOK, map[string]bool{"silenced": false})
}

// InvalidateDefaults handles POST /v1/admin/defaults/invalidate
func (h *Handler) InvalidateDefaults(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.Invalidate(r.Context()); err != nil {
		h.logger.Error("failed to invalidate defaults", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "cache_error", "Failed to invalidate defaults cache", "")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

// Breakers handles GET /v1/admin/breakers
func (h *Handler) Breakers(w http.ResponseWriter, r *http.Request) {
	stats := []circuitbreaker.Stats{}
	if h.breakers != nil {
		stats = h.breakers()
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"breakers": stats})
}

func (h *Handler) memberIDQuery(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.URL.Query().Get("member_id")
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing member_id", "member_id query parameter is required")
		return uuid.Nil, false
	}
	member, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid member_id", "member_id must be a valid UUID")
		return uuid.Nil, false
	}
	return member, true
}

func (h *Handler) memberIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	member, err := uuid.Parse(chi.URLParam(r, "memberID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid member ID", "member ID must be a valid UUID")
		return uuid.Nil, false
	}
	return member, true
}

func parseDeliveryRecord(raw map[string][]string) (notify.DeliveryRecord, error) {
	record := make(notify.DeliveryRecord, len(raw))
	for memberStr, names := range raw {
		member, err := uuid.Parse(memberStr)
		if err != nil {
			return nil, err
		}
		set := notify.ChannelSet(0)
		for _, name := range names {
			if ch, err := notify.ParseChannel(name); err == nil {
				set = set.With(ch)
			}
		}
		record[member] = set
	}
	return record, nil
}

func formatDeliveryRecord(record notify.DeliveryRecord) map[string][]string {
	out := make(map[string][]string, len(record))
	for member, set := range record {
		out[member.String()] = channelNames(set)
	}
	return out
}

func channelNames(set notify.ChannelSet) []string {
	channels := set.Slice()
	names := make([]string, len(channels))
	for i, ch := range channels {
		names[i] = ch.String()
	}
	return names
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
