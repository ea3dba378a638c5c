package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgeboard/notify/internal/db"
	"github.com/forgeboard/notify/internal/notify"
	"github.com/forgeboard/notify/internal/prefs"
)

var ErrDatabaseError = errors.New("database error")

// MockDispatcher records dispatched events.
type MockDispatcher struct {
	sendCalled bool
	lastEvent  *notify.Event
	lastRcpt   *notify.RecipientSet
	lastSentTo notify.DeliveryRecord
	record     notify.DeliveryRecord
	silenced   bool

	shouldFail bool
}

func (m *MockDispatcher) Send(ctx context.Context, ev *notify.Event, rcpt *notify.RecipientSet, sentTo notify.DeliveryRecord) (notify.DeliveryRecord, error) {
	m.sendCalled = true
	m.lastEvent = ev
	m.lastRcpt = rcpt
	m.lastSentTo = sentTo

	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	if m.record != nil {
		return m.record, nil
	}
	return notify.DeliveryRecord{}, nil
}

func (m *MockDispatcher) Silence()       { m.silenced = true }
func (m *MockDispatcher) Unsilence()     { m.silenced = false }
func (m *MockDispatcher) Silenced() bool { return m.silenced }

// MockFeed is a fake feed store.
type MockFeed struct {
	rows   []*db.InlineNotification
	unread int

	markedRead    []uuid.UUID
	markAllCalled bool

	shouldFail bool
}

func (m *MockFeed) ListByMember(ctx context.Context, member uuid.UUID, limit, offset int) ([]*db.InlineNotification, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	return m.rows, nil
}

func (m *MockFeed) UnreadCount(ctx context.Context, member uuid.UUID) (int, error) {
	if m.shouldFail {
		return 0, ErrDatabaseError
	}
	return m.unread, nil
}

func (m *MockFeed) MarkRead(ctx context.Context, id, member uuid.UUID, at time.Time) error {
	if m.shouldFail {
		return ErrDatabaseError
	}
	m.markedRead = append(m.markedRead, id)
	return nil
}

func (m *MockFeed) MarkAllRead(ctx context.Context, member uuid.UUID, at time.Time) (int64, error) {
	m.markAllCalled = true
	if m.shouldFail {
		return 0, ErrDatabaseError
	}
	return int64(m.unread), nil
}

// MockSubs is a fake subscription store.
type MockSubs struct {
	saved   []*db.PushSubscription
	deleted []uuid.UUID

	shouldFail bool
}

func (m *MockSubs) Save(ctx context.Context, s *db.PushSubscription) error {
	if m.shouldFail {
		return ErrDatabaseError
	}
	m.saved = append(m.saved, s)
	return nil
}

func (m *MockSubs) Delete(ctx context.Context, id uuid.UUID) error {
	if m.shouldFail {
		return ErrDatabaseError
	}
	m.deleted = append(m.deleted, id)
	return nil
}

// MockPrefStore is a fake preference store.
type MockPrefStore struct {
	overrides map[string]string
	saved     map[string]string

	shouldFail bool
}

func (m *MockPrefStore) SavePreference(ctx context.Context, member uuid.UUID, key, preference string) error {
	if m.shouldFail {
		return ErrDatabaseError
	}
	if m.saved == nil {
		m.saved = make(map[string]string)
	}
	m.saved[key] = preference
	return nil
}

func (m *MockPrefStore) MemberPreferences(ctx context.Context, member uuid.UUID) (map[string]string, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	return m.overrides, nil
}

// MockCatalog serves a fixed type catalog.
type MockCatalog struct {
	types       map[string]prefs.TypeConfig
	invalidated bool
}

func (m *MockCatalog) Defaults(ctx context.Context) (map[string]prefs.TypeConfig, error) {
	return m.types, nil
}

func (m *MockCatalog) Invalidate(ctx context.Context) error {
	m.invalidated = true
	return nil
}

type handlerDeps struct {
	dispatcher *MockDispatcher
	feed       *MockFeed
	subs       *MockSubs
	prefStore  *MockPrefStore
	catalog    *MockCatalog
}

func newTestHandler() (*Handler, *handlerDeps) {
	deps := &handlerDeps{
		dispatcher: &MockDispatcher{},
		feed:       &MockFeed{},
		subs:       &MockSubs{},
		prefStore:  &MockPrefStore{},
		catalog: &MockCatalog{types: map[string]prefs.TypeConfig{
			"new_comment": {
				Default:  notify.AllChannels(),
				Editable: true,
			},
			"report_center": {
				Default:  notify.Channels(notify.ChannelEmail),
				Disabled: notify.Channels(notify.ChannelInline),
				Editable: false,
			},
		}},
	}
	h := NewHandler(zap.NewNop(), deps.dispatcher, deps.feed, deps.subs, deps.prefStore, deps.catalog, nil)
	return h, deps
}

func postJSON(t *testing.T, handler http.HandlerFunc, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest("POST", target, bytes.NewReader(data))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestDispatchEvent_Success(t *testing.T) {
	h, deps := newTestHandler()
	member := uuid.New()

	rec := postJSON(t, h.DispatchEvent, "/v1/events", EventRequest{
		App: "forums",
		Key: "new_comment",
		Item: &itemRef{
			Kind:  "content",
			App:   "forums",
			Class: "forums.Topic",
			ID:    7,
		},
		Recipients: []recipientRef{{MemberID: member}},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !deps.dispatcher.sendCalled {
		t.Error("dispatcher should have been called")
	}
	if deps.dispatcher.lastEvent.Key != "new_comment" {
		t.Errorf("unexpected event key %q", deps.dispatcher.lastEvent.Key)
	}
	if deps.dispatcher.lastEvent.Item == nil || deps.dispatcher.lastEvent.Item.Kind != notify.ItemContent {
		t.Error("item reference should be decoded into a content item")
	}
	if deps.dispatcher.lastRcpt.Len() != 1 {
		t.Errorf("expected 1 recipient, got %d", deps.dispatcher.lastRcpt.Len())
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if _, ok := resp["sent_to"]; !ok {
		t.Error("response should carry sent_to")
	}
}

func TestDispatchEvent_CarriesDeniedMembers(t *testing.T) {
	h, deps := newTestHandler()
	member := uuid.New()
	denied := uuid.New()

	rec := postJSON(t, h.DispatchEvent, "/v1/events", EventRequest{
		App:           "forums",
		Key:           "new_comment",
		DeniedMembers: []uuid.UUID{denied},
		Recipients:    []recipientRef{{MemberID: member}, {MemberID: denied}},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := deps.dispatcher.lastEvent.Denied; len(got) != 1 || got[0] != denied {
		t.Errorf("denied members should reach the dispatcher, got %v", got)
	}
}

func TestDispatchEvent_ThreadsSentTo(t *testing.T) {
	h, deps := newTestHandler()
	member := uuid.New()

	rec := postJSON(t, h.DispatchEvent, "/v1/events", EventRequest{
		App:        "forums",
		Key:        "new_comment",
		Recipients: []recipientRef{{MemberID: member}},
		SentTo:     map[string][]string{member.String(): {"inline", "email"}},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !deps.dispatcher.lastSentTo.Has(member, notify.ChannelInline) {
		t.Error("sent_to inline marker should be threaded through")
	}
	if !deps.dispatcher.lastSentTo.Has(member, notify.ChannelEmail) {
		t.Error("sent_to email marker should be threaded through")
	}
}

func TestDispatchEvent_Validation(t *testing.T) {
	h, _ := newTestHandler()
	member := uuid.New()

	tests := []struct {
		name string
		body EventRequest
	}{
		{"missing app", EventRequest{Key: "new_comment", Recipients: []recipientRef{{MemberID: member}}}},
		{"missing key", EventRequest{App: "forums", Recipients: []recipientRef{{MemberID: member}}}},
		{"no recipients", EventRequest{App: "forums", Key: "new_comment"}},
		{"nil recipient", EventRequest{App: "forums", Key: "new_comment", Recipients: []recipientRef{{}}}},
		{"bad item kind", EventRequest{App: "forums", Key: "new_comment",
			Item:       &itemRef{Kind: "widget"},
			Recipients: []recipientRef{{MemberID: member}}}},
		{"bad sent_to member", EventRequest{App: "forums", Key: "new_comment",
			Recipients: []recipientRef{{MemberID: member}},
			SentTo:     map[string][]string{"not-a-uuid": {"inline"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, h.DispatchEvent, "/v1/events", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d", rec.Code)
			}
		})
	}
}

func TestDispatchEvent_MalformedJSON(t *testing.T) {
	h, _ := newTestHandler()

	req := httptest.NewRequest("POST", "/v1/events", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	h.DispatchEvent(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem+json, got %q", ct)
	}
}

func TestDispatchEvent_DispatchFailure(t *testing.T) {
	h, deps := newTestHandler()
	deps.dispatcher.shouldFail = true

	rec := postJSON(t, h.DispatchEvent, "/v1/events", EventRequest{
		App:        "forums",
		Key:        "new_comment",
		Recipients: []recipientRef{{MemberID: uuid.New()}},
	})

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rec.Code)
	}
}

func TestListFeed(t *testing.T) {
	h, deps := newTestHandler()
	member := uuid.New()
	deps.feed.rows = []*db.InlineNotification{
		{ID: uuid.New(), MemberID: member, App: "forums", Key: "new_comment"},
	}
	deps.feed.unread = 1

	req := httptest.NewRequest("GET", "/v1/notifications?member_id="+member.String(), nil)
	rec := httptest.NewRecorder()
	h.ListFeed(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["unread"].(float64) != 1 {
		t.Errorf("expected unread 1, got %v", resp["unread"])
	}
	if resp["count"].(float64) != 1 {
		t.Errorf("expected count 1, got %v", resp["count"])
	}
}

func TestListFeed_RequiresMemberID(t *testing.T) {
	h, _ := newTestHandler()

	req := httptest.NewRequest("GET", "/v1/notifications", nil)
	rec := httptest.NewRecorder()
	h.ListFeed(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rec.Code)
	}
}

func TestMarkRead(t *testing.T) {
	h, deps := newTestHandler()
	member := uuid.New()
	id := uuid.New()

	req := httptest.NewRequest("POST", "/v1/notifications/"+id.String()+"/read?member_id="+member.String(), nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id.String())
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	rec := httptest.NewRecorder()
	h.MarkRead(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if len(deps.feed.markedRead) != 1 || deps.feed.markedRead[0] != id {
		t.Errorf("expected mark read call for %s, got %v", id, deps.feed.markedRead)
	}
}

func TestMarkAllRead(t *testing.T) {
	h, deps := newTestHandler()
	deps.feed.unread = 4
	member := uuid.New()

	req := httptest.NewRequest("POST", "/v1/notifications/read-all?member_id="+member.String(), nil)
	rec := httptest.NewRecorder()
	h.MarkAllRead(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !deps.feed.markAllCalled {
		t.Error("mark all read should have been called")
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["marked"].(float64) != 4 {
		t.Errorf("expected 4 marked, got %v", resp["marked"])
	}
}

func TestSaveSubscription(t *testing.T) {
	h, deps := newTestHandler()
	member := uuid.New()

	body := SubscriptionRequest{
		MemberID: member,
		DeviceID: "device-1",
		Endpoint: "https://fcm.googleapis.com/fcm/send/abc",
	}
	body.Keys.P256DH = "BKey"
	body.Keys.Auth = "auth"

	rec := postJSON(t, h.SaveSubscription, "/v1/subscriptions", body)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(deps.subs.saved) != 1 {
		t.Fatalf("expected 1 saved subscription, got %d", len(deps.subs.saved))
	}
	sub := deps.subs.saved[0]
	if !sub.Active {
		t.Error("new subscriptions should be active")
	}
	if sub.Encoding != db.EncodingAES128GCM {
		t.Errorf("missing encoding should default to aes128gcm, got %q", sub.Encoding)
	}
}

func TestSaveSubscription_Validation(t *testing.T) {
	h, _ := newTestHandler()
	member := uuid.New()

	valid := func() SubscriptionRequest {
		r := SubscriptionRequest{
			MemberID: member,
			DeviceID: "device-1",
			Endpoint: "https://push.example.com/x",
		}
		r.Keys.P256DH = "BKey"
		r.Keys.Auth = "auth"
		return r
	}

	tests := []struct {
		name   string
		mutate func(*SubscriptionRequest)
	}{
		{"missing member", func(r *SubscriptionRequest) { r.MemberID = uuid.Nil }},
		{"missing device", func(r *SubscriptionRequest) { r.DeviceID = "" }},
		{"missing keys", func(r *SubscriptionRequest) { r.Keys.P256DH = "" }},
		{"http endpoint", func(r *SubscriptionRequest) { r.Endpoint = "http://push.example.com/x" }},
		{"unknown encoding", func(r *SubscriptionRequest) { r.Encoding = "aes256gcm" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := valid()
			tt.mutate(&body)
			rec := postJSON(t, h.SaveSubscription, "/v1/subscriptions", body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d", rec.Code)
			}
		})
	}
}

func TestDeleteSubscription(t *testing.T) {
	h, deps := newTestHandler()
	id := uuid.New()

	req := httptest.NewRequest("DELETE", "/v1/subscriptions/"+id.String(), nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id.String())
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	rec := httptest.NewRecorder()
	h.DeleteSubscription(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rec.Code)
	}
	if len(deps.subs.deleted) != 1 || deps.subs.deleted[0] != id {
		t.Errorf("expected delete for %s, got %v", id, deps.subs.deleted)
	}
}

func prefsRequest(t *testing.T, h http.HandlerFunc, method string, member uuid.UUID, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, "/v1/preferences/"+member.String(), reader)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("memberID", member.String())
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestGetPreferences(t *testing.T) {
	h, deps := newTestHandler()
	member := uuid.New()
	deps.prefStore.overrides = map[string]string{
		"new_comment":   "inline",
		"report_center": "inline,push,email", // non-editable: must be ignored
	}

	rec := prefsRequest(t, h.GetPreferences, "GET", member, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp map[string]struct {
		Default  []string `json:"default"`
		Disabled []string `json:"disabled"`
		Editable bool     `json:"editable"`
		Selected []string `json:"selected"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}

	nc := resp["new_comment"]
	if len(nc.Selected) != 1 || nc.Selected[0] != "inline" {
		t.Errorf("editable override should drive selection, got %v", nc.Selected)
	}

	rcEntry := resp["report_center"]
	if len(rcEntry.Selected) != 1 || rcEntry.Selected[0] != "email" {
		t.Errorf("non-editable type should show the default minus disabled, got %v", rcEntry.Selected)
	}
}

func TestSavePreferences_PushForcesInline(t *testing.T) {
	h, deps := newTestHandler()
	member := uuid.New()

	rec := prefsRequest(t, h.SavePreferences, "PUT", member, map[string][]string{
		"new_comment": {"push"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	saved := notify.ParseChannelSet(deps.prefStore.saved["new_comment"])
	if !saved.Has(notify.ChannelInline) {
		t.Error("selecting push must force inline on")
	}
	if !saved.Has(notify.ChannelPush) {
		t.Error("push itself should be saved")
	}
}

func TestSavePreferences_SkipsNonEditableAndUnknown(t *testing.T) {
	h, deps := newTestHandler()
	member := uuid.New()

	rec := prefsRequest(t, h.SavePreferences, "PUT", member, map[string][]string{
		"report_center": {"inline"},
		"no_such_type":  {"email"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if len(deps.prefStore.saved) != 0 {
		t.Errorf("nothing should be saved, got %v", deps.prefStore.saved)
	}
}

func TestSavePreferences_InvalidChannel(t *testing.T) {
	h, _ := newTestHandler()
	member := uuid.New()

	rec := prefsRequest(t, h.SavePreferences, "PUT", member, map[string][]string{
		"new_comment": {"sms"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rec.Code)
	}
}

func TestSilenceEndpoints(t *testing.T) {
	h, deps := newTestHandler()

	req := httptest.NewRequest("POST", "/v1/admin/silence", nil)
	rec := httptest.NewRecorder()
	h.Silence(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !deps.dispatcher.silenced {
		t.Error("dispatcher should be silenced")
	}

	req = httptest.NewRequest("POST", "/v1/admin/unsilence", nil)
	rec = httptest.NewRecorder()
	h.Unsilence(rec, req)
	if deps.dispatcher.silenced {
		t.Error("dispatcher should be unsilenced")
	}
}

func TestInvalidateDefaults(t *testing.T) {
	h, deps := newTestHandler()

	req := httptest.NewRequest("POST", "/v1/admin/defaults/invalidate", nil)
	rec := httptest.NewRecorder()
	h.InvalidateDefaults(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !deps.catalog.invalidated {
		t.Error("catalog should have been invalidated")
	}
}

func TestBreakers_NoneConfigured(t *testing.T) {
	h, _ := newTestHandler()

	req := httptest.NewRequest("GET", "/v1/admin/breakers", nil)
	rec := httptest.NewRecorder()
	h.Breakers(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if _, ok := resp["breakers"]; !ok {
		t.Error("response should carry a breakers list")
	}
}
