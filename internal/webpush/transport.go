package webpush

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgeboard/notify/internal/circuitbreaker"
	"github.com/forgeboard/notify/internal/db"
)

// ErrEndpointGone is returned when the push service reports the
// subscription permanently dead (404/410); the caller prunes it.
var ErrEndpointGone = errors.New("push endpoint gone")

// SubscriptionStore is the slice of the subscription repository the
// transport needs.
type SubscriptionStore interface {
	ForMembers(ctx context.Context, members []uuid.UUID) ([]*db.PushSubscription, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Delivery is one payload bound for every device of one member.
type Delivery struct {
	MemberID uuid.UUID
	Payload  []byte
	TTL      int64
	Urgency  string
}

// Transport delivers encrypted push messages to browser push services.
// Each push-service origin (fcm.googleapis.com, updates.push.services.
// mozilla.com, ...) gets its own circuit breaker so one dead service does
// not stall deliveries to the rest.
type Transport struct {
	client  *http.Client
	keys    *vapidKeys
	headers *HeaderCache
	subs    SubscriptionStore
	logger  *zap.Logger

	mu       sync.Mutex
	breakers map[string]*circuitbreaker.CircuitBreaker
}

// NewTransport validates the VAPID configuration and returns a transport.
// ErrNotConfigured when the key pair is absent; callers then disable the
// push channel rather than failing startup.
func NewTransport(cfg VAPIDConfig, subs SubscriptionStore, logger *zap.Logger) (*Transport, error) {
	keys, err := validateVAPID(cfg)
	if err != nil {
		return nil, err
	}

	return &Transport{
		client:   &http.Client{Timeout: 10 * time.Second},
		keys:     keys,
		headers:  NewHeaderCache(),
		subs:     subs,
		logger:   logger,
		breakers: make(map[string]*circuitbreaker.CircuitBreaker),
	}, nil
}

// PublicKey returns the base64url application server key clients need
// when calling pushManager.subscribe.
func (t *Transport) PublicKey() string {
	return t.keys.publicB64
}

// InvalidateHeaders drops cached VAPID headers, forcing fresh signatures.
func (t *Transport) InvalidateHeaders() {
	t.headers.Invalidate()
}

// BreakerStats reports the per-origin circuit breaker state for the
// admin surface.
func (t *Transport) BreakerStats() []circuitbreaker.Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := make([]circuitbreaker.Stats, 0, len(t.breakers))
	for _, cb := range t.breakers {
		stats = append(stats, cb.Stats())
	}
	return stats
}

// SendBatch fans a set of member payloads out to every registered device.
// Inactive devices are skipped. Endpoints the push service reports gone
// are deleted; transient failures are logged and the batch continues, so
// one bad device never blocks the rest.
func (t *Transport) SendBatch(ctx context.Context, deliveries []Delivery) error {
	if len(deliveries) == 0 {
		return nil
	}

	byMember := make(map[uuid.UUID]Delivery, len(deliveries))
	members := make([]uuid.UUID, 0, len(deliveries))
	for _, d := range deliveries {
		if _, ok := byMember[d.MemberID]; !ok {
			members = append(members, d.MemberID)
		}
		byMember[d.MemberID] = d
	}

	subs, err := t.subs.ForMembers(ctx, members)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		d, ok := byMember[sub.MemberID]
		if !ok {
			continue
		}

		err := t.sendOne(ctx, sub, d)
		switch {
		case err == nil:
		case errors.Is(err, ErrEndpointGone):
			if delErr := t.subs.Delete(ctx, sub.ID); delErr != nil {
				t.logger.Error("failed to prune dead subscription",
					zap.String("subscription_id", sub.ID.String()),
					zap.Error(delErr),
				)
			} else {
				t.logger.Info("pruned dead push subscription",
					zap.String("subscription_id", sub.ID.String()),
					zap.String("member_id", sub.MemberID.String()),
				)
			}
		default:
			t.logger.Warn("push delivery failed",
				zap.String("subscription_id", sub.ID.String()),
				zap.String("endpoint_host", endpointHost(sub.Endpoint)),
				zap.Error(err),
			)
		}
	}

	return nil
}

func (t *Transport) sendOne(ctx context.Context, sub *db.PushSubscription, d Delivery) error {
	endpoint, err := url.Parse(sub.Endpoint)
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		// Garbage endpoints can never be delivered to.
		return ErrEndpointGone
	}
	audience := endpoint.Scheme + "://" + endpoint.Host

	encoding := sub.Encoding
	if encoding != db.EncodingAESGCM {
		encoding = db.EncodingAES128GCM
	}

	auth, err := t.keys.headersFor(t.headers, audience, encoding)
	if err != nil {
		return err
	}

	padded, err := padPayload(d.Payload, encoding)
	if err != nil {
		return err
	}
	enc, err := encryptPayload(padded, sub.P256DH, sub.Auth, encoding)
	if err != nil {
		return fmt.Errorf("encrypt payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(enc.body(encoding)))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}

	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Encoding", encoding)
	req.Header.Set("TTL", strconv.FormatInt(d.TTL, 10))
	if d.Urgency != "" {
		req.Header.Set("Urgency", d.Urgency)
	}
	req.Header.Set("Authorization", auth.Authorization)
	if encoding == db.EncodingAESGCM {
		req.Header.Set("Encryption", "salt="+base64.RawURLEncoding.EncodeToString(enc.salt))
		req.Header.Set("Crypto-Key", "dh="+base64.RawURLEncoding.EncodeToString(enc.serverPub)+";"+auth.CryptoKey)
	}

	// A 404/410 means this subscription is dead, not the push service;
	// it must not count against the origin's breaker.
	var gone bool
	err = t.breakerFor(audience).Execute(func() error {
		resp, err := t.client.Do(req)
		if err != nil {
			return fmt.Errorf("post to push service: %w", err)
		}
		defer func() {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
		}()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			gone = true
			return nil
		default:
			return fmt.Errorf("push service returned %d", resp.StatusCode)
		}
	})
	if err != nil {
		return err
	}
	if gone {
		return ErrEndpointGone
	}
	return nil
}

func (t *Transport) breakerFor(audience string) *circuitbreaker.CircuitBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()
	cb, ok := t.breakers[audience]
	if !ok {
		cb = circuitbreaker.New(circuitbreaker.DefaultConfig("push:"+audience), t.logger)
		t.breakers[audience] = cb
	}
	return cb
}

func endpointHost(endpoint string) string {
	if u, err := url.Parse(endpoint); err == nil {
		return u.Host
	}
	return "invalid"
}
