package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/abkawan/atomic-ledger/internal/cache"
	"github.com/abkawan/atomic-ledger/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	ReplayedHeader    = "Idempotent-Replayed"
	LocationHeader    = "X-Client-Location"
)

var ErrInvalidToken = errors.New("invalid token")

type ctxKey int

const userKey ctxKey = iota

// Claims carries the authenticated user id under "id"
type Claims struct {
	UserID string `json:"id"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens
type Authenticator struct {
	secret []byte
	parser *jwt.Parser
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Sign issues a token for userID valid for ttl.
func (a *Authenticator) Sign(userID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) Verify(tokenStr string) (uuid.UUID, error) {
	claims := new(Claims)
	token, err := a.parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return uuid.Nil, ErrInvalidToken
	}
	id, err := uuid.Parse(claims.UserID)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, ErrInvalidToken
	}
	return id, nil
}

// Protect rejects requests without a valid bearer token and puts the user id
// in the request context.
func (a *Authenticator) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		userID, err := a.Verify(tokenStr)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
	})
}

func WithUser(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, userKey, userID)
}

// UserFromContext returns uuid.Nil outside a protected route.
func UserFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(userKey).(uuid.UUID)
	return id
}

func requestMetadata(r *http.Request) models.Metadata {
	ip := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip = strings.TrimSpace(strings.Split(fwd, ",")[0])
	} else if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	return models.Metadata{
		IPAddress: ip,
		Device:    r.UserAgent(),
		Location:  r.Header.Get(LocationHeader),
	}
}

// ResponseCache stores answers to requests carrying an Idempotency-Key
type ResponseCache interface {
	Lookup(ctx context.Context, key string) (*cache.Entry, error)
	Reserve(ctx context.Context, key, fingerprint string) (bool, error)
	Store(ctx context.Context, key, fingerprint string, status int, body []byte) error
	Release(ctx context.Context, key string) error
}

// maxIdempotentBody bounds the request body read to fingerprint a request
const maxIdempotentBody = 1 << 20

// fingerprint identifies a request by method, path and body.
func fingerprint(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rec *recorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *recorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	rec.body.Write(b)
	return rec.ResponseWriter.Write(b)
}

// Idempotent replays the stored response when a request repeats an
// Idempotency-Key already answered for the same user. Reusing a key for a
// different request is refused with 422. Retryable failures are not stored so
// the client can try again under the same key.
func Idempotent(store ResponseCache, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(IdempotencyHeader)
			if clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(clientKey) > 128 {
				respondError(w, http.StatusBadRequest, fmt.Sprintf("%s is too long", IdempotencyHeader))
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIdempotentBody))
			if err != nil {
				respondError(w, http.StatusBadRequest, "invalid request payload")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			fp := fingerprint(r, body)

			ctx := r.Context()
			key := cache.Key(UserFromContext(ctx).String(), clientKey)

			entry, err := store.Lookup(ctx, key)
			if err != nil {
				log.Error("idempotency lookup failed", zap.Error(err))
				respondJSON(w, http.StatusServiceUnavailable, errorResponse{
					Status: "error", Error: "idempotency store unavailable", Retryable: true,
				})
				return
			}
			if entry != nil {
				if entry.Fingerprint != fp {
					respondError(w, http.StatusUnprocessableEntity,
						fmt.Sprintf("%s was already used for a different request", IdempotencyHeader))
					return
				}
				if entry.Pending {
					respondJSON(w, http.StatusConflict, errorResponse{
						Status: "fail", Error: "a request with this idempotency key is in progress", Retryable: true,
					})
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(ReplayedHeader, "true")
				w.WriteHeader(entry.Status)
				w.Write(entry.Body)
				return
			}

			reserved, err := store.Reserve(ctx, key, fp)
			if err != nil {
				log.Error("idempotency reserve failed", zap.Error(err))
				respondJSON(w, http.StatusServiceUnavailable, errorResponse{
					Status: "error", Error: "idempotency store unavailable", Retryable: true,
				})
				return
			}
			if !reserved {
				respondJSON(w, http.StatusConflict, errorResponse{
					Status: "fail", Error: "a request with this idempotency key is in progress", Retryable: true,
				})
				return
			}

			rec := &recorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			bg := context.WithoutCancel(ctx)
			if rec.status >= http.StatusInternalServerError || rec.status == http.StatusConflict {
				if err := store.Release(bg, key); err != nil {
					log.Warn("idempotency release failed", zap.Error(err))
				}
				return
			}
			if err := store.Store(bg, key, fp, rec.status, rec.body.Bytes()); err != nil {
				log.Warn("idempotency store failed", zap.Error(err))
			}
		})
	}
}
