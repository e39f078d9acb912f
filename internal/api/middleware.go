package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/x402-foundation/escrow-facilitator/types"
)

// apiKeyPrefix marks facilitator API keys so leaked secrets are findable by
// scanners.
const apiKeyPrefix = "x402_"

const (
	ctxUserID = "userID"
	ctxWallet = "wallet"
	ctxKeyID  = "keyID"
)

// rateLimits holds the per-key token buckets. Limits are process-local;
// horizontally scaled deployments multiply the effective ceiling by the
// replica count.
type rateLimits struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newRateLimits() *rateLimits {
	return &rateLimits{buckets: make(map[string]*rate.Limiter)}
}

func (r *rateLimits) allow(key string, limit rate.Limit, burst int) bool {
	r.mu.Lock()
	limiter, ok := r.buckets[key]
	if !ok {
		limiter = rate.NewLimiter(limit, burst)
		r.buckets[key] = limiter
	}
	r.mu.Unlock()
	return limiter.Allow()
}

// requestLogger logs one line per request.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}

// HashAPIKey returns the stored form of an API key secret.
func HashAPIKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// apiKeyAuth authenticates facilitator clients by API key and applies the
// per-key rate limit. Failed attempts burn a per-IP bucket so secrets cannot
// be brute forced.
func (s *Server) apiKeyAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := bearerToken(c)
		if !strings.HasPrefix(secret, apiKeyPrefix) {
			s.authFailure(c)
			return
		}

		key, err := s.store.GetAPIKeyBySecretHash(c.Request.Context(), HashAPIKey(secret))
		if err != nil {
			s.authFailure(c)
			return
		}
		if !s.limits.allow("key:"+key.ID, rate.Limit(50), 100) {
			s.writeError(c, types.NewError(types.ErrRateLimited, "api key rate limit exceeded"))
			return
		}

		// last-used bookkeeping must not block the request
		go func(keyID string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.store.TouchAPIKey(ctx, keyID); err != nil {
				s.log.Warn("touch api key failed", zap.Error(err))
			}
		}(key.ID)

		c.Set(ctxUserID, key.UserID)
		c.Set(ctxKeyID, key.ID)
		c.Next()
	}
}

// authFailure rejects the request, rate limiting repeated failures per IP.
func (s *Server) authFailure(c *gin.Context) {
	if !s.limits.allow("authfail:"+c.ClientIP(), rate.Every(6*time.Second), 10) {
		s.writeError(c, types.NewError(types.ErrRateLimited, "too many failed authentication attempts"))
		return
	}
	s.writeError(c, types.NewError(types.ErrUnauthorized, "invalid api key"))
}

// cronAuth guards the capture trigger with the shared cron secret.
func (s *Server) cronAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if bearerToken(c) != s.cfg.CronSecret {
			s.writeError(c, types.NewError(types.ErrUnauthorized, "invalid cron secret"))
			return
		}
		c.Next()
	}
}

// jwtAuth authenticates payers and dashboard users by a wallet-bound JWT.
func (s *Server) jwtAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c)
		if tokenString == "" {
			s.authFailure(c)
			return
		}

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(s.cfg.JWTSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			s.authFailure(c)
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			s.authFailure(c)
			return
		}
		wallet, _ := claims["sub"].(string)
		if wallet == "" {
			s.authFailure(c)
			return
		}
		wallet = types.NormalizeAddress(wallet)

		user, err := s.store.GetOrCreateUserByWallet(c.Request.Context(), wallet)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.Set(ctxWallet, wallet)
		c.Set(ctxUserID, user.ID)
		c.Next()
	}
}

// reclaimRate throttles reclaim calls per wallet. Reclaims submit on-chain
// transactions, so the bucket is small.
func (s *Server) reclaimRate() gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet := c.GetString(ctxWallet)
		if !s.limits.allow("reclaim:"+wallet, rate.Every(10*time.Second), 3) {
			s.writeError(c, types.NewError(types.ErrRateLimited, "reclaim rate limit exceeded"))
			return
		}
		c.Next()
	}
}
