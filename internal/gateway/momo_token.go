package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

// tokenExpiryMargin keeps a shared token from being handed out right before it expires.
const tokenExpiryMargin = 30 * time.Second

// redisTokenSource shares one access token across replicas. On a miss it asks
// the wrapped source and stores the result until shortly before expiry.
type redisTokenSource struct {
	rdb  redis.Cmdable
	key  string
	base oauth2.TokenSource
	now  func() time.Time
}

func (s *redisTokenSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Cache misses and cache errors both fall through to the provider.
	if b, err := s.rdb.Get(ctx, s.key).Bytes(); err == nil {
		var tok oauth2.Token
		if json.Unmarshal(b, &tok) == nil && tok.AccessToken != "" && tok.Expiry.After(s.now().Add(tokenExpiryMargin)) {
			return &tok, nil
		}
	}

	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	if !tok.Expiry.IsZero() {
		ttl := tok.Expiry.Sub(s.now()) - tokenExpiryMargin
		if ttl > 0 {
			if b, err := json.Marshal(tok); err == nil {
				_ = s.rdb.Set(ctx, s.key, b, ttl).Err()
			}
		}
	}
	return tok, nil
}
