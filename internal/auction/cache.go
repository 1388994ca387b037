package auction

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"ms-dealroom/internal/logger"

	"github.com/go-redis/redis/v8"
)

// BidCache remembers the highest accepted amount per auction. It is only a
// pre-filter: the database stays authoritative for bid acceptance.
type BidCache interface {
	Raise(ctx context.Context, auctionID string, amount int64) (bool, error)
	Get(ctx context.Context, auctionID string) (int64, bool, error)
	Forget(ctx context.Context, auctionID string) error
}

// raiseScript sets the key only when the new amount is higher, so the cached
// value never moves backwards even when commits are reported out of order.
var raiseScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current and tonumber(current) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

type HighBidCache struct {
	Client *redis.Client
	TTL    time.Duration
	log    *logger.Logger
}

func NewHighBidCache(client *redis.Client, log *logger.Logger) *HighBidCache {
	if log == nil {
		log = logger.Discard()
	}
	return &HighBidCache{Client: client, TTL: 7 * 24 * time.Hour, log: log}
}

func highBidKey(auctionID string) string {
	return "auction_high_bid:" + auctionID
}

// Raise stores amount if it is above the cached value and reports whether it did.
func (c *HighBidCache) Raise(ctx context.Context, auctionID string, amount int64) (bool, error) {
	res, err := raiseScript.Run(ctx, c.Client, []string{highBidKey(auctionID)}, amount, c.TTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("raise high bid of %s: %w", auctionID, err)
	}
	if res == 1 {
		c.log.Debug("REDIS", fmt.Sprintf("high bid of %s raised to %d", auctionID, amount))
	}
	return res == 1, nil
}

func (c *HighBidCache) Get(ctx context.Context, auctionID string) (int64, bool, error) {
	val, err := c.Client.Get(ctx, highBidKey(auctionID)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	amount, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt high bid for %s: %w", auctionID, err)
	}
	return amount, true, nil
}

func (c *HighBidCache) Forget(ctx context.Context, auctionID string) error {
	return c.Client.Del(ctx, highBidKey(auctionID)).Err()
}
