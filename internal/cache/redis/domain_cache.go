package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/twapindexer/internal/domain"
)

// DomainCache implements domain.DomainCache with a single Redis hash mapping
// chain id to the hex-encoded EIP-712 domain separator. Entries never expire
// because a deployment's separator cannot change.
type DomainCache struct {
	c *Client
}

// NewDomainCache creates a DomainCache backed by the given Client.
func NewDomainCache(c *Client) *DomainCache {
	return &DomainCache{c: c}
}

func (dc *DomainCache) key() string {
	return dc.c.Key("domain_separator")
}

// GetDomainSeparator returns the cached separator for chainID, or
// domain.ErrNotFound when none has been stored.
func (dc *DomainCache) GetDomainSeparator(ctx context.Context, chainID uint64) (common.Hash, error) {
	val, err := dc.c.rdb.HGet(ctx, dc.key(), strconv.FormatUint(chainID, 10)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return common.Hash{}, domain.ErrNotFound
		}
		return common.Hash{}, fmt.Errorf("redis: get domain separator %d: %w", chainID, err)
	}
	b := common.FromHex(val)
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("redis: domain separator %d: bad length %d", chainID, len(b))
	}
	return common.BytesToHash(b), nil
}

// SetDomainSeparator stores the separator for chainID.
func (dc *DomainCache) SetDomainSeparator(ctx context.Context, chainID uint64, sep common.Hash) error {
	if err := dc.c.rdb.HSet(ctx, dc.key(), strconv.FormatUint(chainID, 10), sep.Hex()).Err(); err != nil {
		return fmt.Errorf("redis: set domain separator %d: %w", chainID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.DomainCache = (*DomainCache)(nil)
