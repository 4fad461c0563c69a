// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dedup provides a Redis SETNX seen-filter in front of the archive's
// database identity check. Connectors deliver at-least-once, and overlapping
// sync cycles revisit the same messages; the filter short-circuits most
// duplicates without a database round trip. It is an optimisation only: the
// unique identity constraint in Postgres remains the source of truth.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a seen identity key is remembered. Sync
	// cycles run minutes apart, so a day comfortably covers overlap.
	DefaultTTL = 24 * time.Hour

	keyPrefix = "archive:seen:"
)

// Filter tracks which message identities have already been archived.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a seen-filter backed by Redis.
func NewFilter(rdb *redis.Client) *Filter {
	return &Filter{
		rdb: rdb,
		ttl: DefaultTTL,
	}
}

// IsNew reports whether the identity has NOT been seen before, marking it
// seen atomically when it is new.
func (f *Filter) IsNew(ctx context.Context, identity string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, keyPrefix+identity, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}
