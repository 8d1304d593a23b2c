package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/agentfabric/agent-fabric/internal/claim"
)

// Store persists channel snapshots, pending-settlement markers, and the
// claim dead-letter queue.
type Store interface {
	SaveEntry(ctx context.Context, snap EntrySnapshot) error
	LoadEntries(ctx context.Context) ([]EntrySnapshot, error)
	MarkSettlementPending(ctx context.Context, key Key) error
	ClearSettlementPending(ctx context.Context, key Key) error
	PendingSettlements(ctx context.Context) ([]Key, error)
	PushDeadLetter(ctx context.Context, key Key, c claim.Claim) error
}

// Redis key templates. The peer ID is opaque and may itself contain the
// separator, so it goes into keys hex-encoded.
const (
	channelKeyPrefix = "channel:"        // channel:<peerHex>:<chain> hash
	pendingKeyPrefix = "settle:pending:" // settle:pending:<peerHex>:<chain>
	dlqKeyFmt        = "settle:dlq:%s"   // %s = chain tag
)

// RedisStore keeps ledger state in Redis hashes, one per channel.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func channelKey(key Key) string {
	return channelKeyPrefix + hex.EncodeToString([]byte(key.PeerID)) + ":" + key.ChainTag
}

func pendingKey(key Key) string {
	return pendingKeyPrefix + hex.EncodeToString([]byte(key.PeerID)) + ":" + key.ChainTag
}

func (s *RedisStore) SaveEntry(ctx context.Context, snap EntrySnapshot) error {
	key := channelKey(Key{PeerID: snap.PeerID, ChainTag: snap.ChainTag})
	return s.rdb.HSet(ctx, key,
		"peer_id", snap.PeerID,
		"chain_tag", snap.ChainTag,
		"owner", hex.EncodeToString(snap.Owner[:]),
		"deposit", snap.Deposit.String(),
		"owed_to_peer", snap.OwedToPeer.String(),
		"owed_from_peer", snap.OwedFromPeer.String(),
		"nonce", snap.Nonce,
		"highest_received_nonce", snap.HighestReceivedNonce,
	).Err()
}

func (s *RedisStore) LoadEntries(ctx context.Context) ([]EntrySnapshot, error) {
	var out []EntrySnapshot
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, channelKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan channels: %w", err)
		}
		for _, key := range keys {
			vals, err := s.rdb.HGetAll(ctx, key).Result()
			if err != nil || len(vals) == 0 {
				continue
			}
			snap, err := snapshotFromMap(vals)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
			out = append(out, snap)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return out, nil
}

func (s *RedisStore) MarkSettlementPending(ctx context.Context, key Key) error {
	return s.rdb.Set(ctx, pendingKey(key), 1, 0).Err()
}

func (s *RedisStore) ClearSettlementPending(ctx context.Context, key Key) error {
	return s.rdb.Del(ctx, pendingKey(key)).Err()
}

func (s *RedisStore) PendingSettlements(ctx context.Context) ([]Key, error) {
	var out []Key
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pendingKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan pending settlements: %w", err)
		}
		for _, key := range keys {
			rest := strings.TrimPrefix(key, pendingKeyPrefix)
			peerHex, chain, ok := strings.Cut(rest, ":")
			if !ok {
				continue
			}
			peer, err := hex.DecodeString(peerHex)
			if err != nil {
				continue
			}
			out = append(out, Key{PeerID: string(peer), ChainTag: chain})
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return out, nil
}

// PushDeadLetter parks a claim that the chain rejected with a non-retryable
// status so an operator can inspect it.
func (s *RedisStore) PushDeadLetter(ctx context.Context, key Key, c claim.Claim) error {
	raw, err := json.Marshal(struct {
		PeerID string      `json:"peer_id"`
		Claim  claim.Claim `json:"claim"`
	}{PeerID: key.PeerID, Claim: c})
	if err != nil {
		return err
	}
	return s.rdb.RPush(ctx, fmt.Sprintf(dlqKeyFmt, key.ChainTag), string(raw)).Err()
}

func snapshotFromMap(vals map[string]string) (EntrySnapshot, error) {
	var snap EntrySnapshot
	snap.PeerID = vals["peer_id"]
	snap.ChainTag = vals["chain_tag"]

	ownerRaw, err := hex.DecodeString(vals["owner"])
	if err != nil || len(ownerRaw) != 32 {
		return snap, fmt.Errorf("bad owner field %q", vals["owner"])
	}
	copy(snap.Owner[:], ownerRaw)

	for _, f := range []struct {
		name string
		dst  **big.Int
	}{
		{"deposit", &snap.Deposit},
		{"owed_to_peer", &snap.OwedToPeer},
		{"owed_from_peer", &snap.OwedFromPeer},
	} {
		v, ok := new(big.Int).SetString(vals[f.name], 10)
		if !ok {
			return snap, fmt.Errorf("bad %s field %q", f.name, vals[f.name])
		}
		*f.dst = v
	}

	if snap.Nonce, err = strconv.ParseUint(vals["nonce"], 10, 64); err != nil {
		return snap, fmt.Errorf("bad nonce field: %w", err)
	}
	if snap.HighestReceivedNonce, err = strconv.ParseUint(vals["highest_received_nonce"], 10, 64); err != nil {
		return snap, fmt.Errorf("bad highest_received_nonce field: %w", err)
	}
	return snap, nil
}
