package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentfabric/agent-fabric/internal/chainadapter"
	"github.com/agentfabric/agent-fabric/internal/claim"
	"github.com/agentfabric/agent-fabric/internal/config"
	"github.com/agentfabric/agent-fabric/internal/node"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Environment)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	if err := cfg.Validate(log); err != nil {
		log.Fatal("config validation failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Claim schemes and chain adapters ──────────────────────────────────────
	schemes, err := buildSchemes(cfg)
	if err != nil {
		log.Fatal("claim scheme init failed", zap.Error(err))
	}
	adapters, err := buildAdapters(cfg, schemes, log)
	if err != nil {
		log.Fatal("chain adapter init failed", zap.Error(err))
	}

	// ── Node ──────────────────────────────────────────────────────────────────
	n, err := node.New(node.Options{
		Config:   cfg,
		Version:  version,
		Logger:   log,
		Redis:    rdb,
		Schemes:  schemes,
		Adapters: adapters,
	})
	if err != nil {
		log.Fatal("node init failed", zap.Error(err))
	}
	if err := n.Start(ctx); err != nil {
		log.Fatal("node start failed", zap.Error(err))
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	n.Shutdown(shutdownCtx)
}

func buildLogger(environment string) (*zap.Logger, error) {
	if environment == config.EnvDev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// buildSchemes derives one claim scheme per chain family on the peer list
// from the settlement key. A 32-byte hex key is an ed25519 seed; when any
// peer settles on an EVM chain the same entropy also keys the secp256k1
// scheme. Without a configured key ephemeral keys suffice: claims are only
// signed when settlement runs.
func buildSchemes(cfg *config.Config) ([]claim.Scheme, error) {
	evmPeers := false
	for _, p := range cfg.Peers {
		if p.ChainTag == claim.TagEVM {
			evmPeers = true
		}
	}

	keyHex := strings.TrimPrefix(cfg.SettlementInfra.PrivateKey, "0x")

	var edKey ed25519.PrivateKey
	var ecdsaKey *ecdsa.PrivateKey
	if keyHex == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		edKey = priv
		if evmPeers {
			k, err := crypto.GenerateKey()
			if err != nil {
				return nil, err
			}
			ecdsaKey = k
		}
	} else {
		seed, err := hex.DecodeString(keyHex)
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("settlement private key must be 32 hex bytes")
		}
		edKey = ed25519.NewKeyFromSeed(seed)
		if evmPeers {
			k, err := crypto.HexToECDSA(keyHex)
			if err != nil {
				return nil, fmt.Errorf("settlement key unusable for secp256k1: %w", err)
			}
			ecdsaKey = k
		}
	}

	schemes := []claim.Scheme{claim.NewEd25519Scheme(edKey)}
	if ecdsaKey != nil {
		schemes = append(schemes, claim.NewEVMScheme(ecdsaKey))
	}
	return schemes, nil
}

// buildAdapters constructs one adapter per distinct chain tag on the peer
// list. EVM tags get the registry-backed adapter when settlement is enabled;
// everything else runs against the in-memory adapter, which is also the dev
// default.
func buildAdapters(cfg *config.Config, schemes []claim.Scheme, log *zap.Logger) ([]chainadapter.Adapter, error) {
	seen := map[string]bool{}
	var out []chainadapter.Adapter
	for _, p := range cfg.Peers {
		if p.ChainTag == "" || seen[p.ChainTag] {
			continue
		}
		seen[p.ChainTag] = true

		if p.ChainTag == claim.TagEVM && cfg.Settlement.Enabled {
			evm, err := chainadapter.NewEVM(p.ChainTag, cfg.SettlementInfra, log)
			if err != nil {
				return nil, err
			}
			out = append(out, evm)
			continue
		}
		scheme := schemes[0]
		for _, s := range schemes {
			if s.Tag() == p.ChainTag {
				scheme = s
			}
		}
		out = append(out, chainadapter.NewMemory(p.ChainTag, scheme))
	}
	return out, nil
}
