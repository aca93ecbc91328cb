package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidate_RejectsUnknownMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = "staging"
	require.Error(t, cfg.Validate())
}

func TestValidate_MemoryStoreRequiresTestingMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DatastoreType = "memory"
	require.Error(t, cfg.Validate())

	cfg.Mode = ModeTesting
	require.NoError(t, cfg.Validate())
}

func TestValidate_RequiresRAGEngineURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RAGEngineURL = "  "
	require.Error(t, cfg.Validate())
}

func TestContextCarrier(t *testing.T) {
	cfg := DefaultConfig()
	ctx := WithContext(context.Background(), &cfg)
	require.Same(t, &cfg, FromContext(ctx))
	require.Nil(t, FromContext(context.Background()))
}
