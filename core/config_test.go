package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockManagerConfigNormalizeDerivesAllocatorKind(t *testing.T) {
	cfg := BlockManagerConfig{EnableCaching: true}
	cfg.Normalize()
	require.Equal(t, KindPrefixCaching, cfg.AllocatorKind)

	cfg = BlockManagerConfig{EnableCaching: false}
	cfg.Normalize()
	require.Equal(t, KindNaive, cfg.AllocatorKind)
}

func TestWatermarkBlocksRoundsDown(t *testing.T) {
	cfg := BlockManagerConfig{NumGPUBlocks: 10, Watermark: 0.15}
	require.Equal(t, 1, cfg.WatermarkBlocks())
}

func TestBlockSlidingWindowConvertsTokensToBlocks(t *testing.T) {
	cfg := BlockManagerConfig{BlockSize: 4, SlidingWindow: 20}
	require.Equal(t, 5, cfg.BlockSlidingWindow())

	cfg.SlidingWindow = 0
	require.Equal(t, 0, cfg.BlockSlidingWindow())
}

func TestPromptLimitIsTheTighterBound(t *testing.T) {
	cfg := SchedulerConfig{MaxModelLen: 2048, MaxNumBatchedTokens: 512}
	require.Equal(t, 512, cfg.PromptLimit())

	cfg = SchedulerConfig{MaxModelLen: 128, MaxNumBatchedTokens: 512}
	require.Equal(t, 128, cfg.PromptLimit())
}
