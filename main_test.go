package main

import (
	"testing"
	"time"

	"github.com/breez/anon-sync/config"
	"github.com/breez/anon-sync/syncer"
	"github.com/stretchr/testify/require"
)

type flagCase struct {
	name    string
	args    []string
	mode    syncer.Mode
	wantErr bool
}

func TestParseFlags(t *testing.T) {
	for _, testCase := range []flagCase{
		{name: "no flags selects incremental", args: nil, mode: syncer.Incremental},
		{name: "full reindex", args: []string{"--full-reindex"}, mode: syncer.FullReindex},
		{name: "unknown flag", args: []string{"--watch"}, wantErr: true},
		{name: "positional argument", args: []string{"customers"}, wantErr: true},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			mode, err := parseFlags(testCase.args)
			if testCase.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, testCase.mode, mode)
		})
	}
}

func TestSyncerConfig(t *testing.T) {
	cfg := syncerConfig(&config.Config{
		FlushThreshold:      1000,
		FlushInterval:       time.Second,
		WriteRetryAttempts:  5,
		ResubscribeAttempts: 10,
		MaxDrainPasses:      100,
	}, syncer.FullReindex)

	require.Equal(t, syncer.FullReindex, cfg.Mode)
	require.Equal(t, 1000, cfg.FlushThreshold)
	require.Equal(t, time.Second, cfg.FlushInterval)
	require.Equal(t, 100, cfg.MaxDrainPasses)
}
