package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSyncCheckpoint_TableName(t *testing.T) {
	checkpoint := SyncCheckpoint{}
	assert.Equal(t, "chain_sync_checkpoints", checkpoint.TableName())
}
