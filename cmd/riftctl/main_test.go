package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riftkv/riftkv/cluster"
)

func TestParsePeersSplitsIDAndAddr(t *testing.T) {
	peers, err := parsePeers("node-1=127.0.0.1:7600,node-2=127.0.0.1:7601")
	require.NoError(t, err)
	require.Equal(t, []cluster.PeerInfo{
		{ID: "node-1", Addr: "127.0.0.1:7600"},
		{ID: "node-2", Addr: "127.0.0.1:7601"},
	}, peers)
}

func TestParsePeersRejectsEmptySpec(t *testing.T) {
	_, err := parsePeers("")
	require.Error(t, err)
}

func TestParsePeersRejectsMalformedEntry(t *testing.T) {
	_, err := parsePeers("node-1,node-2=addr")
	require.Error(t, err)
}
