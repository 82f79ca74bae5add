// SPDX-License-Identifier: GPL-3.0-or-later

package hive

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"filippo.io/edwards25519"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"

	"github.com/oxen-io/hivemind/model"
	"github.com/oxen-io/hivemind/mq"
)

func sessionKeypair(t *testing.T) (ed25519.PrivateKey, model.Ed25519PK, model.AccountID) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	var edpk model.Ed25519PK
	copy(edpk[:], pub)

	point, err := new(edwards25519.Point).SetBytes(pub)
	require.NoError(t, err)

	var id model.AccountID
	id[0] = model.NetPrefixUser
	copy(id[1:], point.BytesMontgomery())

	return priv, edpk, id
}

func TestDeferredRequestsReplayInOrder(t *testing.T) {
	t.Parallel()
	hm := New(Config{})

	var mu sync.Mutex
	var order []string
	handler := func(name string) mq.Handler {
		return hm.wrap(name, true, func(m *mq.Message) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()

			return nil
		})
	}

	handler("first")(&mq.Message{})
	handler("second")(&mq.Message{})
	mu.Lock()
	require.Empty(t, order)
	mu.Unlock()

	hm.setReady()
	mu.Lock()
	require.Equal(t, []string{"first", "second"}, order)
	mu.Unlock()

	// After the flip handlers run immediately.
	handler("third")(&mq.Message{})
	mu.Lock()
	require.Equal(t, []string{"first", "second", "third"}, order)
	mu.Unlock()
}

func TestAllowConnectGate(t *testing.T) {
	t.Parallel()
	limit := int64(2)
	hm := New(Config{MaxPendingConnects: &limit})

	require.True(t, hm.AllowConnect())
	require.True(t, hm.AllowConnect())
	require.False(t, hm.AllowConnect())
	require.EqualValues(t, 2, hm.pendingConnects.Load())

	hm.FinishedConnect()
	require.EqualValues(t, 1, hm.pendingConnects.Load())
	require.True(t, hm.AllowConnect())

	// Dry-run mode admits nothing.
	zero := int64(0)
	dry := New(Config{MaxPendingConnects: &zero})
	require.False(t, dry.AllowConnect())
	require.EqualValues(t, 0, dry.pendingConnects.Load())
}

func snsResponse(t *testing.T, blockHash string, height int64, nodes []map[string]any) [][]byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"block_hash":          blockHash,
		"height":              height,
		"service_node_states": nodes,
	})
	require.NoError(t, err)

	return [][]byte{[]byte("200"), body}
}

func snodeEntry(pkx model.X25519PK, ip string, port uint16, swarm uint64) map[string]any {
	return map[string]any{
		"pubkey_x25519":    pkx.Hex(),
		"public_ip":        ip,
		"storage_lmq_port": port,
		"swarm_id":         swarm,
	}
}

func randomX25519PK(i byte) (pkx model.X25519PK) {
	for j := range pkx {
		pkx[j] = i ^ byte(j*7)
	}

	return pkx
}

func TestOnSNsResponseSwarmLifecycle(t *testing.T) {
	t.Parallel()
	hm := New(Config{})
	hm.dial = func(addr string) (snodeConn, error) { return &fakeConn{replyOK: true}, nil }

	// Two snodes across two swarms.
	pk1, pk2 := randomX25519PK(1), randomX25519PK(2)
	hm.onSNsResponse(snsResponse(t, "hash1", 100, []map[string]any{
		snodeEntry(pk1, "10.0.0.1", 1111, 100),
		snodeEntry(pk2, "10.0.0.2", 2222, 1 << 62),
	}))

	hm.mu.Lock()
	require.Len(t, hm.sns, 2)
	require.Len(t, hm.swarms, 2)
	require.Equal(t, []uint64{100, 1 << 62}, hm.swarmIDs)
	require.EqualValues(t, 100, hm.sns[pk1].Swarm())
	hm.mu.Unlock()

	// Same block hash again: no-op.
	hm.onSNsResponse(snsResponse(t, "hash1", 100, []map[string]any{
		snodeEntry(pk1, "10.0.0.1", 1111, 100),
		snodeEntry(pk2, "10.0.0.2", 2222, 1 << 62),
	}))

	// Add subscribers and force a swarm change: pk2's swarm disappears, its
	// accounts must be recomputed onto the survivor.
	var sig model.Signature
	sub := model.NewSubscriptionTrusted(nil, nil, []int16{0}, false, time.Now().Unix(), sig)
	for i := 0; i < 8; i++ {
		acct := testPubkey(model.NetPrefixGroup)
		acct.UpdateSwarm(hm.swarmIDs)
		hm.mu.Lock()
		hm.subscribers[acct.ID] = &Subscriber{Pubkey: acct, Subs: []*model.Subscription{sub}}
		hm.mu.Unlock()
	}

	hm.onSNsResponse(snsResponse(t, "hash2", 101, []map[string]any{
		snodeEntry(pk1, "10.0.0.1", 1111, 100),
	}))

	hm.mu.Lock()
	defer hm.mu.Unlock()
	require.Len(t, hm.sns, 1)
	require.Len(t, hm.swarms, 1)
	require.Equal(t, []uint64{100}, hm.swarmIDs)

	// Invariants: no empty swarm sets; every snode's swarm matches its key;
	// every subscriber's swarm is a live swarm id.
	for swarm, members := range hm.swarms {
		require.NotEmpty(t, members)
		for sn := range members {
			require.Equal(t, swarm, sn.Swarm())
		}
	}
	survivor := hm.sns[pk1]
	for _, subscriber := range hm.subscribers {
		require.EqualValues(t, 100, subscriber.Pubkey.Swarm)
		survivor.mu.Lock()
		require.Contains(t, survivor.subs, subscriber.Pubkey.ID)
		survivor.mu.Unlock()
	}
}

func TestOnSNsResponseRejectsBadResponses(t *testing.T) {
	t.Parallel()
	hm := New(Config{})
	hm.onSNsResponse([][]byte{[]byte("500"), []byte("oops")})
	hm.onSNsResponse([][]byte{[]byte("only one part")})
	hm.onSNsResponse([][]byte{[]byte("200"), []byte(`{"service_node_states": 42}`)})

	hm.mu.Lock()
	defer hm.mu.Unlock()
	require.Empty(t, hm.sns)
}

// notifierStub plays the role of an external push backend process.
type notifierStub struct {
	client *mq.Client
	pushes chan map[string]bencode.RawMessage
}

func startNotifier(t *testing.T, sock, service, svcid string) *notifierStub {
	t.Helper()
	stub := &notifierStub{
		client: mq.NewClient(context.Background()),
		pushes: make(chan map[string]bencode.RawMessage, 16),
	}
	stub.client.OnCommand("notifier.validate", func(m *mq.Message) {
		require.NoError(t, m.Reply([]byte("0"), []byte(svcid)))
	})
	stub.client.OnCommand("notifier.push", func(m *mq.Message) {
		var push map[string]bencode.RawMessage
		require.NoError(t, bencode.DecodeBytes(m.Data[0], &push))
		stub.pushes <- push
	})
	require.NoError(t, stub.client.Dial(sock))
	t.Cleanup(func() { stub.client.Close() })
	require.NoError(t, stub.client.Send("admin.register_service", []byte(service)))

	return stub
}

func request(t *testing.T, client *mq.Client, command string, body []byte) map[string]any {
	t.Helper()
	replyCh := make(chan [][]byte, 1)
	require.NoError(t, client.Request(command, [][]byte{body}, func(success bool, data [][]byte) {
		require.True(t, success)
		replyCh <- data
	}))
	select {
	case data := <-replyCh:
		require.NotEmpty(t, data)
		var reply map[string]any
		require.NoError(t, json.Unmarshal(data[0], &reply))

		return reply
	case <-time.After(10 * time.Second):
		t.Fatal("no reply to " + command)

		return nil
	}
}

func TestHiveMindEndToEnd(t *testing.T) {
	sock := fmt.Sprintf("ipc://%v", filepath.Join(t.TempDir(), "hm.sock"))
	wait := 50 * time.Millisecond
	hm := New(Config{
		DB:           "file:hivemind-e2e?mode=memory&cache=shared",
		HivemindSock: sock,
		NotifierWait: wait,
	})
	require.NoError(t, hm.Start(context.Background()))
	t.Cleanup(hm.Stop)
	require.True(t, hm.Ready())

	svcid := "test-service-id-0123456789abcdef0123456789abcdef"
	notifier := startNotifier(t, sock, "apns", svcid)

	require.Eventually(t, func() bool {
		hm.mu.Lock()
		defer hm.mu.Unlock()
		_, ok := hm.services["apns"]

		return ok
	}, 5*time.Second, 10*time.Millisecond)

	priv, edpk, account := sessionKeypair(t)
	now := time.Now().Unix()
	namespaces := []int16{0, 1}
	sig := ed25519.Sign(priv, model.SubscribeSigMessage(account, now, true, namespaces))

	var encKey model.EncKey
	for i := range encKey {
		encKey[i] = byte(i)
	}

	subscribeBody := func(ns []int16, sig []byte) []byte {
		body, err := json.Marshal(map[string]any{
			"pubkey":          account.Hex(),
			"session_ed25519": edpk.Hex(),
			"namespaces":      ns,
			"data":            true,
			"sig_ts":          now,
			"signature":       hex.EncodeToString(sig),
			"service":         "apns",
			"service_info":    map[string]any{"token": "device-token"},
			"enc_key":         encKey.Hex(),
		})
		require.NoError(t, err)

		return body
	}

	front := mq.NewClient(context.Background())
	require.NoError(t, front.Dial(sock))
	t.Cleanup(func() { front.Close() })

	// First subscribe: added.
	reply := request(t, front, "push.subscribe", subscribeBody(namespaces, sig))
	require.Equal(t, true, reply["success"])
	require.Equal(t, true, reply["added"])

	// Identical subscribe: updated.
	reply = request(t, front, "push.subscribe", subscribeBody(namespaces, sig))
	require.Equal(t, true, reply["success"])
	require.Equal(t, true, reply["updated"])

	// Bad signature: rejected with ERROR.
	reply = request(t, front, "push.subscribe", subscribeBody([]int16{0, 1, 2}, sig))
	require.EqualValues(t, int(model.CodeError), reply["error"])

	// Unknown service: SERVICE_NOT_AVAILABLE.
	var badService map[string]any
	require.NoError(t, json.Unmarshal(subscribeBody(namespaces, sig), &badService))
	badService["service"] = "missing"
	badBody, err := json.Marshal(badService)
	require.NoError(t, err)
	reply = request(t, front, "push.subscribe", badBody)
	require.EqualValues(t, int(model.CodeServiceNotAvailable), reply["error"])

	// Notification fan-out with dedup.
	hash := []byte("abcdefghijklmnopqrstuvwxyz012345")
	note, err := bencode.EncodeBytes(map[string]any{
		"@": account[:],
		"h": hash,
		"n": int16(1),
		"t": time.Now().UnixMilli(),
		"z": time.Now().Add(time.Hour).UnixMilli(),
		"~": []byte("ciphertext"),
	})
	require.NoError(t, err)

	ackCh := make(chan struct{}, 1)
	require.NoError(t, front.Request("notify.message", [][]byte{note}, func(success bool, data [][]byte) {
		require.True(t, success)
		ackCh <- struct{}{}
	}))
	<-ackCh

	select {
	case push := <-notifier.pushes:
		var service string
		require.NoError(t, bencode.DecodeBytes(push[""], &service))
		require.Equal(t, "apns", service)
		var gotSvcid string
		require.NoError(t, bencode.DecodeBytes(push["&"], &gotSvcid))
		require.Equal(t, svcid, gotSvcid)
		var gotAccount []byte
		require.NoError(t, bencode.DecodeBytes(push["@"], &gotAccount))
		require.Equal(t, account[:], gotAccount)
		var gotData []byte
		require.NoError(t, bencode.DecodeBytes(push["~"], &gotData))
		require.Equal(t, []byte("ciphertext"), gotData)
	case <-time.After(10 * time.Second):
		t.Fatal("notifier never received the push")
	}

	// The duplicate is suppressed by the replay filter.
	require.NoError(t, front.Request("notify.message", [][]byte{note}, func(success bool, data [][]byte) {
		ackCh <- struct{}{}
	}))
	<-ackCh
	select {
	case <-notifier.pushes:
		t.Fatal("duplicate notification was not suppressed")
	case <-time.After(300 * time.Millisecond):
	}

	// Unsubscribe removes the row once.
	unsubSig := ed25519.Sign(priv, model.UnsubscribeSigMessage(account, now))
	unsubBody, err := json.Marshal(map[string]any{
		"pubkey":          account.Hex(),
		"session_ed25519": edpk.Hex(),
		"sig_ts":          now,
		"signature":       hex.EncodeToString(unsubSig),
		"service":         "apns",
		"service_info":    map[string]any{"token": "device-token"},
	})
	require.NoError(t, err)

	reply = request(t, front, "push.unsubscribe", unsubBody)
	require.Equal(t, true, reply["success"])
	require.Equal(t, true, reply["removed"])

	reply = request(t, front, "push.unsubscribe", unsubBody)
	require.Equal(t, true, reply["success"])
	require.Equal(t, false, reply["removed"])

	// Stats include the notifier liveness and subscription counters.
	require.NoError(t, notifier.client.Send("admin.service_stats", []byte("apns"), mustBencode(t, map[string]any{
		"+notifies": 3,
		"version":   "9.9",
	})))
	require.Eventually(t, func() bool {
		stats, err := hm.statsJSON(context.Background())
		require.NoError(t, err)
		notifierStats, ok := stats["notifier"].(map[string]map[string]any)
		if !ok {
			return false
		}
		apns, ok := notifierStats["apns"]

		return ok && apns["notifies"] == int64(3) && apns["version"] == "9.9" && stats["alive.apns"] == true
	}, 5*time.Second, 20*time.Millisecond)
}

func mustBencode(t *testing.T, v any) []byte {
	t.Helper()
	body, err := bencode.EncodeBytes(v)
	require.NoError(t, err)

	return body
}
