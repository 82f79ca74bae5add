// SPDX-License-Identifier: GPL-3.0-or-later

// Package hive is the stateful core of the push relay: it tracks the
// network's service-node fleet, keeps a rotating signed subscription for
// every registered account on every swarm member, validates client
// subscribe/unsubscribe requests and routes storage-node notifications out
// to the registered notifier services.
package hive

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"log"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rcrowley/go-metrics"
	"github.com/tidwall/gjson"

	"github.com/oxen-io/hivemind/database"
	"github.com/oxen-io/hivemind/model"
	"github.com/oxen-io/hivemind/mq"
)

// Parameters for the service-node list request.
const getSNsParams = `{
  "active_only": true,
  "fields": {
    "pubkey_x25519": true,
    "public_ip": true,
    "storage_lmq_port": true,
    "swarm_id": true,
    "block_hash": true,
    "height": true
  }
}`

const (
	dbCleanupInterval  = 30 * time.Second
	subsFastInterval   = 100 * time.Millisecond
	statusLineInterval = 15 * time.Second
)

type serviceConn struct {
	srv  *mq.Server
	conn mq.ConnID
}

type deferredCall struct {
	msg     *mq.Message
	handler mq.Handler
}

// HiveMind is the orchestrator. A single mutex guards all the swarm /
// subscriber / service state; snodes have their own locks and the only
// permitted order is orchestrator-then-snode.
type HiveMind struct {
	cfg         Config
	startupTime time.Time

	mu          sync.Mutex
	sns         map[model.X25519PK]*SNode
	swarms      map[uint64]map[*SNode]struct{}
	swarmIDs    []uint64 // sorted
	subscribers Subscribers
	services    map[string]serviceConn
	filter      *replayFilter
	lastBlock   struct {
		hash   string
		height int64
	}

	pendingConnects atomic.Int64
	connectCount    atomic.Int64
	ready           atomic.Bool
	haveNewSubs     atomic.Bool

	deferredMu sync.Mutex
	deferred   []deferredCall

	admin  *mq.Server
	public *mq.Server
	oxend  *mq.Client

	dial DialFunc

	// Only touched from the status timer goroutine.
	lastStatusLogged time.Time

	notifies metrics.Counter

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(cfg Config) *HiveMind {
	hm := &HiveMind{
		cfg:         cfg.withDefaults(),
		startupTime: time.Now(),
		sns:         make(map[model.X25519PK]*SNode),
		swarms:      make(map[uint64]map[*SNode]struct{}),
		subscribers: make(Subscribers),
		services:    make(map[string]serviceConn),
		notifies:    metrics.NewCounter(),
		stop:        make(chan struct{}),
	}
	hm.filter = newReplayFilter(hm.cfg.FilterLifetime, time.Now())
	hm.lastBlock.height = -1
	hm.dial = hm.dialSnode

	return hm
}

// Start runs the startup sequence: open/clean the store, load saved
// subscriptions, bring up the listeners, connect to oxend, wait for
// notifiers, flip ready (draining deferred requests), kick the first
// service-node refresh and start the timers.
func (hm *HiveMind) Start(ctx context.Context) error {
	database.MustInit(hm.cfg.DB)

	log.Printf("Cleaning database")
	if _, err := database.Cleanup(ctx); err != nil {
		return errors.Wrap(err, "startup database cleanup failed")
	}
	log.Printf("Loading existing subscriptions")
	if err := hm.loadSavedSubscriptions(ctx); err != nil {
		return errors.Wrap(err, "failed to load saved subscriptions")
	}

	adminKeys, err := hm.curveAdminKeys()
	if err != nil {
		return err
	}

	hm.admin = mq.NewServer(ctx, mq.AuthAdmin, nil)
	hm.registerEndpoints(hm.admin)
	if err := hm.admin.Listen(hm.cfg.HivemindSock); err != nil {
		return errors.Wrapf(err, "failed to listen on %v", hm.cfg.HivemindSock)
	}
	log.Printf("Listening for local connections on %v", hm.cfg.HivemindSock)

	if hm.cfg.HivemindCurve != "" {
		identity, err := hm.identityPubkey()
		if err != nil {
			return err
		}
		hm.public = mq.NewServer(ctx, mq.AuthNone, adminKeys)
		hm.registerEndpoints(hm.public)
		if err := hm.public.Listen(hm.cfg.HivemindCurve); err != nil {
			return errors.Wrapf(err, "failed to listen on %v", hm.cfg.HivemindCurve)
		}
		log.Printf("Listening for incoming connections on %v/%v", hm.cfg.HivemindCurve, identity.Hex())
	}

	if hm.cfg.OxendRPC != "" {
		log.Printf("Connecting to oxend @ %v", hm.cfg.OxendRPC)
		hm.oxend = mq.NewClient(ctx)
		hm.oxend.OnCommand("notify.block", func(*mq.Message) { hm.refreshSNs() })
		if err := hm.oxend.Dial(hm.cfg.OxendRPC); err != nil {
			return errors.Wrap(err, "oxend connection failed")
		}
		if err := hm.pingOxend(); err != nil {
			return err
		}
		log.Printf("Connected to oxend")
	}

	hm.waitForNotifiers()

	hm.setReady()

	hm.refreshSNs()

	hm.every(dbCleanupInterval, func() {
		if _, err := database.Cleanup(context.Background()); err != nil {
			log.Printf("WARN: database cleanup failed: %v", err)
		}
	})
	hm.every(hm.cfg.SubsInterval, hm.subsSlow)
	hm.every(subsFastInterval, hm.subsFast)
	hm.every(statusLineInterval, hm.logStatus)

	log.Printf("Startup complete")

	return nil
}

// Stop tears everything down; snodes disconnect, pending RPC callbacks fail.
func (hm *HiveMind) Stop() {
	select {
	case <-hm.stop:
		return
	default:
	}
	close(hm.stop)
	hm.wg.Wait()

	hm.mu.Lock()
	sns := make([]*SNode, 0, len(hm.sns))
	for _, sn := range hm.sns {
		sns = append(sns, sn)
	}
	hm.mu.Unlock()
	for _, sn := range sns {
		sn.Disconnect()
	}

	if hm.oxend != nil {
		hm.oxend.Close()
	}
	if hm.public != nil {
		hm.public.Close()
	}
	if hm.admin != nil {
		hm.admin.Close()
	}
}

func (hm *HiveMind) Ready() bool { return hm.ready.Load() }

// identityPubkey validates the configured keypair (the privkey is the
// 32-byte ed25519 seed) and returns the public half.
func (hm *HiveMind) identityPubkey() (model.Ed25519PK, error) {
	if hm.cfg.Pubkey == "" || hm.cfg.Privkey == "" {
		return model.Ed25519PK{}, errors.New("pubkey/privkey must be configured for the public listener")
	}
	pub, err := model.ParseEd25519PK(hm.cfg.Pubkey)
	if err != nil {
		return model.Ed25519PK{}, errors.Wrap(err, "bad pubkey")
	}
	seed, err := model.ParseEd25519Seed(hm.cfg.Privkey)
	if err != nil {
		return model.Ed25519PK{}, errors.Wrap(err, "bad privkey")
	}
	derived := ed25519.NewKeyFromSeed(seed[:]).Public().(ed25519.PublicKey)
	if !bytes.Equal(derived, pub[:]) {
		return model.Ed25519PK{}, errors.New("pubkey does not match the configured privkey")
	}

	return pub, nil
}

func (hm *HiveMind) curveAdminKeys() (map[model.Ed25519PK]struct{}, error) {
	keys := make(map[model.Ed25519PK]struct{}, len(hm.cfg.HivemindCurveAdmin))
	for _, admin := range hm.cfg.HivemindCurveAdmin {
		pk, err := model.ParseEd25519PK(admin)
		if err != nil {
			return nil, errors.Wrapf(err, "bad hivemind_curve_admin key %q", admin)
		}
		keys[pk] = struct{}{}
	}

	return keys, nil
}

func (hm *HiveMind) pingOxend() error {
	done := make(chan error, 1)
	err := hm.oxend.Request("ping.ping", nil, func(success bool, data [][]byte) {
		if !success {
			msg := "(unknown)"
			if len(data) > 0 {
				msg = string(data[0])
			}
			done <- errors.Newf("oxend failed to respond to ping: %v", msg)

			return
		}
		done <- nil
	})
	if err != nil {
		return errors.Wrap(err, "failed to ping oxend")
	}

	return <-done
}

// waitForNotifiers blocks up to notifier_wait for notifier services to
// register, returning early once every expected name has appeared.
func (hm *HiveMind) waitForNotifiers() {
	if hm.cfg.NotifierWait <= 0 {
		return
	}
	deadline := time.Now().Add(hm.cfg.NotifierWait)
	log.Printf("Waiting for notifiers to register (max %v)", hm.cfg.NotifierWait)
	for {
		missing := hm.missingNotifiers()
		if len(hm.cfg.NotifiersExpected) > 0 && len(missing) == 0 {
			log.Printf("All configured notifiers have registered")

			break
		}
		if time.Now().After(deadline) {
			if len(missing) > 0 {
				log.Printf("WARN: notifier startup timeout reached; did not receive registrations for: %v", missing)
			}

			break
		}
		time.Sleep(25 * time.Millisecond)
	}

	hm.mu.Lock()
	registered := len(hm.services)
	hm.mu.Unlock()
	log.Printf("Done waiting for notifiers; %v registered", registered)
}

func (hm *HiveMind) missingNotifiers() []string {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	var missing []string
	for _, service := range hm.cfg.NotifiersExpected {
		if _, ok := hm.services[service]; !ok {
			missing = append(missing, service)
		}
	}

	return missing
}

// setReady flips ready under the deferred-queue lock so that no request can
// slip between "not ready, defer" and the drain below, then replays the
// deferred requests in arrival order.
func (hm *HiveMind) setReady() {
	hm.deferredMu.Lock()
	hm.ready.Store(true)
	deferred := hm.deferred
	hm.deferred = nil
	hm.deferredMu.Unlock()

	for _, call := range deferred {
		call.handler(call.msg)
	}
}

// deferIfStarting queues the request for replay after startup; reports
// whether it was deferred. Reading ready under the lock pairs with setReady.
func (hm *HiveMind) deferIfStarting(m *mq.Message, h mq.Handler) bool {
	hm.deferredMu.Lock()
	defer hm.deferredMu.Unlock()
	if hm.ready.Load() {
		return false
	}
	hm.deferred = append(hm.deferred, deferredCall{msg: m, handler: h})

	return true
}

func (hm *HiveMind) every(interval time.Duration, fn func()) {
	hm.wg.Add(1)
	go func() {
		defer hm.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-hm.stop:
				return
			}
		}
	}()
}

// AllowConnect is the snode admission gate: an optimistic atomic increment,
// backed out again when over the limit.
func (hm *HiveMind) AllowConnect() bool {
	count := hm.pendingConnects.Add(1)
	if count > *hm.cfg.MaxPendingConnects {
		hm.pendingConnects.Add(-1)

		return false
	}
	hm.connectCount.Add(1)
	log.Printf("establishing connection (currently have %v pending, %v total connects)",
		count, hm.connectCount.Load())

	return true
}

// FinishedConnect re-drives subscription checks when the gate was
// previously saturated, so newly-admissible connects go out promptly.
func (hm *HiveMind) FinishedConnect() {
	tryMore := hm.pendingConnects.Load() >= *hm.cfg.MaxPendingConnects
	hm.pendingConnects.Add(-1)
	if tryMore {
		hm.mu.Lock()
		hm.checkSubs(false)
		hm.mu.Unlock()
	}
}

// CheckMySubs re-checks a single snode's subscriptions; called from the
// snode itself (after connecting, or while draining an initial backlog).
func (hm *HiveMind) CheckMySubs(sn *SNode, initial bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	sn.CheckSubs(hm.subscribers, initial, false)
}

// checkSubs re-checks every snode; the orchestrator mutex must be held.
func (hm *HiveMind) checkSubs(fast bool) {
	for _, sn := range hm.sns {
		sn.CheckSubs(hm.subscribers, false, fast)
	}
}

func (hm *HiveMind) subsSlow() {
	if hm.oxend != nil {
		// Ignore the confirmation; we only care that we stay subscribed.
		if err := hm.oxend.Request("sub.block", nil, nil); err != nil {
			log.Printf("WARN: sub.block request failed: %v", err)
		}
	}

	hm.mu.Lock()
	hm.checkSubs(false)
	hm.mu.Unlock()
}

func (hm *HiveMind) subsFast() {
	if hm.haveNewSubs.Swap(false) {
		hm.mu.Lock()
		hm.checkSubs(true)
		hm.mu.Unlock()
	}
}

func (hm *HiveMind) dialSnode(addr string) (snodeConn, error) {
	client := mq.NewClient(context.Background())
	client.OnCommand("notify.message", hm.wrap("on_message_notification", false, hm.onMessageNotification))
	if err := client.Dial(addr); err != nil {
		client.Close()

		return nil, err
	}

	return client, nil
}

func (hm *HiveMind) loadSavedSubscriptions(ctx context.Context) error {
	var count, unique int64
	lastPrint := time.Now()
	err := database.LoadSubscriptions(ctx, func(stored *database.StoredSubscription) error {
		subscriber, ok := hm.subscribers[stored.Account]
		if !ok {
			// Already validated when stored.
			subscriber = &Subscriber{Pubkey: model.NewSwarmPubkeyTrusted(stored.Account, stored.SessionEd25519)}
			hm.subscribers[stored.Account] = subscriber
		}

		// Several devices subscribed with identical settings collapse into
		// whichever subscription is newest.
		dupe := false
		for _, existing := range subscriber.Subs {
			if existing.IsSame(stored.Sub) {
				if stored.Sub.IsNewer(existing) {
					existing.SigTS = stored.Sub.SigTS
					existing.Sig = stored.Sub.Sig
				}
				dupe = true

				break
			}
		}
		if !dupe {
			unique++
			subscriber.Subs = append(subscriber.Subs, stored.Sub)
		}

		if count++; count%100_000 == 0 && time.Since(lastPrint) >= time.Second {
			log.Printf("... processed %v subscriptions", count)
			lastPrint = time.Now()
		}

		return nil
	})
	if err != nil {
		return err
	}
	log.Printf("Done loading saved subscriptions; %v unique subscriptions to %v accounts", unique, len(hm.subscribers))

	return nil
}

func (hm *HiveMind) refreshSNs() {
	if hm.oxend == nil {
		return
	}
	err := hm.oxend.Request("rpc.get_service_nodes", [][]byte{[]byte(getSNsParams)}, func(success bool, data [][]byte) {
		if !success {
			log.Printf("WARN: get_service_nodes request failed")

			return
		}
		hm.onSNsResponse(data)
	})
	if err != nil {
		log.Printf("WARN: failed to send get_service_nodes request: %v", err)
	}
}

type snodeDetails struct {
	addr  string
	swarm uint64
}

func (hm *HiveMind) onSNsResponse(data [][]byte) {
	if len(data) != 2 {
		log.Printf("WARN: rpc.get_service_nodes returned unexpected %v-length response", len(data))

		return
	}
	if string(data[0]) != "200" {
		log.Printf("WARN: rpc.get_service_nodes returned unexpected response %v: %v", string(data[0]), string(data[1]))

		return
	}

	res := gjson.ParseBytes(data[1])
	states := res.Get("service_node_states")
	if !states.IsArray() {
		log.Printf("WARN: unexpected rpc.get_service_nodes response: service_node_states looks wrong")

		return
	}

	hm.mu.Lock()
	defer hm.mu.Unlock()

	swarmsChanged := false
	newHash := res.Get("block_hash").String()
	newHeight := res.Get("height").Int()
	if newHash != hm.lastBlock.hash {
		log.Printf("new block %v @ %v", newHash, newHeight)

		swarmSet := make(map[uint64]struct{})
		for _, sn := range states.Array() {
			if swarm := sn.Get("swarm_id").Uint(); swarm != model.InvalidSwarmID {
				swarmSet[swarm] = struct{}{}
			}
		}
		newSwarmIDs := make([]uint64, 0, len(swarmSet))
		for swarm := range swarmSet {
			newSwarmIDs = append(newSwarmIDs, swarm)
		}
		sort.Slice(newSwarmIDs, func(i, j int) bool { return newSwarmIDs[i] < newSwarmIDs[j] })
		if !equalUint64s(newSwarmIDs, hm.swarmIDs) {
			swarmsChanged = true
			hm.swarmIDs = newSwarmIDs
		}

		hm.lastBlock.hash = newHash
		hm.lastBlock.height = newHeight
	}

	sns := make(map[model.X25519PK]snodeDetails, len(states.Array()))
	for _, sn := range states.Array() {
		pkxHex := sn.Get("pubkey_x25519").String()
		ip := sn.Get("public_ip").String()
		port := sn.Get("storage_lmq_port").Uint()
		swarm := sn.Get("swarm_id").Uint()

		if len(pkxHex) != 64 || ip == "" || ip == "0.0.0.0" || port == 0 || swarm == model.InvalidSwarmID {
			continue
		}
		pkx, err := model.ParseX25519PK(pkxHex)
		if err != nil {
			continue
		}
		sns[pkx] = snodeDetails{addr: "tcp://" + ip + ":" + strconv.FormatUint(port, 10), swarm: swarm}
	}
	log.Printf("%v active SNs (%v missing details)", len(sns), len(states.Array())-len(sns))

	// Anything known but absent from the new list has left the network (or
	// lost its details); disconnect and drop it.
	dropped := 0
	for pkx, sn := range hm.sns {
		if _, stillThere := sns[pkx]; stillThere {
			continue
		}
		hm.removeFromSwarm(sn)
		sn.Disconnect()
		delete(hm.sns, pkx)
		dropped++
	}

	newOrChanged := make(map[*SNode]struct{})
	for pkx, details := range sns {
		if sn, known := hm.sns[pkx]; known {
			if sn.Swarm() != details.swarm {
				hm.removeFromSwarm(sn)
				sn.ResetSwarm(details.swarm)
				hm.addToSwarm(sn, details.swarm)
				newOrChanged[sn] = struct{}{}
			}
			// Reconnects if the address changed, no-op otherwise.
			sn.ConnectTo(details.addr)
		} else {
			sn := NewSNode(hm, hm.dial, details.addr, details.swarm)
			hm.sns[pkx] = sn
			hm.addToSwarm(sn, details.swarm)
			newOrChanged[sn] = struct{}{}
		}
	}

	for swarm, members := range hm.swarms {
		if len(members) == 0 {
			delete(hm.swarms, swarm)
		}
	}

	log.Printf("%v new/updated SNs; dropped %v old SNs", len(newOrChanged), dropped)

	if swarmsChanged {
		hm.reconcileSwarmChange()
	} else if len(newOrChanged) > 0 {
		// Swarms stayed the same (so no account moved), but snodes moved in
		// or out of existing swarms: re-add the swarm's subscribers to the
		// movers so they hold every account that belongs to them.
		for sn := range newOrChanged {
			swarm := sn.Swarm()
			for _, subscriber := range hm.subscribers {
				if subscriber.Pubkey.Swarm == swarm {
					sn.AddAccount(subscriber.Pubkey, false)
				}
			}
		}
		hm.checkSubs(false)
	}
}

// reconcileSwarmChange recomputes every subscriber's swarm and then, per
// swarm in parallel, ejects stale members from each snode and re-adds the
// subscribers that now belong to it. Runs with the orchestrator mutex held;
// checkSubs fires exactly once when every swarm's pass is done.
func (hm *HiveMind) reconcileSwarmChange() {
	var changes int64
	shards := runtime.NumCPU()
	var wg sync.WaitGroup
	wg.Add(shards)
	for shard := 0; shard < shards; shard++ {
		go func(shard uint64) {
			defer wg.Done()
			var local int64
			for _, subscriber := range hm.subscribers {
				if subscriber.Pubkey.ID.HashCode()%uint64(shards) != shard {
					continue
				}
				if subscriber.Pubkey.UpdateSwarm(hm.swarmIDs) {
					local++
				}
			}
			atomic.AddInt64(&changes, local)
		}(uint64(shard))
	}
	wg.Wait()
	log.Printf("%v accounts changed swarms", changes)

	wg.Add(len(hm.swarms))
	for swarm, members := range hm.swarms {
		go func(swarm uint64, members map[*SNode]struct{}) {
			defer wg.Done()
			for sn := range members {
				sn.RemoveStaleSwarmMembers(hm.swarmIDs)
			}
			for _, subscriber := range hm.subscribers {
				if subscriber.Pubkey.Swarm == swarm {
					for sn := range members {
						sn.AddAccount(subscriber.Pubkey, false)
					}
				}
			}
		}(swarm, members)
	}
	wg.Wait()

	hm.checkSubs(false)
}

func (hm *HiveMind) removeFromSwarm(sn *SNode) {
	if members, ok := hm.swarms[sn.Swarm()]; ok {
		delete(members, sn)
	}
}

func (hm *HiveMind) addToSwarm(sn *SNode, swarm uint64) {
	members, ok := hm.swarms[swarm]
	if !ok {
		members = make(map[*SNode]struct{})
		hm.swarms[swarm] = members
	}
	members[sn] = struct{}{}
}

// addSubscription stores (or renews) a validated subscription and updates
// the in-memory state; a brand-new subscription is pushed to every snode in
// the account's swarm with force-now so it activates ASAP.
func (hm *HiveMind) addSubscription(
	ctx context.Context,
	pk *model.SwarmPubkey,
	service, svcid string,
	svcdata []byte,
	encKey model.EncKey,
	sub *model.Subscription,
) (isNew bool, err error) {
	isNew, err = database.UpsertSubscription(ctx, pk, service, svcid, svcdata, encKey, sub)
	if err != nil {
		return false, err
	}

	hm.mu.Lock()
	defer hm.mu.Unlock()

	subscriber, ok := hm.subscribers[pk.ID]
	if !ok {
		subscriber = &Subscriber{Pubkey: pk}
		hm.subscribers[pk.ID] = subscriber
	}
	subscriber.Pubkey.UpdateSwarm(hm.swarmIDs)

	found := false
	for _, existing := range subscriber.Subs {
		if existing.IsSame(sub) {
			if sub.IsNewer(existing) {
				existing.Sig = sub.Sig
				existing.SigTS = sub.SigTS
			}
			found = true

			break
		}
	}
	if !found {
		subscriber.Subs = append(subscriber.Subs, sub)
	}

	if isNew {
		for sn := range hm.swarms[subscriber.Pubkey.Swarm] {
			sn.AddAccount(subscriber.Pubkey, true)
		}
	}

	return isNew, nil
}

// removeSubscription validates the unsubscribe signature and deletes the
// durable row. In-memory state is left alone: other devices may share the
// subscription, and without a row no notification goes out anyway.
func (hm *HiveMind) removeSubscription(
	ctx context.Context,
	pk *model.SwarmPubkey,
	subaccount *model.Subaccount,
	subkeyTag *model.SubkeyTag,
	service, svcid string,
	sig model.Signature,
	sigTS int64,
) (removed bool, err error) {
	now := time.Now()
	if sigTS < now.Add(-model.UnsubscribeGrace).Unix() || sigTS > now.Add(model.UnsubscribeGrace).Unix() {
		return false, model.NewSubscribeError(model.CodeError, "Invalid signature: sig_ts is too far from current time")
	}
	if err := model.VerifyStorageSignature(model.UnsubscribeSigMessage(pk.ID, sigTS), sig, pk, subaccount, subkeyTag); err != nil {
		return false, model.NewSubscribeError(model.CodeError, "%s", err.Error())
	}

	return database.RemoveSubscription(ctx, pk.ID, service, svcid)
}

func equalUint64s(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
