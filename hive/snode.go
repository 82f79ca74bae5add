// SPDX-License-Identifier: GPL-3.0-or-later

package hive

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/bencode"
	"pgregory.net/rand"

	"github.com/oxen-io/hivemind/model"
	"github.com/oxen-io/hivemind/mq"
)

const (
	// Maximum size of a single subscription batch request; stragglers wait
	// for the next pass. Not a hard cap: we stop appending as soon as the
	// body exceeds it, so the last record can push slightly over.
	SubsRequestLimit = 5_000_000

	// Bounds of the uniform random re-subscription delay after a successful
	// batch; the spread keeps renewals from clumping.
	ResubscribeMin = 45 * time.Minute
	ResubscribeMax = 55 * time.Minute
)

// connectCooldown is the retry backoff ladder after consecutive connection
// failures; past the end the last value repeats.
var connectCooldown = []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second, 120 * time.Second}

// Backchannel is the snode's restricted handle back to the orchestrator.
type Backchannel interface {
	AllowConnect() bool
	FinishedConnect()
	CheckMySubs(sn *SNode, initial bool)
}

// snodeConn is an established connection to a storage node.
type snodeConn interface {
	Request(command string, parts [][]byte, cb mq.ReplyFunc) error
	Close() error
}

// DialFunc establishes a connection to a storage node address, blocking
// until it is up or failed.
type DialFunc func(addr string) (snodeConn, error)

// Subscriber is one monitored account with its active subscriptions.
type Subscriber struct {
	Pubkey *model.SwarmPubkey
	Subs   []*model.Subscription
}

// Subscribers is the orchestrator's master subscription map.
type Subscribers map[model.AccountID]*Subscriber

// queueEntry schedules one account's next re-subscription. A nil account is
// a tombstone, discarded when encountered.
type queueEntry struct {
	acct *model.SwarmPubkey
	next time.Time
}

// SNode manages the connection to a single storage node: which accounts it
// has been asked to subscribe for, when each is due for renewal, and the
// reconnection backoff state.
type SNode struct {
	back Backchannel
	dial DialFunc

	connected atomic.Bool

	mu         sync.Mutex // never acquire orchestrator state while holding this
	addr       string
	conn       snodeConn
	connecting bool
	swarm      uint64
	subs       map[model.AccountID]*model.SwarmPubkey

	// Sorted by next re-subscription time; tombstones are skipped and
	// discarded while draining.
	next []queueEntry

	cooldownUntil time.Time
	cooldownFails int
}

func NewSNode(back Backchannel, dial DialFunc, addr string, swarm uint64) *SNode {
	sn := &SNode{
		back:  back,
		dial:  dial,
		addr:  addr,
		swarm: swarm,
		subs:  make(map[model.AccountID]*model.SwarmPubkey),
	}
	sn.Connect()

	return sn
}

func (sn *SNode) Connected() bool { return sn.connected.Load() }

func (sn *SNode) Swarm() uint64 {
	sn.mu.Lock()
	defer sn.mu.Unlock()

	return sn.swarm
}

// Connect initiates a connection to the current address if there is none.
func (sn *SNode) Connect() {
	sn.mu.Lock()
	if sn.conn != nil || sn.connecting {
		sn.mu.Unlock()

		return
	}
	if !sn.back.AllowConnect() {
		sn.mu.Unlock()

		return
	}
	sn.connecting = true
	addr := sn.addr
	sn.mu.Unlock()

	go sn.establish(addr)
}

// ConnectTo switches to a new address, disconnecting first if it changed,
// then ensures a connection attempt is underway.
func (sn *SNode) ConnectTo(addr string) {
	sn.mu.Lock()
	reconnect := addr != sn.addr
	sn.mu.Unlock()

	if reconnect {
		sn.Disconnect()
		sn.mu.Lock()
		sn.addr = addr
		sn.mu.Unlock()
	}

	sn.Connect()
}

// Disconnect drops the connection (or abandons an in-flight attempt).
func (sn *SNode) Disconnect() {
	sn.mu.Lock()
	sn.connected.Store(false)
	sn.connecting = false
	conn := sn.conn
	sn.conn = nil
	sn.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Printf("WARN: failed to close snode connection: %v", err)
		}
	}
}

func (sn *SNode) establish(addr string) {
	conn, err := sn.dial(addr)

	if err != nil {
		sn.mu.Lock()
		cooldown := connectCooldown[len(connectCooldown)-1]
		if sn.cooldownFails < len(connectCooldown) {
			cooldown = connectCooldown[sn.cooldownFails]
		}
		sn.cooldownUntil = time.Now().Add(cooldown)
		sn.cooldownFails++
		fails := sn.cooldownFails
		sn.connecting = false
		sn.connected.Store(false)
		sn.conn = nil
		sn.mu.Unlock()

		log.Printf("WARN: connection to %v failed: %v (%v consecutive failure(s); retrying in %v)", addr, err, fails, cooldown)
		sn.back.FinishedConnect()

		return
	}

	sn.mu.Lock()
	if !sn.connecting || sn.addr != addr {
		// Abandoned from under us (disconnect or address change) while the
		// dial was in flight.
		sn.mu.Unlock()
		conn.Close()
		sn.back.FinishedConnect()

		return
	}
	sn.cooldownFails = 0
	sn.cooldownUntil = time.Time{}
	sn.conn = conn
	sn.connecting = false

	// Freshly (re)connected: force an immediate re-subscription for every
	// account we hold by resetting all schedule times to the epoch.
	for i := range sn.next {
		sn.next[i].next = time.Time{}
	}
	sn.connected.Store(true)
	sn.mu.Unlock()

	sn.back.FinishedConnect()
	sn.back.CheckMySubs(sn, true)
}

// AddAccount registers an account for subscription on this snode. New
// accounts (and, with forceNow, existing ones) go to the front of the queue
// scheduled at the epoch so the next pass picks them up immediately.
func (sn *SNode) AddAccount(account *model.SwarmPubkey, forceNow bool) {
	sn.mu.Lock()
	defer sn.mu.Unlock()

	if _, exists := sn.subs[account.ID]; !exists {
		sn.subs[account.ID] = account
		sn.pushFront(queueEntry{acct: account})

		return
	}
	if forceNow {
		for i := range sn.next {
			if sn.next[i].acct != nil && sn.next[i].acct.ID == account.ID {
				sn.next[i].acct = nil // tombstone; skipped when draining

				break
			}
		}
		sn.pushFront(queueEntry{acct: account})
	}
}

func (sn *SNode) pushFront(entry queueEntry) {
	sn.next = append(sn.next, queueEntry{})
	copy(sn.next[1:], sn.next)
	sn.next[0] = entry
}

// ResetSwarm drops all subscription state and assigns the new swarm id.
func (sn *SNode) ResetSwarm(newSwarm uint64) {
	sn.mu.Lock()
	defer sn.mu.Unlock()

	sn.next = nil
	sn.subs = make(map[model.AccountID]*model.SwarmPubkey)
	sn.swarm = newSwarm
}

// RemoveStaleSwarmMembers ejects accounts whose swarm, recomputed against
// the new swarm id list, no longer matches this snode's. It only removes;
// adding newly-matching accounts is the orchestrator's job.
func (sn *SNode) RemoveStaleSwarmMembers(sortedSwarmIDs []uint64) {
	sn.mu.Lock()
	defer sn.mu.Unlock()

	stale := make(map[model.AccountID]struct{})
	for id, acct := range sn.subs {
		if model.ClosestSwarm(acct.SwarmSpace, sortedSwarmIDs) != sn.swarm {
			delete(sn.subs, id)
			stale[id] = struct{}{}
		}
	}
	if len(stale) == 0 {
		return
	}
	for i := range sn.next {
		if sn.next[i].acct != nil {
			if _, gone := stale[sn.next[i].acct.ID]; gone {
				sn.next[i].acct = nil
			}
		}
	}
}

// CheckSubs drains due queue entries into a bencoded subscription batch and
// sends it to the snode's monitor endpoint. With fast only epoch (brand-new
// force-now) entries are processed; with initial a size-capped batch
// triggers another pass on reply so a backlog drains with one large request
// in flight at a time. Not connected means (maybe) kicking off a
// reconnection instead.
func (sn *SNode) CheckSubs(allSubs Subscribers, initial, fast bool) {
	if !sn.connected.Load() {
		sn.mu.Lock()
		if sn.conn != nil || sn.connecting {
			sn.mu.Unlock()

			return // already trying to connect
		}
		if !sn.cooldownUntil.IsZero() {
			if sn.cooldownUntil.After(time.Now()) {
				sn.mu.Unlock()

				return
			}
			sn.cooldownUntil = time.Time{}
		}
		sn.mu.Unlock()

		// We'll get re-checked automatically as soon as the connection is
		// established.
		sn.Connect()

		return
	}

	now := time.Now()
	body := []byte{'l'}
	reqCount, nextAdded := 0, 0

	sn.mu.Lock()
	for len(body) < SubsRequestLimit && len(sn.next) > 0 {
		head := sn.next[0]
		if head.next.After(now) {
			break
		}
		if fast && !head.next.IsZero() {
			break
		}
		if head.acct == nil {
			sn.next = sn.next[1:]

			continue
		}

		subscriber, ok := allSubs[head.acct.ID]
		if !ok {
			sn.next = sn.next[1:]

			continue
		}

		for _, sub := range subscriber.Subs {
			enc, err := bencode.EncodeBytes(subscriptionDict(subscriber.Pubkey, sub))
			if err != nil {
				log.Printf("ERROR: failed to encode subscription for %v: %v", subscriber.Pubkey.ID.Hex(), err)

				continue
			}
			body = append(body, enc...)
			reqCount++
		}

		delay := ResubscribeMin + time.Duration(rand.Int63n(int64(ResubscribeMax-ResubscribeMin)+1))
		sn.next = sn.next[1:]
		sn.next = append(sn.next, queueEntry{acct: head.acct, next: now.Add(delay)})
		nextAdded++
	}

	if len(body) == 1 { // nothing but the list opener
		sn.mu.Unlock()

		return
	}
	body = append(body, 'e')

	// The random delays mean the entries we just appended aren't sorted
	// among themselves; everything with a time >= now+ResubscribeMin is a
	// contiguous tail (nothing untouched can be scheduled that far out), so
	// re-sorting just that suffix restores the full ordering invariant.
	prefix := len(sn.next) - nextAdded
	floor := now.Add(ResubscribeMin)
	cut := sort.Search(prefix, func(i int) bool {
		return !sn.next[i].next.Before(floor)
	})
	tail := sn.next[cut:]
	sort.SliceStable(tail, func(i, j int) bool { return tail[i].next.Before(tail[j].next) })

	conn := sn.conn
	addr := sn.addr
	sn.mu.Unlock()

	if conn == nil {
		return
	}

	rightAway := initial && len(body) >= SubsRequestLimit
	err := conn.Request("monitor.messages", [][]byte{body}, func(success bool, data [][]byte) {
		if !success {
			// Swarm redundancy absorbs an occasional lapsed subscription, so
			// a failed batch is only worth a log line.
			log.Printf("WARN: subscription batch to %v failed", addr)
		}
		if rightAway {
			sn.back.CheckMySubs(sn, true)
		}
	})
	if err != nil {
		log.Printf("WARN: failed to send subscription batch to %v: %v", addr, err)

		return
	}
	log.Printf("(Re-)subscribing to %v accounts from %v", reqCount, addr)
}

// subscriptionDict renders one subscription as the storage node's monitor
// dict; bencode map marshalling emits the required ASCII-sorted key order.
func subscriptionDict(pk *model.SwarmPubkey, sub *model.Subscription) map[string]interface{} {
	dict := map[string]interface{}{
		"n": sub.Namespaces,
		"s": sub.Sig[:],
		"t": sub.SigTS,
	}
	if pk.SessionEd {
		dict["P"] = pk.Ed25519[:]
	} else {
		dict["p"] = pk.ID[:]
	}
	if sub.Subaccount != nil {
		dict["S"] = sub.Subaccount.Sig[:]
		dict["T"] = sub.Subaccount.Tag[:]
	}
	if sub.WantData {
		dict["d"] = 1
	}

	return dict
}
