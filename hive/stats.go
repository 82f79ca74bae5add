// SPDX-License-Identifier: GPL-3.0-or-later

package hive

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/bencode"

	"github.com/oxen-io/hivemind/database"
	"github.com/oxen-io/hivemind/mq"
)

// aliveWindow is how recent a notifier's last stats report must be for it
// to count as alive.
const aliveWindow = time.Minute

// onServiceStats ingests a notifier's periodic stats report: part 0 is the
// service name, part 1 a bencoded dict. Integer values under a key starting
// with '+' increment the stored stat (sans '+'); anything else replaces it.
// Only integer and string values are permitted.
func (hm *HiveMind) onServiceStats(m *mq.Message) error {
	if len(m.Data) != 2 {
		log.Printf("WARN: invalid admin.service_stats call: expected 2-part message")

		return nil
	}
	service := string(m.Data[0])
	if service == "" {
		log.Printf("WARN: service stats received illegal empty service name")

		return nil
	}

	var stats map[string]interface{}
	if err := bencode.DecodeBytes(m.Data[1], &stats); err != nil {
		log.Printf("WARN: invalid service data: %v", err)

		return nil
	}

	ctx := context.Background()
	if err := database.SetStatInt(ctx, "", "last."+service, time.Now().Unix()); err != nil {
		return err
	}
	for key, val := range stats {
		var err error
		switch v := val.(type) {
		case int64:
			if strings.HasPrefix(key, "+") {
				err = database.IncrStat(ctx, service, key[1:], v)
			} else {
				err = database.SetStatInt(ctx, service, key, v)
			}
		case string:
			if strings.HasPrefix(key, "+") {
				log.Printf("WARN: invalid service stat %q: +keys only allow integers", key)

				continue
			}
			err = database.SetStatStr(ctx, service, key, v)
		default:
			log.Printf("WARN: invalid service stat %q: values must be string or int", key)
		}
		if err != nil {
			return err
		}
	}

	return nil
}

func (hm *HiveMind) onGetStats(m *mq.Message) error {
	stats, err := hm.statsJSON(context.Background())
	if err != nil {
		return err
	}
	body, err := json.Marshal(stats)
	if err != nil {
		return err
	}

	return m.Reply(body)
}

func (hm *HiveMind) statsJSON(ctx context.Context) (map[string]any, error) {
	result := make(map[string]any)
	notifier := make(map[string]map[string]any)
	now := time.Now()

	rows, err := database.ServiceStatsSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.Service == "" {
			switch {
			case row.ValStr != nil:
				result[row.Name] = *row.ValStr
			case row.ValInt != nil:
				result[row.Name] = *row.ValInt
				if strings.HasPrefix(row.Name, "last.") {
					result["alive."+row.Name[5:]] = *row.ValInt > now.Add(-aliveWindow).Unix()
				}
			}

			continue
		}
		svc, ok := notifier[row.Service]
		if !ok {
			svc = make(map[string]any)
			notifier[row.Service] = svc
		}
		switch {
		case row.ValStr != nil:
			svc[row.Name] = *row.ValStr
		case row.ValInt != nil:
			svc[row.Name] = *row.ValInt
		}
	}
	result["notifier"] = notifier

	counts, err := database.SubscriptionCounts(ctx)
	if err != nil {
		return nil, err
	}
	subscriptions := make(map[string]any, len(counts)+1)
	var total int64
	for service, count := range counts {
		subscriptions[service] = count
		total += count
	}
	subscriptions["total"] = total
	result["subscriptions"] = subscriptions

	hm.mu.Lock()
	connections := 0
	for _, sn := range hm.sns {
		if sn.Connected() {
			connections++
		}
	}
	result["block_hash"] = hm.lastBlock.hash
	result["block_height"] = hm.lastBlock.height
	result["swarms"] = len(hm.swarms)
	result["snodes"] = len(hm.sns)
	result["accounts_monitored"] = len(hm.subscribers)
	result["connections"] = connections
	result["pending_connections"] = hm.pendingConnects.Load()
	result["total_connects"] = hm.connectCount.Load()
	result["notifications_sent"] = hm.notifies.Count()
	result["uptime"] = time.Since(hm.startupTime).Seconds()
	hm.mu.Unlock()

	return result, nil
}

// statusLogPromotion is how long between full-visibility status lines; in
// between, the 15s ticks stay quiet (they would be debug-level chatter).
// Slightly under 5 minutes so a tick never just misses the boundary.
const statusLogPromotion = 4*time.Minute + 55*time.Second

// logStatus assembles the periodic one-line status summary; it is promoted
// to a visible log line only every ~5 minutes.
func (hm *HiveMind) logStatus() {
	stats, err := hm.statsJSON(context.Background())
	if err != nil {
		log.Printf("WARN: failed to assemble status line: %v", err)

		return
	}

	if time.Since(hm.lastStatusLogged) < statusLogPromotion {
		return
	}
	hm.lastStatusLogged = time.Now()

	startup := hm.startupTime.Unix()
	cutoff := time.Now().Add(-aliveWindow).Unix()
	var notifiers []string
	for key, val := range stats {
		if !strings.HasPrefix(key, "last.") {
			continue
		}
		if t, ok := val.(int64); ok && t >= startup && t >= cutoff {
			notifiers = append(notifiers, key[5:])
		}
	}
	sort.Strings(notifiers)

	var totalNotifies int64
	if byService, ok := stats["notifier"].(map[string]map[string]any); ok {
		for _, data := range byService {
			if n, ok := data["notifies"].(int64); ok {
				totalNotifies += n
			}
		}
	}

	subsTotal := int64(0)
	if subs, ok := stats["subscriptions"].(map[string]any); ok {
		if t, ok := subs["total"].(int64); ok {
			subsTotal = t
		}
	}

	log.Printf("Status: SN conns: %v/%v (%v pending); Height: %v; Accts/Subs: %v/%v; svcs: %v; notifies: %v",
		stats["connections"], stats["snodes"], stats["pending_connections"], stats["block_height"],
		stats["accounts_monitored"], subsTotal, strings.Join(notifiers, ", "), totalNotifies)
}
