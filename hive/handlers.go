// SPDX-License-Identifier: GPL-3.0-or-later

package hive

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/zeebo/bencode"

	"github.com/oxen-io/hivemind/database"
	"github.com/oxen-io/hivemind/model"
	"github.com/oxen-io/hivemind/mq"
)

// registerEndpoints wires the relay's command surface onto one listener.
func (hm *HiveMind) registerEndpoints(srv *mq.Server) {
	srv.AddCommand("notify.block", mq.AuthBasic, hm.wrap("on_new_block", false, func(*mq.Message) error {
		hm.refreshSNs()

		return nil
	}))
	srv.AddRequest("notify.message", mq.AuthBasic, hm.wrap("on_message_notification", false, hm.onMessageNotification))

	srv.AddRequest("push.subscribe", mq.AuthNone, hm.wrap("on_subscribe", true, hm.onSubscribe))
	srv.AddRequest("push.unsubscribe", mq.AuthNone, hm.wrap("on_unsubscribe", true, hm.onUnsubscribe))

	srv.AddCommand("admin.register_service", mq.AuthAdmin, hm.wrap("on_reg_service", false, hm.onRegService))
	srv.AddCommand("admin.service_stats", mq.AuthAdmin, hm.wrap("on_service_stats", false, hm.onServiceStats))
	srv.AddRequest("admin.get_stats", mq.AuthAdmin, hm.wrap("on_get_stats", false, hm.onGetStats))
}

// wrap adds the handler guard rails: panics become a log line (and, on json
// request endpoints, a generic INTERNAL_ERROR reply); subscribe-path
// requests arriving before startup completes are captured for later replay.
func (hm *HiveMind) wrap(name string, jsonRequest bool, h func(m *mq.Message) error) mq.Handler {
	var wrapped mq.Handler
	wrapped = func(m *mq.Message) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("ERROR: panic in HiveMind::%v: %v", name, r)
				if jsonRequest {
					hm.replyJSONError(m, model.CodeInternalError, "An internal error occurred while processing your request")
				}
			}
		}()

		if jsonRequest && hm.deferIfStarting(m, wrapped) {
			return
		}

		if err := h(m); err != nil {
			log.Printf("ERROR: HiveMind::%v failed: %v", name, err)
		}
	}

	return wrapped
}

func (hm *HiveMind) replyJSONError(m *mq.Message, code model.SubscribeCode, message string) {
	body, err := json.Marshal(map[string]any{"error": int(code), "message": message})
	if err == nil {
		err = m.Reply(body)
	}
	if err != nil {
		log.Printf("WARN: failed to send error reply: %v", err)
	}
}

func (hm *HiveMind) replyJSON(m *mq.Message, response map[string]any) {
	body, err := json.Marshal(response)
	if err == nil {
		err = m.Reply(body)
	}
	if err != nil {
		log.Printf("WARN: failed to send reply: %v", err)
	}
}

// subUnsubRequest is the client-supplied JSON body shared by subscribe and
// unsubscribe.
type subUnsubRequest struct {
	Pubkey         *string         `json:"pubkey"`
	SessionEd25519 *string         `json:"session_ed25519"`
	SubkeyTag      *string         `json:"subkey_tag"`
	Subaccount     *string         `json:"subaccount"`
	SubaccountSig  *string         `json:"subaccount_sig"`
	Namespaces     []int16         `json:"namespaces"`
	Data           bool            `json:"data"`
	SigTS          *int64          `json:"sig_ts"`
	Signature      *string         `json:"signature"`
	Service        *string         `json:"service"`
	ServiceInfo    json.RawMessage `json:"service_info"`
	EncKey         *string         `json:"enc_key"`
}

type subUnsubArgs struct {
	pk          *model.SwarmPubkey
	subaccount  *model.Subaccount
	subkeyTag   *model.SubkeyTag
	sigTS       int64
	sig         model.Signature
	service     string
	serviceInfo json.RawMessage
}

func (hm *HiveMind) parseSubUnsubArgs(req *subUnsubRequest) (*subUnsubArgs, error) {
	if req.Pubkey == nil || req.Signature == nil || req.SigTS == nil || req.Service == nil {
		return nil, model.NewSubscribeError(model.CodeBadInput, "Missing required parameter")
	}
	account, err := model.ParseAccountID(*req.Pubkey)
	if err != nil {
		return nil, model.NewSubscribeError(model.CodeBadInput, "Invalid pubkey: %v", err)
	}

	var sessionEd *model.Ed25519PK
	if account[0] == model.NetPrefixUser {
		if req.SessionEd25519 == nil {
			return nil, model.NewSubscribeError(model.CodeBadInput, "Missing required parameter: session_ed25519")
		}
		ed, err := model.ParseEd25519PK(*req.SessionEd25519)
		if err != nil {
			return nil, model.NewSubscribeError(model.CodeBadInput, "Invalid session_ed25519: %v", err)
		}
		sessionEd = &ed
	}
	pk, err := model.NewSwarmPubkey(account, sessionEd)
	if err != nil {
		return nil, model.NewSubscribeError(model.CodeBadInput, "%s", err.Error())
	}

	args := &subUnsubArgs{pk: pk, sigTS: *req.SigTS, service: *req.Service, serviceInfo: req.ServiceInfo}

	if (req.Subaccount == nil) != (req.SubaccountSig == nil) {
		return nil, model.NewSubscribeError(model.CodeBadInput, "subaccount and subaccount_sig must be given together")
	}
	if req.Subaccount != nil {
		subaccount := new(model.Subaccount)
		if subaccount.Tag, err = model.ParseSubaccountTag(*req.Subaccount); err != nil {
			return nil, model.NewSubscribeError(model.CodeBadInput, "Invalid subaccount tag: %v", err)
		}
		if subaccount.Sig, err = model.ParseSignature(*req.SubaccountSig); err != nil {
			return nil, model.NewSubscribeError(model.CodeBadInput, "Invalid subaccount_sig: %v", err)
		}
		args.subaccount = subaccount
	}
	if req.SubkeyTag != nil {
		if !hm.cfg.LegacySubkeys {
			return nil, model.NewSubscribeError(model.CodeBadInput, "subkey_tag authentication is not enabled")
		}
		tag, err := model.ParseSubkeyTag(*req.SubkeyTag)
		if err != nil {
			return nil, model.NewSubscribeError(model.CodeBadInput, "Invalid subkey_tag: %v", err)
		}
		args.subkeyTag = &tag
	}

	if args.sig, err = model.ParseSignature(*req.Signature); err != nil {
		return nil, model.NewSubscribeError(model.CodeBadInput, "Invalid signature: %v", err)
	}

	return args, nil
}

// serviceConnFor resolves the notifier handling the given service.
func (hm *HiveMind) serviceConnFor(service string) (serviceConn, error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if conn, ok := hm.services[service]; ok {
		return conn, nil
	}

	return serviceConn{}, model.NewSubscribeError(model.CodeServiceNotAvailable, "%v notification service not currently available", service)
}

func (hm *HiveMind) onSubscribe(m *mq.Message) error {
	if err := hm.handleSubscribe(m); err != nil {
		code, message := subscribeFailure(err)
		log.Printf("Replying with error code %v: %v", int(code), message)
		hm.replyJSONError(m, code, message)
	}

	return nil
}

func (hm *HiveMind) handleSubscribe(m *mq.Message) error {
	if len(m.Data) < 1 {
		return model.NewSubscribeError(model.CodeBadInput, "Invalid JSON")
	}
	var req subUnsubRequest
	if err := json.Unmarshal(m.Data[0], &req); err != nil {
		return model.NewSubscribeError(model.CodeBadInput, "Invalid JSON")
	}

	args, err := hm.parseSubUnsubArgs(&req)
	if err != nil {
		return err
	}
	if req.EncKey == nil {
		return model.NewSubscribeError(model.CodeBadInput, "Missing required parameter: enc_key")
	}
	encKey, err := model.ParseEncKey(*req.EncKey)
	if err != nil {
		return model.NewSubscribeError(model.CodeBadInput, "Invalid enc_key: %v", err)
	}

	// Validates namespaces, the timestamp window, and the signature.
	sub, err := model.NewSubscription(args.pk, args.subaccount, args.subkeyTag, req.Namespaces, req.Data, args.sigTS, args.sig)
	if err != nil {
		return err
	}

	svc, err := hm.serviceConnFor(args.service)
	if err != nil {
		return err
	}

	// Everything else (including the reply) happens when/if the notifier
	// comes back to us with the unique service id.
	return svc.srv.Request(svc.conn, "notifier.validate",
		[][]byte{[]byte(args.service), serviceInfoJSON(args.serviceInfo)},
		func(success bool, data [][]byte) {
			hm.onNotifierValidation(m, success, data, args, sub, encKey)
		})
}

func (hm *HiveMind) onUnsubscribe(m *mq.Message) error {
	if err := hm.handleUnsubscribe(m); err != nil {
		code, message := subscribeFailure(err)
		log.Printf("Replying with error code %v: %v", int(code), message)
		hm.replyJSONError(m, code, message)
	}

	return nil
}

func (hm *HiveMind) handleUnsubscribe(m *mq.Message) error {
	if len(m.Data) < 1 {
		return model.NewSubscribeError(model.CodeBadInput, "Invalid JSON")
	}
	var req subUnsubRequest
	if err := json.Unmarshal(m.Data[0], &req); err != nil {
		return model.NewSubscribeError(model.CodeBadInput, "Invalid JSON")
	}

	args, err := hm.parseSubUnsubArgs(&req)
	if err != nil {
		return err
	}
	svc, err := hm.serviceConnFor(args.service)
	if err != nil {
		return err
	}

	return svc.srv.Request(svc.conn, "notifier.validate",
		[][]byte{[]byte(args.service), serviceInfoJSON(args.serviceInfo)},
		func(success bool, data [][]byte) {
			hm.onNotifierValidation(m, success, data, args, nil, model.EncKey{})
		})
}

func serviceInfoJSON(raw json.RawMessage) []byte {
	if raw == nil {
		return []byte("{}")
	}

	return raw
}

func subscribeFailure(err error) (model.SubscribeCode, string) {
	var subErr *model.SubscribeError
	if errors.As(err, &subErr) {
		return subErr.Code, subErr.Message
	}

	return model.CodeError, err.Error()
}

// onNotifierValidation finishes a subscribe/unsubscribe once the notifier
// has validated the device registration (sub == nil means unsubscribe).
func (hm *HiveMind) onNotifierValidation(
	m *mq.Message,
	success bool,
	data [][]byte,
	args *subUnsubArgs,
	sub *model.Subscription,
	encKey model.EncKey,
) {
	response := make(map[string]any)
	code := model.CodeError
	message := "Unknown error"

	err := func() error {
		if !success {
			log.Printf("ERROR: communication with %v failed", args.service)
			if len(data) > 0 && string(data[0]) == mq.TimeoutPart {
				return model.NewSubscribeError(model.CodeServiceTimeout, "%v notification service timed out", args.service)
			}

			return model.NewSubscribeError(model.CodeError, "failed to communicate with %v notification service", args.service)
		}
		if len(data) < 2 || len(data) > 3 {
			return model.NewSubscribeError(model.CodeError, "invalid %v-part response from notification service", len(data))
		}
		notifierCode, err := strconv.Atoi(string(data[0]))
		if err != nil {
			return model.NewSubscribeError(model.CodeError, "notification service did not give a status code")
		}
		if notifierCode != int(model.CodeOK) {
			// Leave the code at whatever the notifier set it to.
			return &model.SubscribeError{Code: model.SubscribeCode(notifierCode), Message: string(data[1])}
		}

		svcid := string(data[1])
		if len(svcid) < model.ServiceIDMinSize || len(svcid) > model.ServiceIDMaxSize {
			kind := "short"
			if len(svcid) > model.ServiceIDMaxSize {
				kind = "long"
			}

			return model.NewSubscribeError(model.CodeError, "service id too %v (%v)", kind, len(svcid))
		}

		if sub != nil {
			var svcdata []byte
			if len(data) > 2 {
				svcdata = data[2]
				if len(svcdata) > model.ServiceDataMaxSize {
					return model.NewSubscribeError(model.CodeError, "service data too long (%v)", len(svcdata))
				}
			}
			isNew, err := hm.addSubscription(context.Background(), args.pk, args.service, svcid, svcdata, encKey, sub)
			if err != nil {
				return err
			}
			if isNew {
				hm.haveNewSubs.Store(true)
				response["added"] = true
				message = "Subscription successful"
			} else {
				response["updated"] = true
				message = "Resubscription successful"
			}
		} else {
			removed, err := hm.removeSubscription(context.Background(), args.pk, args.subaccount, args.subkeyTag,
				args.service, svcid, args.sig, args.sigTS)
			if err != nil {
				return err
			}
			response["removed"] = removed
			if removed {
				message = "Device unsubscribed from push notifications"
			} else {
				message = "Device was not subscribed to push notifications"
			}
		}
		code = model.CodeOK

		return nil
	}()
	if err != nil {
		var subErr *model.SubscribeError
		if errors.As(err, &subErr) {
			code, message = subErr.Code, subErr.Message
		} else {
			log.Printf("WARN: exception encountered during sub/unsub handling: %v", err)
			code, message = model.CodeError, "An error occured while processing your request"
		}
	}

	if code == model.CodeOK {
		response["success"] = true
	} else {
		response["error"] = int(code)
	}
	if message != "" {
		response["message"] = message
	}
	hm.replyJSON(m, response)
}

func (hm *HiveMind) onRegService(m *mq.Message) error {
	if len(m.Data) != 1 {
		log.Printf("ERROR: %v-part data, expected 1", len(m.Data))

		return nil
	}
	service := string(m.Data[0])
	if service == "" {
		log.Printf("ERROR: service registration used illegal empty service name")

		return nil
	}
	if len(service) > model.ServiceNameMaxSize {
		log.Printf("ERROR: service name too long (%v)", len(service))

		return nil
	}

	added, replaced := false, false
	hm.mu.Lock()
	existing, ok := hm.services[service]
	if !ok {
		added = true
	} else if existing.conn != m.Conn || existing.srv != m.Server() {
		replaced = true
	}
	hm.services[service] = serviceConn{srv: m.Server(), conn: m.Conn}
	hm.mu.Unlock()

	switch {
	case added:
		log.Printf("'%v' notification service registered", service)
	case replaced:
		log.Printf("'%v' notification service reconnected/reregistered", service)
	}

	return nil
}

// messageNotification is the storage node's bencoded notification payload.
type messageNotification struct {
	Account     []byte `bencode:"@"`
	Hash        []byte `bencode:"h"`
	Namespace   int16  `bencode:"n"`
	TimestampMS int64  `bencode:"t"`
	ExpiryMS    int64  `bencode:"z"`
	Data        []byte `bencode:"~"`
}

func (hm *HiveMind) onMessageNotification(m *mq.Message) error {
	defer func() {
		if err := m.Reply(); err != nil {
			log.Printf("WARN: failed to ack notification: %v", err)
		}
	}()

	if len(m.Data) != 1 {
		log.Printf("WARN: unexpected message notification: %v-part data, expected 1-part", len(m.Data))

		return nil
	}
	var note messageNotification
	if err := bencode.DecodeBytes(m.Data[0], &note); err != nil {
		log.Printf("WARN: unexpected notification: undecodable payload: %v", err)

		return nil
	}
	var account model.AccountID
	if len(note.Account) != len(account) {
		log.Printf("WARN: unexpected notification: wrong account size (@)")

		return nil
	}
	copy(account[:], note.Account)
	if len(note.Hash) < model.MsgHashMinSize || len(note.Hash) > model.MsgHashMaxSize {
		log.Printf("WARN: unexpected notification: bad msg hash size")

		return nil
	}
	if len(note.Data) > model.MsgDataMaxSize {
		log.Printf("WARN: notification data too large (%vB); dropping data part", len(note.Data))
		note.Data = nil
	}

	targets, err := database.MatchingSubscriptions(context.Background(), account, note.Namespace)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return nil
	}

	var sent int64
	hm.mu.Lock()
	hm.filter.rotateIfDue(time.Now())
	for _, target := range targets {
		if !hm.filter.fresh(FilterTag(target.Service, target.SvcID, note.Hash)) {
			continue
		}
		svc, registered := hm.services[target.Service]
		if !registered {
			log.Printf("WARN: notification depends on unregistered service %v, ignoring", target.Service)

			continue
		}

		// NB: bencode map marshalling gives the ascii-sorted key order the
		// notifiers expect.
		push := map[string]interface{}{
			"":  target.Service,
			"#": note.Hash,
			"&": target.SvcID,
			"@": account[:],
			"^": target.EncKey,
			"n": note.Namespace,
		}
		if target.SvcData != nil {
			push["!"] = target.SvcData
		}
		if target.WantData && note.Data != nil {
			push["~"] = note.Data
		}
		body, err := bencode.EncodeBytes(push)
		if err != nil {
			log.Printf("ERROR: failed to build notifier message: %v", err)

			continue
		}
		if err := svc.srv.Send(svc.conn, "notifier.push", body); err != nil {
			log.Printf("WARN: failed to push via %v notifier: %v", target.Service, err)

			continue
		}
		sent++
	}
	hm.mu.Unlock()

	if sent > 0 {
		hm.notifies.Inc(sent)
		if err := database.IncrStat(context.Background(), "", "notifications", sent); err != nil {
			return err
		}
	}

	return nil
}
