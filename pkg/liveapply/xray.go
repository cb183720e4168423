// Package liveapply implements the agent's best-effort live-apply path to
// a locally running Xray instance over its gRPC HandlerService/StatsService
// API, so revisions take effect without restarting the proxy process.
// Grounded on original_source/src/tracegate/agent/xray_api.py, ported onto
// xray-core's own Go packages (the Python prototype talks to the same API
// through hand-generated *_pb2 stubs; Xray itself is written in Go, so this
// port imports its real published packages instead of regenerating stubs).
package liveapply

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xtls/xray-core/app/proxyman/command"
	statscommand "github.com/xtls/xray-core/app/stats/command"
	"github.com/xtls/xray-core/common/protocol"
	"github.com/xtls/xray-core/common/serial"
	"github.com/xtls/xray-core/proxy/vless"
)

// Error is a live-apply failure other than the idempotent "already
// exists"/"not found" cases, which callers treat as a partially-applied
// change rather than a hard failure (spec.md §5: the runtime file still
// reflects desired state; a later reload closes the gap).
type Error struct {
	Msg string
}

func (e *Error) Error() string { return e.Msg }

// InboundMissingError means the named inbound tag has no live handler —
// e.g. the process hasn't picked up a freshly written base config yet.
type InboundMissingError struct {
	Tag string
}

func (e *InboundMissingError) Error() string { return fmt.Sprintf("inbound not found: %s", e.Tag) }

// Client talks to a single Xray instance's gRPC API.
type Client struct {
	target  string
	timeout time.Duration
}

// NewClient builds a Client dialing target (e.g. "127.0.0.1:10085") with a
// per-call timeout.
func NewClient(target string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{target: target, timeout: timeout}
}

func (c *Client) dial(ctx context.Context) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(c.target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dialing xray api at %s: %w", c.target, err)
	}
	return conn, nil
}

// ListInboundUserEmails returns the set of emails currently configured on
// an inbound, via GetInboundUsers.
func (c *Client) ListInboundUserEmails(ctx context.Context, inboundTag string) (map[string]struct{}, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := command.NewHandlerServiceClient(conn).GetInboundUsers(callCtx, &command.GetInboundUserRequest{
		Tag:   inboundTag,
		Email: "",
	})
	if err != nil {
		if isInboundMissing(err) {
			return nil, &InboundMissingError{Tag: inboundTag}
		}
		return nil, &Error{Msg: fmt.Sprintf("GetInboundUsers failed for inbound=%s: %v", inboundTag, err)}
	}

	emails := make(map[string]struct{}, len(resp.GetUsers()))
	for _, u := range resp.GetUsers() {
		email := strings.TrimSpace(u.GetEmail())
		if email != "" {
			emails[email] = struct{}{}
		}
	}
	return emails, nil
}

// AddVlessUser adds a VLESS user to a live inbound. Idempotent: "already
// exists" responses are swallowed.
func (c *Client) AddVlessUser(ctx context.Context, inboundTag, email, uuid string) error {
	email = strings.TrimSpace(email)
	uuid = strings.TrimSpace(uuid)
	if email == "" || uuid == "" {
		return fmt.Errorf("email/uuid are required to add a vless user")
	}

	account := &vless.Account{Id: uuid, Encryption: "none"}
	user := &protocol.User{
		Level:   0,
		Email:   email,
		Account: serial.ToTypedMessage(account),
	}
	op := &command.AddUserOperation{User: user}

	req := &command.AlterInboundRequest{
		Tag:       inboundTag,
		Operation: serial.ToTypedMessage(op),
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if _, err := command.NewHandlerServiceClient(conn).AlterInbound(callCtx, req); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return &Error{Msg: fmt.Sprintf("AddUser failed for inbound=%s email=%s: %v", inboundTag, email, err)}
	}
	return nil
}

// RemoveUser removes a user from a live inbound by email. Idempotent:
// "not found" responses are swallowed.
func (c *Client) RemoveUser(ctx context.Context, inboundTag, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return fmt.Errorf("email is required to remove a user")
	}

	op := &command.RemoveUserOperation{Email: email}
	req := &command.AlterInboundRequest{
		Tag:       inboundTag,
		Operation: serial.ToTypedMessage(op),
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if _, err := command.NewHandlerServiceClient(conn).AlterInbound(callCtx, req); err != nil {
		if strings.Contains(err.Error(), "not found") || strings.Contains(err.Error(), "doesn't exist") {
			return nil
		}
		return &Error{Msg: fmt.Sprintf("RemoveUser failed for inbound=%s email=%s: %v", inboundTag, email, err)}
	}
	return nil
}

// SyncInboundUsers makes a live inbound's user set match desired exactly
// (keyed by email), adding and removing the symmetric difference. Returns
// whether any change was attempted; a missing inbound is reported as "no
// change" rather than an error since the process may not have reloaded
// that tag yet.
func (c *Client) SyncInboundUsers(ctx context.Context, inboundTag string, desired map[string]string) (bool, error) {
	current, err := c.ListInboundUserEmails(ctx, inboundTag)
	if err != nil {
		var missing *InboundMissingError
		if errors.As(err, &missing) {
			return false, nil
		}
		return false, err
	}

	var toAdd, toRemove []string
	for email := range desired {
		if _, ok := current[email]; !ok {
			toAdd = append(toAdd, email)
		}
	}
	for email := range current {
		if _, ok := desired[email]; !ok {
			toRemove = append(toRemove, email)
		}
	}
	sort.Strings(toAdd)
	sort.Strings(toRemove)

	changed := len(toAdd) > 0 || len(toRemove) > 0

	for _, email := range toAdd {
		if err := c.AddVlessUser(ctx, inboundTag, email, desired[email]); err != nil {
			return changed, err
		}
	}
	for _, email := range toRemove {
		if err := c.RemoveUser(ctx, inboundTag, email); err != nil {
			return changed, err
		}
	}
	return changed, nil
}

// UserTraffic holds per-user traffic counters in bytes.
type UserTraffic struct {
	Uplink   int64
	Downlink int64
}

// QueryUserTrafficBytes queries Xray's StatsService for per-user traffic
// counters, keyed by email.
func (c *Client) QueryUserTrafficBytes(ctx context.Context, reset bool) (map[string]UserTraffic, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := statscommand.NewStatsServiceClient(conn).QueryStats(callCtx, &statscommand.QueryStatsRequest{
		Pattern: "user>>>*>>>traffic>>>*",
		Reset_:  reset,
	})
	if err != nil {
		return nil, &Error{Msg: fmt.Sprintf("QueryStats failed: %v", err)}
	}

	out := make(map[string]UserTraffic)
	for _, row := range resp.GetStat() {
		parts := strings.Split(strings.TrimSpace(row.GetName()), ">>>")
		if len(parts) < 4 || parts[0] != "user" || parts[2] != "traffic" {
			continue
		}
		email := strings.TrimSpace(parts[1])
		direction := strings.ToLower(strings.TrimSpace(parts[3]))
		if email == "" {
			continue
		}
		bucket := out[email]
		switch direction {
		case "uplink":
			bucket.Uplink = row.GetValue()
		case "downlink":
			bucket.Downlink = row.GetValue()
		default:
			continue
		}
		out[email] = bucket
	}
	return out, nil
}

func isInboundMissing(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "handler not found") || strings.Contains(msg, "failed to get handler")
}
