// Package hfptransport implements the HTTP-based protocol transport: a
// rolling HMAC-SHA256 token authenticates every request against a boot-time
// counter the interface hands out once at sync time, then reads and writes
// flow as form-encoded POSTs/GETs against a register or group URL, with an
// optional "/databus/<unit>/" bridge prefix to reach a unit behind the
// interface rather than the interface itself.
package hfptransport

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sbfleet/pdufleet/internal/codec"
	"github.com/sbfleet/pdufleet/internal/registry"
	"github.com/sbfleet/pdufleet/internal/xerr"
)

// resultCode is the normalized outcome of one request, independent of
// whatever HTTP status carried it: the body's own "result" field wins over
// the HTTP status code when both are present.
type resultCode string

const (
	resultOK       resultCode = "OK"
	resultAuth     resultCode = "ERR_AUTH"
	resultForbid   resultCode = "ERR_FORBIDDEN"
	resultNotFound resultCode = "ERR_NOTFOUND"
	resultRejected resultCode = "ERR_REJECTED"
	resultInternal resultCode = "ERR_INTERNAL"
)

var statusResultMap = map[int]resultCode{
	http.StatusOK:                  resultOK,
	http.StatusUnauthorized:        resultAuth,
	http.StatusForbidden:           resultForbid,
	http.StatusNotFound:            resultNotFound,
	http.StatusUnprocessableEntity: resultRejected,
	http.StatusInternalServerError: resultInternal,
}

// authState tracks the rolling-token handshake established by a /userid
// sync. A fresh token is derived from it on every request, never cached.
type authState struct {
	bootTime time.Time
	userID   int
	username string
	password string
}

func (a authState) token(now time.Time) string {
	uptime := int64(now.Sub(a.bootTime).Seconds())
	message := uint32(uptime)*8 + uint32(a.userID)

	var be [4]byte
	binary.BigEndian.PutUint32(be[:], message)
	mac := hmac.New(sha256.New, []byte(a.username+":"+a.password))
	mac.Write(be[:])
	sig := hex.EncodeToString(mac.Sum(nil))[:8]

	return fmt.Sprintf("%08x%s", message, sig)
}

// Transport owns the HTTP client and rolling-auth state for one HFP
// interface. Safe for concurrent use: the client is; auth state is
// mutex-guarded.
type Transport struct {
	ip       netip.Addr
	port     int
	username string
	password string
	timeout  time.Duration
	client   *http.Client
	logger   *slog.Logger

	mu         sync.Mutex
	auth       *authState
	authFailed bool
}

// New builds an unsynced Transport. Call Resync before issuing requests;
// callers that skip it get ErrAuthFailed back from the first request.
func New(ip netip.Addr, port int, username, password string, timeout time.Duration, logger *slog.Logger) *Transport {
	return &Transport{
		ip:       ip,
		port:     port,
		username: username,
		password: password,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
		logger: logger.With(
			slog.String("component", "hfptransport"),
			slog.String("ip", ip.String()),
		),
	}
}

// Resync posts /userid to establish a fresh rolling-auth boot time and user
// id, clearing any sticky auth failure. Call this once up front and again
// after a device reboot invalidates the previous boot time.
func (t *Transport) Resync(ctx context.Context) error {
	t.mu.Lock()
	t.auth = nil
	t.authFailed = false
	t.mu.Unlock()

	data, code, _, err := t.do(ctx, http.MethodPost, "/userid", url.Values{"user": {t.username}}, nil, 0)
	if err != nil {
		return err
	}
	if code != resultOK {
		return fmt.Errorf("%w: /userid sync returned %s", xerr.ErrAuthFailed, code)
	}

	uptimeStr, hasTime := data["time"]
	useridStr, hasUID := data["userid"]
	if !hasTime || !hasUID {
		return fmt.Errorf("%w: /userid sync response missing time/userid", xerr.ErrAuthFailed)
	}
	uptime, err := strconv.ParseInt(uptimeStr, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: /userid sync malformed time %q", xerr.ErrAuthFailed, uptimeStr)
	}
	userID, err := strconv.Atoi(useridStr)
	if err != nil {
		return fmt.Errorf("%w: /userid sync malformed userid %q", xerr.ErrAuthFailed, useridStr)
	}

	t.mu.Lock()
	t.auth = &authState{
		bootTime: time.Now().Add(-time.Duration(uptime) * time.Second),
		userID:   userID,
		username: t.username,
		password: t.password,
	}
	t.mu.Unlock()
	return nil
}

// IsAuthFailed reports whether the last request failed with a sticky auth
// error. The communicator layer uses this to decide when to call Resync
// again rather than keep hammering a rejected interface.
func (t *Transport) IsAuthFailed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.authFailed
}

func bridgePrefix(unit uint16, hasUnit bool) string {
	if !hasUnit {
		return ""
	}
	return fmt.Sprintf("/databus/%d", unit)
}

// do performs one request and returns the parsed body fields, the
// normalized result code, and the raw HTTP status (0 if the request never
// reached the wire). timeoutOverride, if non-zero, replaces the transport's
// configured timeout for this call only.
func (t *Transport) do(ctx context.Context, method, uri string, params url.Values, unitPtr *uint16, timeoutOverride time.Duration) (map[string]string, resultCode, int, error) {
	t.mu.Lock()
	auth := t.auth
	t.mu.Unlock()

	hasUnit := unitPtr != nil
	var unit uint16
	if hasUnit {
		unit = *unitPtr
	}
	fullURI := bridgePrefix(unit, hasUnit) + uri

	host := t.ip.String()
	if t.ip.Is6() {
		host = "[" + host + "]"
	}
	reqURL := fmt.Sprintf("http://%s:%d%s", host, t.port, fullURI)

	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, "", 0, fmt.Errorf("%w: build request: %v", xerr.ErrTransportFatal, err)
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if auth != nil {
		req.Header.Set("Authorization", "hPDU-auth-v1 "+auth.token(time.Now()))
	}

	client := t.client
	if timeoutOverride > 0 {
		c := *t.client
		c.Timeout = timeoutOverride
		client = &c
	}

	resp, err := client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, "", 0, xerr.ErrTransportTimeout
		}
		return nil, resultInternal, 0, nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resultInternal, resp.StatusCode, nil
	}

	data := map[string]string{}
	ct := resp.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "text/plain") || strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		values, err := url.ParseQuery(string(raw))
		if err == nil {
			for k, vs := range values {
				if len(vs) > 0 {
					data[k] = vs[len(vs)-1]
				}
			}
		}
	}

	code, ok := data["result"]
	var rc resultCode
	if ok {
		rc = resultCode(code)
		delete(data, "result")
	} else if mapped, ok := statusResultMap[resp.StatusCode]; ok {
		rc = mapped
	} else {
		rc = resultInternal
	}

	if rc == resultAuth {
		t.mu.Lock()
		t.authFailed = true
		t.auth = nil
		t.mu.Unlock()
	}

	return data, rc, resp.StatusCode, nil
}

// errForResult classifies a non-OK result code: an auth rejection is
// distinguished from every other denial so the communicator layer can tell
// "resync and retry" apart from "this register is simply not reachable".
func errForResult(op string, code resultCode) error {
	if code == resultAuth {
		return fmt.Errorf("%w: %s", xerr.ErrAuthFailed, op)
	}
	return fmt.Errorf("%w: %s returned %s", xerr.ErrProtocolDenied, op, code)
}

// regURL builds "/register/<mnemonic>" or "/register/<mnemonic>/<repeats>"
// for a multi-repeat descriptor.
func regURL(desc registry.Descriptor) string {
	u := "/register/" + desc.Mnemonic
	if desc.Repeats > 1 {
		u += "/" + strconv.Itoa(desc.Repeats)
	}
	return u
}

// decodeText turns one of HFP's already-human-readable response strings
// into a typed Value. Unlike BFP, HFP never hands back raw register bytes —
// the interface itself performs the serialization/deserialization the
// binary transport's codec package does locally.
func decodeText(desc registry.Descriptor, s string) (codec.Value, error) {
	switch desc.Type {
	case registry.TypeINT:
		if desc.Length == 6 {
			return codec.Value{Str: strings.ToLower(s)}, nil
		}
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return codec.Value{}, fmt.Errorf("%w: %s: malformed integer %q", xerr.ErrCodec, desc.Mnemonic, s)
		}
		return codec.Value{Int: n}, nil
	case registry.TypeFD:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return codec.Value{}, fmt.Errorf("%w: %s: malformed decimal %q", xerr.ErrCodec, desc.Mnemonic, s)
		}
		return codec.Value{Float: f}, nil
	default:
		return codec.Value{Str: s}, nil
	}
}

// encodeText is decodeText's inverse, for composing a write request body.
func encodeText(desc registry.Descriptor, v codec.Value) string {
	switch desc.Type {
	case registry.TypeINT:
		if desc.Length == 6 {
			return v.Str
		}
		return strconv.FormatUint(v.Int, 10)
	case registry.TypeFD:
		return strconv.FormatFloat(v.Float, 'f', 2, 64)
	default:
		return v.Str
	}
}

// composeRepeats turns a register's repeat values into the key-value form
// HFP expects on the wire: "<mnemonic>" for a single-repeat register, or
// "<mnemonic>_<n>" (1-indexed) per repeat otherwise.
func composeRepeats(desc registry.Descriptor, values []codec.Value) url.Values {
	out := url.Values{}
	if desc.Repeats <= 1 {
		if len(values) > 0 {
			out.Set(desc.Mnemonic, encodeText(desc, values[0]))
		}
		return out
	}
	for i, v := range values {
		out.Set(fmt.Sprintf("%s_%d", desc.Mnemonic, i+1), encodeText(desc, v))
	}
	return out
}

// channelSort reconstructs mnemonic->[]Value from a flat response map whose
// keys are either bare mnemonics (no repeats) or "<mnemonic>_<channel>"
// pairs, sorting channels ascending the way the device itself numbers them.
func channelSort(data map[string]string, descs []registry.Descriptor) (map[string][]codec.Value, error) {
	result := make(map[string][]codec.Value, len(descs))

	byMnemonic := make(map[string]registry.Descriptor, len(descs))
	channels := make(map[string][]int)
	for _, d := range descs {
		byMnemonic[d.Mnemonic] = d
	}
	for key := range data {
		idx := strings.LastIndex(key, "_")
		if idx < 0 {
			continue
		}
		mnemonic := key[:idx]
		if _, known := byMnemonic[mnemonic]; !known {
			continue
		}
		n, err := strconv.Atoi(key[idx+1:])
		if err == nil {
			channels[mnemonic] = append(channels[mnemonic], n)
		}
	}

	for _, d := range descs {
		if raw, ok := data[d.Mnemonic]; ok {
			v, err := decodeText(d, raw)
			if err != nil {
				return nil, err
			}
			result[d.Mnemonic] = []codec.Value{v}
			continue
		}

		chans := channels[d.Mnemonic]
		sort.Ints(chans)
		values := make([]codec.Value, 0, len(chans))
		for _, c := range chans {
			raw, ok := data[fmt.Sprintf("%s_%d", d.Mnemonic, c)]
			if !ok {
				continue
			}
			v, err := decodeText(d, raw)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		result[d.Mnemonic] = values
	}
	return result, nil
}

func unitPtrFor(unit uint16, bridged bool) *uint16 {
	if !bridged {
		return nil
	}
	return &unit
}

// ReadRegister reads every repeat of a single register. bridged selects
// whether the request targets a unit behind the interface (/databus/<unit>)
// or the interface itself.
func (t *Transport) ReadRegister(ctx context.Context, desc registry.Descriptor, unit uint16, bridged bool) ([]codec.Value, error) {
	data, code, _, err := t.do(ctx, http.MethodGet, regURL(desc), nil, unitPtrFor(unit, bridged), 0)
	if err != nil {
		return nil, err
	}
	if code != resultOK {
		return nil, errForResult("read "+desc.Mnemonic, code)
	}

	result, err := channelSort(data, []registry.Descriptor{desc})
	if err != nil {
		return nil, err
	}
	return result[desc.Mnemonic], nil
}

// WriteRegister writes every repeat of a single register.
func (t *Transport) WriteRegister(ctx context.Context, desc registry.Descriptor, unit uint16, bridged bool, values []codec.Value) error {
	params := composeRepeats(desc, values)
	_, code, _, err := t.do(ctx, http.MethodPost, regURL(desc), params, unitPtrFor(unit, bridged), 0)
	if err != nil {
		return err
	}
	if code != resultOK {
		return errForResult("write "+desc.Mnemonic, code)
	}
	return nil
}

// ReadGroup reads every descriptor belonging to a named register group in
// one request.
func (t *Transport) ReadGroup(ctx context.Context, groupName string, descs []registry.Descriptor, unit uint16, bridged bool) (map[string][]codec.Value, error) {
	data, code, _, err := t.do(ctx, http.MethodGet, "/group/"+groupName, nil, unitPtrFor(unit, bridged), 0)
	if err != nil {
		return nil, err
	}
	if code != resultOK {
		return nil, errForResult("read group "+groupName, code)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: read group %s: empty response", xerr.ErrProtocolDenied, groupName)
	}
	return channelSort(data, descs)
}

// WriteGroup writes each descriptor present in data as its own request
// (the device exposes no combined group-write endpoint), returning per-
// mnemonic success so the caller can report partial failures.
func (t *Transport) WriteGroup(ctx context.Context, descs []registry.Descriptor, unit uint16, bridged bool, data map[string][]codec.Value) map[string]bool {
	status := make(map[string]bool, len(descs))
	for _, d := range descs {
		values, ok := data[d.Mnemonic]
		if !ok {
			continue
		}
		status[d.Mnemonic] = t.WriteRegister(ctx, d, unit, bridged, values) == nil
	}
	return status
}
