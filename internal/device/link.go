package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Default I/O timeouts; overridable per link via Config
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultCommandTimeout = 5 * time.Second
)

// Conn is the typed command surface of one connected terminal. Implemented
// by *Link; reimplemented by test fakes.
type Conn interface {
	// Probe performs a lightweight identity read to validate the session
	Probe(ctx context.Context) error

	GetInfo(ctx context.Context) (*Info, error)
	GetTime(ctx context.Context) (time.Time, error)

	CreateUser(ctx context.Context, user User) error
	DeleteUser(ctx context.Context, deviceUserID uint16) error

	ReadTemplate(ctx context.Context, deviceUserID uint16, finger uint8) ([]byte, error)
	WriteTemplate(ctx context.Context, deviceUserID uint16, finger uint8, template []byte) error
	DeleteTemplate(ctx context.Context, deviceUserID uint16, finger uint8) error

	StartEnroll(ctx context.Context, deviceUserID uint16, finger uint8) error
	CancelEnroll(ctx context.Context) error
	PollEnroll(ctx context.Context) (EnrollStatus, error)

	Disconnect() error
}

// Info describes a terminal's identity and capacity
type Info struct {
	SerialNumber    string `json:"serial_number"`
	Model           string `json:"model"`
	FirmwareVersion string `json:"firmware_version"`
	EnrolledUsers   int    `json:"enrolled_users"`
	TemplateCount   int    `json:"template_count"`
	UserCapacity    int    `json:"user_capacity"`
	FingerCapacity  int    `json:"finger_capacity"`
}

// User is an identity record pushed to a terminal
type User struct {
	DeviceUserID uint16
	Name         string
	RollNumber   string
	Privilege    uint8
}

// EnrollStage is the device-reported phase of an enrollment capture
type EnrollStage uint8

const (
	EnrollStagePlacing EnrollStage = iota
	EnrollStageCapturing
	EnrollStageProcessing
	EnrollStageComplete
	EnrollStageFailed
)

// EnrollStatus is one polled snapshot of an in-progress enrollment
type EnrollStatus struct {
	Stage   EnrollStage
	Quality int
	Message string
}

// Dialer abstracts the network dial so tests can inject a simulated terminal
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds the parameters for one device link
type Config struct {
	Address        string
	Port           int
	CommKey        string // optional shared secret; empty means open device
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	Codec          Codec
	Dialer         Dialer
	Logger         *logrus.Entry
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.Codec == nil {
		c.Codec = ZKCodec{}
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.New())
	}
}

// Link owns one live binary session with a terminal. All commands are
// serialized: no two commands may be in flight on the same link. The link
// performs no retries; the caller decides what is retryable.
type Link struct {
	mu        sync.Mutex
	cfg       Config
	conn      net.Conn
	sessionID uint16
	replyID   uint16
	connected bool
	logger    *logrus.Entry
}

// Connect dials the terminal and performs the handshake, authenticating
// with the comm key when one is configured. The whole exchange is bounded
// by the connect timeout.
func Connect(ctx context.Context, cfg Config) (*Link, error) {
	cfg.applyDefaults()
	addr := fmt.Sprintf("%s:%d", cfg.Address, cfg.Port)

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	conn, err := cfg.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyIOError("connect", err)
	}

	l := &Link{
		cfg:       cfg,
		conn:      conn,
		connected: true,
		logger:    cfg.Logger,
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	resp, err := l.exchange("connect", CMD_CONNECT, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}

	switch resp.Command {
	case CMD_ACK_OK:
		l.sessionID = resp.SessionID
	case CMD_ACK_UNAUTH:
		l.sessionID = resp.SessionID
		if cfg.CommKey == "" {
			conn.Close()
			return nil, &AuthError{Addr: addr}
		}
		authResp, err := l.exchange("auth", CMD_AUTH, []byte(cfg.CommKey))
		if err != nil {
			conn.Close()
			return nil, err
		}
		if authResp.Command != CMD_ACK_OK {
			conn.Close()
			return nil, &AuthError{Addr: addr}
		}
	default:
		conn.Close()
		return nil, &ProtocolError{Op: "connect", Command: resp.Command, Detail: "unexpected handshake response"}
	}

	l.logger.WithFields(logrus.Fields{
		"addr":       addr,
		"session_id": l.sessionID,
	}).Debug("Device link established")

	return l, nil
}

// Disconnect sends the exit command best-effort and closes the socket
func (l *Link) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.connected {
		return nil
	}
	l.connected = false

	l.conn.SetDeadline(time.Now().Add(time.Second))
	frame := l.cfg.Codec.Encode(CMD_EXIT, l.sessionID, l.nextReplyID(), nil)
	l.conn.Write(frame) // best effort, socket is going away regardless

	return l.conn.Close()
}

// Send routes one command through the link and returns the device response.
// Access to the underlying session is serialized.
func (l *Link) Send(ctx context.Context, cmd uint16, payload []byte) (*Packet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.connected {
		return nil, &TransportError{Op: "send", Err: fmt.Errorf("link closed")}
	}

	deadline := time.Now().Add(l.cfg.CommandTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	l.conn.SetDeadline(deadline)

	return l.exchange(commandName(cmd), cmd, payload)
}

// exchange writes one frame and reads the matching response. Caller holds
// the lock (or is the only goroutine, during connect).
func (l *Link) exchange(op string, cmd uint16, payload []byte) (*Packet, error) {
	reply := l.nextReplyID()

	frame := l.cfg.Codec.Encode(cmd, l.sessionID, reply, payload)
	if _, err := l.conn.Write(frame); err != nil {
		l.connected = false
		return nil, classifyIOError(op, err)
	}

	resp, err := l.cfg.Codec.Decode(l.conn)
	if err != nil {
		if _, ok := err.(*ProtocolError); ok {
			l.logger.WithError(err).WithField("command", cmd).Error("Malformed device response")
			return nil, err
		}
		l.connected = false
		return nil, classifyIOError(op, err)
	}

	if resp.ReplyID != reply {
		return nil, &ProtocolError{
			Op:      op,
			Command: resp.Command,
			Detail:  fmt.Sprintf("reply id mismatch: got %d want %d", resp.ReplyID, reply),
		}
	}

	return resp, nil
}

func (l *Link) nextReplyID() uint16 {
	l.replyID++
	return l.replyID
}

// ack runs a command and requires a plain CMD_ACK_OK response
func (l *Link) ack(ctx context.Context, op string, cmd uint16, payload []byte) error {
	resp, err := l.Send(ctx, cmd, payload)
	if err != nil {
		return err
	}
	switch resp.Command {
	case CMD_ACK_OK:
		return nil
	case CMD_ACK_UNAUTH:
		return &AuthError{Addr: l.cfg.Address}
	default:
		return &ProtocolError{Op: op, Command: resp.Command, Detail: "command rejected"}
	}
}

// data runs a command and requires a CMD_ACK_DATA response carrying a payload
func (l *Link) data(ctx context.Context, op string, cmd uint16, payload []byte) ([]byte, error) {
	resp, err := l.Send(ctx, cmd, payload)
	if err != nil {
		return nil, err
	}
	switch resp.Command {
	case CMD_ACK_DATA, CMD_ACK_OK:
		return resp.Data, nil
	case CMD_ACK_UNAUTH:
		return nil, &AuthError{Addr: l.cfg.Address}
	default:
		return nil, &ProtocolError{Op: op, Command: resp.Command, Detail: "command rejected"}
	}
}

// Probe reads the serial number option as a lightweight liveness check
func (l *Link) Probe(ctx context.Context) error {
	_, err := l.readOption(ctx, "~SerialNumber")
	return err
}

// GetInfo reads device identity and capacity counters
func (l *Link) GetInfo(ctx context.Context) (*Info, error) {
	info := &Info{}

	serial, err := l.readOption(ctx, "~SerialNumber")
	if err != nil {
		return nil, err
	}
	info.SerialNumber = serial

	model, err := l.readOption(ctx, "~DeviceName")
	if err != nil {
		return nil, err
	}
	info.Model = model

	fw, err := l.data(ctx, "get-firmware", CMD_GET_VERSION, nil)
	if err != nil {
		return nil, err
	}
	info.FirmwareVersion = cString(fw)

	sizes, err := l.data(ctx, "get-capacity", CMD_GET_FREE_SIZES, nil)
	if err != nil {
		return nil, err
	}
	if len(sizes) < 64 {
		return nil, &ProtocolError{Op: "get-capacity", Command: CMD_GET_FREE_SIZES, Detail: fmt.Sprintf("short size table: %d bytes", len(sizes))}
	}
	// Size table layout per the ZK free-sizes response: little-endian
	// uint32 fields; enrolled users at index 4, stored templates at 6,
	// template capacity at 14, user capacity at 15.
	field := func(i int) int {
		return int(binary.LittleEndian.Uint32(sizes[i*4 : i*4+4]))
	}
	info.EnrolledUsers = field(4)
	info.TemplateCount = field(6)
	info.FingerCapacity = field(14)
	info.UserCapacity = field(15)

	return info, nil
}

// GetTime reads the device clock
func (l *Link) GetTime(ctx context.Context) (time.Time, error) {
	data, err := l.data(ctx, "get-time", CMD_GET_TIME, nil)
	if err != nil {
		return time.Time{}, err
	}
	if len(data) < 4 {
		return time.Time{}, &ProtocolError{Op: "get-time", Command: CMD_GET_TIME, Detail: "short time payload"}
	}
	ts := binary.LittleEndian.Uint32(data[:4])
	return time.Unix(int64(ts), 0), nil
}

// CreateUser writes an identity record to the terminal. The 72-byte user
// record layout follows the ZK user table: uid, privilege, padded name,
// and the platform roll number as the user id string.
func (l *Link) CreateUser(ctx context.Context, user User) error {
	record := make([]byte, 72)
	binary.LittleEndian.PutUint16(record[0:2], user.DeviceUserID)
	record[2] = user.Privilege
	copyPadded(record[11:35], user.Name)
	copyPadded(record[48:57], user.RollNumber)

	return l.ack(ctx, "create-user", CMD_USER_WRQ, record)
}

// DeleteUser removes an identity record from the terminal
func (l *Link) DeleteUser(ctx context.Context, deviceUserID uint16) error {
	payload := make([]byte, 2)
	binary.LittleEndian.PutUint16(payload, deviceUserID)
	return l.ack(ctx, "delete-user", CMD_DELETE_USER, payload)
}

// ReadTemplate fetches the stored template bytes for one finger
func (l *Link) ReadTemplate(ctx context.Context, deviceUserID uint16, finger uint8) ([]byte, error) {
	payload := make([]byte, 3)
	binary.LittleEndian.PutUint16(payload[0:2], deviceUserID)
	payload[2] = finger

	data, err := l.data(ctx, "read-template", CMD_USERTEMP_RRQ, payload)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, &ProtocolError{Op: "read-template", Command: CMD_USERTEMP_RRQ, Detail: "empty template payload"}
	}
	return data, nil
}

// WriteTemplate stores fingerprint template bytes for one finger
func (l *Link) WriteTemplate(ctx context.Context, deviceUserID uint16, finger uint8, template []byte) error {
	payload := make([]byte, 4+len(template))
	binary.LittleEndian.PutUint16(payload[0:2], deviceUserID)
	payload[2] = finger
	payload[3] = 1 // valid flag
	copy(payload[4:], template)
	return l.ack(ctx, "write-template", CMD_USERTEMP_WRQ, payload)
}

// DeleteTemplate removes one finger's template from the terminal
func (l *Link) DeleteTemplate(ctx context.Context, deviceUserID uint16, finger uint8) error {
	payload := make([]byte, 3)
	binary.LittleEndian.PutUint16(payload[0:2], deviceUserID)
	payload[2] = finger
	return l.ack(ctx, "delete-template", CMD_DEL_FPTMP, payload)
}

// StartEnroll puts the terminal into capture mode for one finger
func (l *Link) StartEnroll(ctx context.Context, deviceUserID uint16, finger uint8) error {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint16(payload[0:2], deviceUserID)
	payload[2] = finger
	payload[3] = 1 // overwrite existing template
	return l.ack(ctx, "start-enroll", CMD_STARTENROLL, payload)
}

// CancelEnroll aborts an in-progress capture
func (l *Link) CancelEnroll(ctx context.Context) error {
	return l.ack(ctx, "cancel-enroll", CMD_CANCELCAPTURE, nil)
}

// PollEnroll reads the capture state register. Payload layout is
// firmware-specific: stage byte, quality byte, then an optional
// null-terminated status message.
func (l *Link) PollEnroll(ctx context.Context) (EnrollStatus, error) {
	data, err := l.data(ctx, "poll-enroll", CMD_STATE_RRQ, nil)
	if err != nil {
		return EnrollStatus{}, err
	}
	if len(data) < 2 {
		return EnrollStatus{}, &ProtocolError{Op: "poll-enroll", Command: CMD_STATE_RRQ, Detail: "short state payload"}
	}
	status := EnrollStatus{
		Stage:   EnrollStage(data[0]),
		Quality: int(data[1]),
	}
	if status.Stage > EnrollStageFailed {
		return EnrollStatus{}, &ProtocolError{Op: "poll-enroll", Command: CMD_STATE_RRQ, Detail: fmt.Sprintf("unknown enroll stage %d", data[0])}
	}
	if len(data) > 2 {
		status.Message = cString(data[2:])
	}
	return status, nil
}

// readOption reads one named device option, e.g. "~SerialNumber".
// Responses arrive as "name=value" with a trailing NUL.
func (l *Link) readOption(ctx context.Context, name string) (string, error) {
	data, err := l.data(ctx, "read-option", CMD_OPTIONS_RRQ, append([]byte(name), 0))
	if err != nil {
		return "", err
	}
	value := cString(data)
	if idx := strings.IndexByte(value, '='); idx >= 0 {
		value = value[idx+1:]
	}
	if value == "" {
		return "", &ProtocolError{Op: "read-option", Command: CMD_OPTIONS_RRQ, Detail: fmt.Sprintf("empty option %s", name)}
	}
	return value, nil
}

// copyPadded copies s into dst, truncating or zero-padding to fit
func copyPadded(dst []byte, s string) {
	copy(dst, s)
}

// cString trims a NUL-terminated byte string
func cString(b []byte) string {
	if idx := strings.IndexByte(string(b), 0); idx >= 0 {
		return string(b[:idx])
	}
	return string(b)
}

func commandName(cmd uint16) string {
	switch cmd {
	case CMD_CONNECT:
		return "connect"
	case CMD_EXIT:
		return "exit"
	case CMD_AUTH:
		return "auth"
	case CMD_GET_VERSION:
		return "get-firmware"
	case CMD_OPTIONS_RRQ:
		return "read-option"
	case CMD_GET_FREE_SIZES:
		return "get-capacity"
	case CMD_GET_TIME:
		return "get-time"
	case CMD_SET_TIME:
		return "set-time"
	case CMD_USER_WRQ:
		return "create-user"
	case CMD_DELETE_USER:
		return "delete-user"
	case CMD_USERTEMP_RRQ:
		return "read-template"
	case CMD_USERTEMP_WRQ:
		return "write-template"
	case CMD_DEL_FPTMP:
		return "delete-template"
	case CMD_STARTENROLL:
		return "start-enroll"
	case CMD_CANCELCAPTURE:
		return "cancel-enroll"
	case CMD_STATE_RRQ:
		return "poll-enroll"
	default:
		return fmt.Sprintf("command-%d", cmd)
	}
}
