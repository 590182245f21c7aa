package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"
)

// TemplateKey addresses one stored template slot on a simulated terminal
type TemplateKey struct {
	UserID uint16
	Finger uint8
}

// Simulator is an in-memory terminal speaking the wire protocol. It backs
// integration-style tests and local development without physical hardware.
type Simulator struct {
	mu sync.Mutex

	CommKey  string
	Serial   string
	Model    string
	Firmware string

	Users     map[uint16]User
	Templates map[TemplateKey][]byte

	// EnrollPolls is returned by successive poll-enroll commands; the last
	// entry repeats once the script is exhausted
	EnrollPolls []EnrollStatus
	pollIdx     int
	enrolling   bool
	enrollKey   TemplateKey

	// EnrollTemplate is stored in the enrolled finger's slot when a
	// scripted capture completes
	EnrollTemplate []byte

	// FailCommands makes the listed commands respond with CMD_ACK_ERROR
	FailCommands map[uint16]bool

	Clock func() time.Time
}

// NewSimulator creates a simulator with sensible identity defaults
func NewSimulator() *Simulator {
	return &Simulator{
		Serial:         "SIM0012345",
		Model:          "SimTerm F18",
		Firmware:       "Ver 6.60",
		Users:          make(map[uint16]User),
		Templates:      make(map[TemplateKey][]byte),
		FailCommands:   make(map[uint16]bool),
		EnrollTemplate: []byte("sim-template-v10"),
		Clock:          time.Now,
	}
}

// Dialer returns a Dialer whose connections terminate at this simulator
func (s *Simulator) Dialer() Dialer {
	return &simDialer{sim: s}
}

// UserCount returns the number of identities on the simulated terminal
func (s *Simulator) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Users)
}

// Enrolling reports whether a capture is in progress
func (s *Simulator) Enrolling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enrolling
}

type simDialer struct {
	sim *Simulator
}

func (d *simDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	client, server := net.Pipe()
	go d.sim.serve(server)
	return client, nil
}

// serve handles one terminal session until the peer disconnects
func (s *Simulator) serve(conn net.Conn) {
	defer conn.Close()

	codec := ZKCodec{}
	sessionID := uint16(1)
	authed := false

	reply := func(cmd uint16, replyID uint16, data []byte) bool {
		_, err := conn.Write(codec.Encode(cmd, sessionID, replyID, data))
		return err == nil
	}

	for {
		pkt, err := codec.Decode(conn)
		if err != nil {
			return
		}

		s.mu.Lock()
		fail := s.FailCommands[pkt.Command]
		s.mu.Unlock()
		if fail {
			if !reply(CMD_ACK_ERROR, pkt.ReplyID, nil) {
				return
			}
			continue
		}

		switch pkt.Command {
		case CMD_CONNECT:
			if s.CommKey != "" {
				if !reply(CMD_ACK_UNAUTH, pkt.ReplyID, nil) {
					return
				}
				continue
			}
			authed = true
			if !reply(CMD_ACK_OK, pkt.ReplyID, nil) {
				return
			}

		case CMD_AUTH:
			if string(pkt.Data) == s.CommKey {
				authed = true
				if !reply(CMD_ACK_OK, pkt.ReplyID, nil) {
					return
				}
			} else {
				if !reply(CMD_ACK_UNAUTH, pkt.ReplyID, nil) {
					return
				}
			}

		case CMD_EXIT:
			reply(CMD_ACK_OK, pkt.ReplyID, nil)
			return

		default:
			if !authed {
				if !reply(CMD_ACK_UNAUTH, pkt.ReplyID, nil) {
					return
				}
				continue
			}
			cmd, data := s.handle(pkt)
			if !reply(cmd, pkt.ReplyID, data) {
				return
			}
		}
	}
}

// handle processes one authenticated command
func (s *Simulator) handle(pkt *Packet) (uint16, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch pkt.Command {
	case CMD_OPTIONS_RRQ:
		name := cString(pkt.Data)
		var value string
		switch name {
		case "~SerialNumber":
			value = s.Serial
		case "~DeviceName":
			value = s.Model
		default:
			return CMD_ACK_ERROR, nil
		}
		return CMD_ACK_DATA, append([]byte(fmt.Sprintf("%s=%s", name, value)), 0)

	case CMD_GET_VERSION:
		return CMD_ACK_DATA, append([]byte(s.Firmware), 0)

	case CMD_GET_FREE_SIZES:
		sizes := make([]byte, 92)
		put := func(i, v int) {
			binary.LittleEndian.PutUint32(sizes[i*4:i*4+4], uint32(v))
		}
		put(4, len(s.Users))
		put(6, len(s.Templates))
		put(14, 3000) // template capacity
		put(15, 1000) // user capacity
		return CMD_ACK_DATA, sizes

	case CMD_GET_TIME:
		data := make([]byte, 4)
		binary.LittleEndian.PutUint32(data, uint32(s.Clock().Unix()))
		return CMD_ACK_DATA, data

	case CMD_USER_WRQ:
		if len(pkt.Data) < 72 {
			return CMD_ACK_ERROR, nil
		}
		uid := binary.LittleEndian.Uint16(pkt.Data[0:2])
		s.Users[uid] = User{
			DeviceUserID: uid,
			Privilege:    pkt.Data[2],
			Name:         cString(pkt.Data[11:35]),
			RollNumber:   cString(pkt.Data[48:57]),
		}
		return CMD_ACK_OK, nil

	case CMD_DELETE_USER:
		if len(pkt.Data) < 2 {
			return CMD_ACK_ERROR, nil
		}
		uid := binary.LittleEndian.Uint16(pkt.Data[0:2])
		delete(s.Users, uid)
		for key := range s.Templates {
			if key.UserID == uid {
				delete(s.Templates, key)
			}
		}
		return CMD_ACK_OK, nil

	case CMD_USERTEMP_WRQ:
		if len(pkt.Data) < 4 {
			return CMD_ACK_ERROR, nil
		}
		uid := binary.LittleEndian.Uint16(pkt.Data[0:2])
		if _, ok := s.Users[uid]; !ok {
			return CMD_ACK_ERROR, nil
		}
		key := TemplateKey{UserID: uid, Finger: pkt.Data[2]}
		s.Templates[key] = append([]byte(nil), pkt.Data[4:]...)
		return CMD_ACK_OK, nil

	case CMD_USERTEMP_RRQ:
		if len(pkt.Data) < 3 {
			return CMD_ACK_ERROR, nil
		}
		uid := binary.LittleEndian.Uint16(pkt.Data[0:2])
		tpl, ok := s.Templates[TemplateKey{UserID: uid, Finger: pkt.Data[2]}]
		if !ok {
			return CMD_ACK_ERROR, nil
		}
		return CMD_ACK_DATA, tpl

	case CMD_DEL_FPTMP:
		if len(pkt.Data) < 3 {
			return CMD_ACK_ERROR, nil
		}
		uid := binary.LittleEndian.Uint16(pkt.Data[0:2])
		delete(s.Templates, TemplateKey{UserID: uid, Finger: pkt.Data[2]})
		return CMD_ACK_OK, nil

	case CMD_STARTENROLL:
		if len(pkt.Data) < 4 {
			return CMD_ACK_ERROR, nil
		}
		uid := binary.LittleEndian.Uint16(pkt.Data[0:2])
		if _, ok := s.Users[uid]; !ok {
			return CMD_ACK_ERROR, nil
		}
		s.enrolling = true
		s.pollIdx = 0
		s.enrollKey = TemplateKey{UserID: uid, Finger: pkt.Data[2]}
		return CMD_ACK_OK, nil

	case CMD_CANCELCAPTURE:
		s.enrolling = false
		return CMD_ACK_OK, nil

	case CMD_STATE_RRQ:
		if len(s.EnrollPolls) == 0 {
			return CMD_ACK_ERROR, nil
		}
		status := s.EnrollPolls[s.pollIdx]
		if s.pollIdx < len(s.EnrollPolls)-1 {
			s.pollIdx++
		}
		if status.Stage == EnrollStageComplete || status.Stage == EnrollStageFailed {
			s.enrolling = false
		}
		if status.Stage == EnrollStageComplete {
			s.Templates[s.enrollKey] = append([]byte(nil), s.EnrollTemplate...)
		}
		data := []byte{byte(status.Stage), byte(status.Quality)}
		if status.Message != "" {
			data = append(data, append([]byte(status.Message), 0)...)
		}
		return CMD_ACK_DATA, data

	default:
		return CMD_ACK_ERROR, nil
	}
}
