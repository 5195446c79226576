package multicastsetup

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/brocaar/lorawan"
)

// CID defines the command identifier.
type CID byte

// Commands. Requests are sent by the server (downlink), answers by the
// end-device (uplink).
const (
	PackageVersionReq  CID = 0x00
	PackageVersionAns  CID = 0x00
	McGroupStatusReq   CID = 0x01
	McGroupStatusAns   CID = 0x01
	McGroupSetupReq    CID = 0x02
	McGroupSetupAns    CID = 0x02
	McGroupDeleteReq   CID = 0x03
	McGroupDeleteAns   CID = 0x03
	McClassCSessionReq CID = 0x04
	McClassCSessionAns CID = 0x04
	McClassBSessionReq CID = 0x05
	McClassBSessionAns CID = 0x05
)

// ErrTruncated is returned when the last command extends beyond the end of
// the given data.
var ErrTruncated = errors.New("multicastsetup: truncated command")

// McClassCSessionAns status bits.
const (
	ClassCSessionDRError          = 0x04
	ClassCSessionFreqError        = 0x08
	ClassCSessionMcGroupUndefined = 0x10

	// ClassCSessionStartMissed is set when the session start time is before
	// the current device time. It shares its bit with
	// ClassCSessionMcGroupUndefined.
	ClassCSessionStartMissed = 0x10

	classCSessionErrorMask = ClassCSessionDRError | ClassCSessionFreqError | ClassCSessionMcGroupUndefined
)

func (c CID) String() string {
	switch c {
	case PackageVersionReq:
		return "PackageVersion"
	case McGroupStatusReq:
		return "McGroupStatus"
	case McGroupSetupReq:
		return "McGroupSetup"
	case McGroupDeleteReq:
		return "McGroupDelete"
	case McClassCSessionReq:
		return "McClassCSession"
	case McClassBSessionReq:
		return "McClassBSession"
	default:
		return fmt.Sprintf("CID(%d)", byte(c))
	}
}

// Payload is the interface that every command payload must implement.
type Payload interface {
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
}

type payloadInfo struct {
	// size returns the payload size given the bytes following the CID, or
	// -1 when more bytes are needed to determine it.
	size    func(data []byte) int
	payload func() Payload
}

func fixedSize(n int) func([]byte) int {
	return func([]byte) int { return n }
}

var payloadRegistry = map[bool]map[CID]payloadInfo{
	false: {
		PackageVersionReq:  {fixedSize(0), nil},
		McGroupStatusReq:   {fixedSize(1), func() Payload { return &McGroupStatusReqPayload{} }},
		McGroupSetupReq:    {fixedSize(29), func() Payload { return &McGroupSetupReqPayload{} }},
		McGroupDeleteReq:   {fixedSize(1), func() Payload { return &McGroupDeleteReqPayload{} }},
		McClassCSessionReq: {fixedSize(10), func() Payload { return &McClassCSessionReqPayload{} }},
		McClassBSessionReq: {fixedSize(10), func() Payload { return &McClassBSessionReqPayload{} }},
	},
	true: {
		PackageVersionAns:  {fixedSize(2), func() Payload { return &PackageVersionAnsPayload{} }},
		McGroupStatusAns:   {mcGroupStatusAnsSize, func() Payload { return &McGroupStatusAnsPayload{} }},
		McGroupSetupAns:    {fixedSize(1), func() Payload { return &McGroupSetupAnsPayload{} }},
		McGroupDeleteAns:   {fixedSize(1), func() Payload { return &McGroupDeleteAnsPayload{} }},
		McClassCSessionAns: {mcClassCSessionAnsSize, func() Payload { return &McClassCSessionAnsPayload{} }},
	},
}

func mcGroupStatusAnsSize(data []byte) int {
	if len(data) == 0 {
		return -1
	}
	return 1 + 5*bitCount(data[0]&0x0f)
}

func mcClassCSessionAnsSize(data []byte) int {
	if len(data) == 0 {
		return -1
	}
	if data[0]&classCSessionErrorMask != 0 {
		return 1
	}
	return 4
}

// Command defines a command with optional payload.
type Command struct {
	CID     CID
	Payload Payload
}

// MarshalBinary encodes the command to a slice of bytes.
func (c Command) MarshalBinary() ([]byte, error) {
	b := []byte{byte(c.CID)}

	if c.Payload != nil {
		p, err := c.Payload.MarshalBinary()
		if err != nil {
			return nil, err
		}
		b = append(b, p...)
	}

	return b, nil
}

// UnmarshalBinary decodes a single command. The data must hold exactly the
// CID and its payload.
func (c *Command) UnmarshalBinary(uplink bool, data []byte) error {
	if len(data) == 0 {
		return errors.New("at least 1 byte of data is expected")
	}

	c.CID = CID(data[0])

	info, ok := payloadRegistry[uplink][c.CID]
	if !ok {
		return fmt.Errorf("payload unknown for uplink=%v and CID=%d", uplink, c.CID)
	}

	if info.payload == nil {
		if len(data) != 1 {
			return fmt.Errorf("%s expects no payload", c.CID)
		}
		c.Payload = nil
		return nil
	}

	c.Payload = info.payload()
	if err := c.Payload.UnmarshalBinary(data[1:]); err != nil {
		return errors.Wrapf(err, "unmarshal %s payload error", c.CID)
	}

	return nil
}

// Commands defines a slice of commands.
type Commands []Command

// MarshalBinary encodes the commands to a slice of bytes.
func (c Commands) MarshalBinary() ([]byte, error) {
	var out []byte

	for _, cmd := range c {
		b, err := cmd.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}

	return out, nil
}

// UnmarshalBinary decodes a slice of back-to-back commands. Unknown CIDs
// consume one byte and are skipped. When the last command is incomplete,
// the commands decoded so far are kept and ErrTruncated is returned.
func (c *Commands) UnmarshalBinary(uplink bool, data []byte) error {
	*c = nil

	for i := 0; i < len(data); {
		cid := CID(data[i])

		info, ok := payloadRegistry[uplink][cid]
		if !ok {
			i++
			continue
		}

		size := info.size(data[i+1:])
		if size < 0 || i+1+size > len(data) {
			return ErrTruncated
		}

		var cmd Command
		if err := cmd.UnmarshalBinary(uplink, data[i:i+1+size]); err != nil {
			return err
		}
		*c = append(*c, cmd)

		i += 1 + size
	}

	return nil
}

// McGroupIDHeader holds the multicast group id (2 LSB) and 6 RFU bits.
type McGroupIDHeader uint8

// ID returns the multicast group id.
func (h McGroupIDHeader) ID() uint8 {
	return uint8(h) & 0x03
}

// RFU returns the RFU bits.
func (h McGroupIDHeader) RFU() uint8 {
	return uint8(h) >> 2
}

// PackageVersionAnsPayload implements the PackageVersionAns payload.
type PackageVersionAnsPayload struct {
	PackageIdentifier uint8
	PackageVersion    uint8
}

// MarshalBinary encodes the payload to a slice of bytes.
func (p PackageVersionAnsPayload) MarshalBinary() ([]byte, error) {
	return []byte{p.PackageIdentifier, p.PackageVersion}, nil
}

// UnmarshalBinary decodes the payload from a slice of bytes.
func (p *PackageVersionAnsPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 2 {
		return errors.New("2 bytes are expected")
	}
	p.PackageIdentifier = data[0]
	p.PackageVersion = data[1]
	return nil
}

// McGroupStatusReqPayload implements the McGroupStatusReq payload.
type McGroupStatusReqPayload struct {
	ReqGroupMask uint8 // 4 bits, one bit per group id
}

// MarshalBinary encodes the payload to a slice of bytes.
func (p McGroupStatusReqPayload) MarshalBinary() ([]byte, error) {
	return []byte{p.ReqGroupMask & 0x0f}, nil
}

// UnmarshalBinary decodes the payload from a slice of bytes.
func (p *McGroupStatusReqPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return errors.New("1 byte is expected")
	}
	p.ReqGroupMask = data[0] & 0x0f
	return nil
}

// McGroupStatusAnsPayloadItem holds the status of a single group.
type McGroupStatusAnsPayloadItem struct {
	McGroupID uint8
	McAddr    lorawan.DevAddr
}

// McGroupStatusAnsPayload implements the McGroupStatusAns payload. The
// AnsGroupMask is derived from the items.
type McGroupStatusAnsPayload struct {
	NbTotalGroups uint8
	Items         []McGroupStatusAnsPayloadItem
}

// AnsGroupMask returns the mask of the groups in the answer.
func (p McGroupStatusAnsPayload) AnsGroupMask() uint8 {
	var mask uint8
	for _, item := range p.Items {
		mask |= 1 << (item.McGroupID & 0x03)
	}
	return mask
}

// MarshalBinary encodes the payload to a slice of bytes.
func (p McGroupStatusAnsPayload) MarshalBinary() ([]byte, error) {
	if p.NbTotalGroups > 7 {
		return nil, errors.New("max NbTotalGroups value is 7")
	}
	if len(p.Items) > 4 {
		return nil, errors.New("max number of items is 4")
	}
	if bitCount(p.AnsGroupMask()) != len(p.Items) {
		return nil, errors.New("duplicate McGroupID in items")
	}

	b := []byte{(p.NbTotalGroups << 4) | p.AnsGroupMask()}
	for _, item := range p.Items {
		addr, err := item.McAddr.MarshalBinary()
		if err != nil {
			return nil, errors.Wrap(err, "marshal McAddr error")
		}
		b = append(b, item.McGroupID&0x03)
		b = append(b, addr...)
	}

	return b, nil
}

// UnmarshalBinary decodes the payload from a slice of bytes.
func (p *McGroupStatusAnsPayload) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return errors.New("at least 1 byte is expected")
	}
	n := bitCount(data[0] & 0x0f)
	if len(data) != 1+5*n {
		return fmt.Errorf("%d bytes are expected", 1+5*n)
	}

	p.NbTotalGroups = (data[0] >> 4) & 0x07
	p.Items = make([]McGroupStatusAnsPayloadItem, n)
	for i := range p.Items {
		offset := 1 + 5*i
		p.Items[i].McGroupID = data[offset] & 0x03
		if err := p.Items[i].McAddr.UnmarshalBinary(data[offset+1 : offset+5]); err != nil {
			return errors.Wrap(err, "unmarshal McAddr error")
		}
	}

	return nil
}

// McGroupSetupReqPayload implements the McGroupSetupReq payload.
type McGroupSetupReqPayload struct {
	McGroupIDHeader McGroupIDHeader
	McAddr          lorawan.DevAddr
	McKeyEncrypted  lorawan.AES128Key
	MinMcFCnt       uint32
	MaxMcFCnt       uint32
}

// MarshalBinary encodes the payload to a slice of bytes.
func (p McGroupSetupReqPayload) MarshalBinary() ([]byte, error) {
	b := make([]byte, 29)
	b[0] = uint8(p.McGroupIDHeader)

	addr, err := p.McAddr.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "marshal McAddr error")
	}
	copy(b[1:5], addr)
	copy(b[5:21], p.McKeyEncrypted[:])
	binary.LittleEndian.PutUint32(b[21:25], p.MinMcFCnt)
	binary.LittleEndian.PutUint32(b[25:29], p.MaxMcFCnt)

	return b, nil
}

// UnmarshalBinary decodes the payload from a slice of bytes.
func (p *McGroupSetupReqPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 29 {
		return errors.New("29 bytes are expected")
	}

	p.McGroupIDHeader = McGroupIDHeader(data[0])
	if err := p.McAddr.UnmarshalBinary(data[1:5]); err != nil {
		return errors.Wrap(err, "unmarshal McAddr error")
	}
	copy(p.McKeyEncrypted[:], data[5:21])
	p.MinMcFCnt = binary.LittleEndian.Uint32(data[21:25])
	p.MaxMcFCnt = binary.LittleEndian.Uint32(data[25:29])

	return nil
}

// McGroupSetupAnsPayload implements the McGroupSetupAns payload.
type McGroupSetupAnsPayload struct {
	McGroupID uint8
	IDError   bool
}

// MarshalBinary encodes the payload to a slice of bytes.
func (p McGroupSetupAnsPayload) MarshalBinary() ([]byte, error) {
	b := p.McGroupID & 0x03
	if p.IDError {
		b |= 1 << 2
	}
	return []byte{b}, nil
}

// UnmarshalBinary decodes the payload from a slice of bytes.
func (p *McGroupSetupAnsPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return errors.New("1 byte is expected")
	}
	p.McGroupID = data[0] & 0x03
	p.IDError = data[0]&(1<<2) != 0
	return nil
}

// McGroupDeleteReqPayload implements the McGroupDeleteReq payload.
type McGroupDeleteReqPayload struct {
	McGroupIDHeader McGroupIDHeader
}

// MarshalBinary encodes the payload to a slice of bytes.
func (p McGroupDeleteReqPayload) MarshalBinary() ([]byte, error) {
	return []byte{uint8(p.McGroupIDHeader)}, nil
}

// UnmarshalBinary decodes the payload from a slice of bytes.
func (p *McGroupDeleteReqPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return errors.New("1 byte is expected")
	}
	p.McGroupIDHeader = McGroupIDHeader(data[0])
	return nil
}

// McGroupDeleteAnsPayload implements the McGroupDeleteAns payload.
type McGroupDeleteAnsPayload struct {
	McGroupID        uint8
	McGroupUndefined bool
}

// MarshalBinary encodes the payload to a slice of bytes.
func (p McGroupDeleteAnsPayload) MarshalBinary() ([]byte, error) {
	b := p.McGroupID & 0x03
	if p.McGroupUndefined {
		b |= 1 << 2
	}
	return []byte{b}, nil
}

// UnmarshalBinary decodes the payload from a slice of bytes.
func (p *McGroupDeleteAnsPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return errors.New("1 byte is expected")
	}
	p.McGroupID = data[0] & 0x03
	p.McGroupUndefined = data[0]&(1<<2) != 0
	return nil
}

// McClassCSessionReqPayload implements the McClassCSessionReq payload.
type McClassCSessionReqPayload struct {
	McGroupIDHeader McGroupIDHeader
	SessionTime     uint32 // seconds since GPS epoch
	SessionTimeOut  uint8  // 4 bits, the session lasts 2^SessionTimeOut seconds
	DLFrequency     uint32 // Hz
	DR              uint8
}

// MarshalBinary encodes the payload to a slice of bytes.
func (p McClassCSessionReqPayload) MarshalBinary() ([]byte, error) {
	if p.SessionTimeOut > 15 {
		return nil, errors.New("max SessionTimeOut value is 15")
	}
	if p.DLFrequency/100 >= 1<<24 {
		return nil, errors.New("max DLFrequency value is 2^24 - 1")
	}
	if p.DLFrequency%100 != 0 {
		return nil, errors.New("DLFrequency must be a multiple of 100")
	}

	b := make([]byte, 10)
	b[0] = uint8(p.McGroupIDHeader)
	binary.LittleEndian.PutUint32(b[1:5], p.SessionTime)
	b[5] = p.SessionTimeOut
	putUint24(b[6:9], p.DLFrequency/100)
	b[9] = p.DR

	return b, nil
}

// UnmarshalBinary decodes the payload from a slice of bytes.
func (p *McClassCSessionReqPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 10 {
		return errors.New("10 bytes are expected")
	}

	p.McGroupIDHeader = McGroupIDHeader(data[0])
	p.SessionTime = binary.LittleEndian.Uint32(data[1:5])
	p.SessionTimeOut = data[5] & 0x0f
	p.DLFrequency = uint24(data[6:9]) * 100
	p.DR = data[9]

	return nil
}

// McClassCSessionAnsPayload implements the McClassCSessionAns payload.
// TimeToStart is only present when no error bit is set.
type McClassCSessionAnsPayload struct {
	Status      uint8 // group id (2 LSB) + ClassCSession* bits
	TimeToStart *uint32
}

// MarshalBinary encodes the payload to a slice of bytes. TimeToStart is
// truncated to 24 bits.
func (p McClassCSessionAnsPayload) MarshalBinary() ([]byte, error) {
	b := []byte{p.Status}
	if p.TimeToStart != nil {
		if p.Status&classCSessionErrorMask != 0 {
			return nil, errors.New("TimeToStart must be nil when an error bit is set")
		}
		t := make([]byte, 3)
		putUint24(t, *p.TimeToStart)
		b = append(b, t...)
	}
	return b, nil
}

// UnmarshalBinary decodes the payload from a slice of bytes.
func (p *McClassCSessionAnsPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 1 && len(data) != 4 {
		return errors.New("1 or 4 bytes are expected")
	}

	p.Status = data[0]
	p.TimeToStart = nil
	if len(data) == 4 {
		t := uint24(data[1:4])
		p.TimeToStart = &t
	}

	return nil
}

// McClassBSessionReqPayload implements the McClassBSessionReq payload.
type McClassBSessionReqPayload struct {
	McGroupIDHeader    McGroupIDHeader
	SessionTime        uint32
	TimeOutPeriodicity uint8  // TimeOut (4 MSB), Periodicity (3 LSB)
	DLFrequency        uint32 // Hz
	DR                 uint8
}

// MarshalBinary encodes the payload to a slice of bytes.
func (p McClassBSessionReqPayload) MarshalBinary() ([]byte, error) {
	if p.DLFrequency/100 >= 1<<24 {
		return nil, errors.New("max DLFrequency value is 2^24 - 1")
	}

	b := make([]byte, 10)
	b[0] = uint8(p.McGroupIDHeader)
	binary.LittleEndian.PutUint32(b[1:5], p.SessionTime)
	b[5] = p.TimeOutPeriodicity
	putUint24(b[6:9], p.DLFrequency/100)
	b[9] = p.DR

	return b, nil
}

// UnmarshalBinary decodes the payload from a slice of bytes.
func (p *McClassBSessionReqPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 10 {
		return errors.New("10 bytes are expected")
	}

	p.McGroupIDHeader = McGroupIDHeader(data[0])
	p.SessionTime = binary.LittleEndian.Uint32(data[1:5])
	p.TimeOutPeriodicity = data[5]
	p.DLFrequency = uint24(data[6:9]) * 100
	p.DR = data[9]

	return nil
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

func uint24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func bitCount(b uint8) int {
	var n int
	for ; b != 0; b &= b - 1 {
		n++
	}
	return n
}
