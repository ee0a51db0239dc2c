package sc

import (
	"errors"

	"github.com/pkoning2/godecnet/layout"
)

// EndUser names one end of a session: a bare object number (format 0), a
// named object (format 1: number zero plus a name), or a name qualified by
// group and user codes (format 2). This is the destination/source
// descriptor pair at the front of every connect-initiate payload.
type EndUser struct {
	Format int
	Num    byte
	Group  uint16
	User   uint16
	Name   string
}

const (
	FmtNumber    = 0
	FmtName      = 1
	FmtQualified = 2
)

var ErrBadEndUser = errors.New("sc: malformed end user descriptor")

func (u EndUser) encode(e *layout.Encoder) error {
	e.Byte(byte(u.Format))
	e.Byte(u.Num)
	switch u.Format {
	case FmtNumber:
		return nil
	case FmtName:
		return e.Text(16, u.Name)
	case FmtQualified:
		e.Uint(2, uint64(u.Group))
		e.Uint(2, uint64(u.User))
		return e.Text(12, u.Name)
	}
	return ErrBadEndUser
}

func decodeEndUser(d *layout.Decoder) (EndUser, error) {
	fmtB, err := d.Byte()
	if err != nil {
		return EndUser{}, err
	}
	num, err := d.Byte()
	if err != nil {
		return EndUser{}, err
	}
	u := EndUser{Format: int(fmtB), Num: num}
	switch u.Format {
	case FmtNumber:
	case FmtName:
		u.Name, err = d.Text(16)
		if err != nil {
			return EndUser{}, err
		}
	case FmtQualified:
		g, err := d.Uint(2)
		if err != nil {
			return EndUser{}, err
		}
		us, err := d.Uint(2)
		if err != nil {
			return EndUser{}, err
		}
		u.Group, u.User = uint16(g), uint16(us)
		u.Name, err = d.Text(12)
		if err != nil {
			return EndUser{}, err
		}
	default:
		return EndUser{}, ErrBadEndUser
	}
	return u, nil
}

// Menu bits in the connect data: which optional groups follow the two end
// user descriptors.
const (
	menuAuth    = 0x01 // rqstrid, passwrd, account images follow
	menuUsrData = 0x02 // application connect data follows
)

// ConnData is the Session Control payload of a connect initiate: who is
// being called, who is calling, optional access control credentials, and
// optional application data.
type ConnData struct {
	Dst EndUser
	Src EndUser

	Auth     bool
	RqstrID  string
	Password string
	Account  string

	UserData []byte
}

// Encode renders the payload NSP carries opaquely in a ConnInit.
func (c ConnData) Encode() []byte {
	e := layout.NewEncoder(32 + len(c.UserData))
	c.Dst.encode(e)
	c.Src.encode(e)
	var menu byte
	if c.Auth {
		menu |= menuAuth
	}
	if len(c.UserData) > 0 {
		menu |= menuUsrData
	}
	e.Byte(menu)
	if c.Auth {
		e.Text(39, c.RqstrID)
		e.Text(39, c.Password)
		e.Text(39, c.Account)
	}
	if len(c.UserData) > 0 {
		e.Image(16, c.UserData)
	}
	return e.Final()
}

// DecodeConnData parses a connect-initiate payload. A truncated menu byte
// is tolerated (an empty trailer means "no credentials, no user data"),
// matching the permissive parse the original applies to Phase II callers.
func DecodeConnData(buf []byte) (ConnData, error) {
	d := layout.NewDecoder(buf)
	var c ConnData
	var err error
	c.Dst, err = decodeEndUser(d)
	if err != nil {
		return ConnData{}, err
	}
	c.Src, err = decodeEndUser(d)
	if err != nil {
		return ConnData{}, err
	}
	if d.Len() == 0 {
		return c, nil
	}
	menu, err := d.Byte()
	if err != nil {
		return ConnData{}, err
	}
	if menu&menuAuth != 0 {
		c.Auth = true
		if c.RqstrID, err = d.Text(39); err != nil {
			return ConnData{}, err
		}
		if c.Password, err = d.Text(39); err != nil {
			return ConnData{}, err
		}
		if c.Account, err = d.Text(39); err != nil {
			return ConnData{}, err
		}
	}
	if menu&menuUsrData != 0 {
		data, err := d.Image(16)
		if err != nil {
			return ConnData{}, err
		}
		c.UserData = append([]byte(nil), data...)
	}
	return c, nil
}

// Reject/disconnect reason codes Session Control maps to and from the wire.
// The values 1, 41, 42, and 43 are reserved to NSP and never available
// here.
const (
	RejectByObject    = 0  // rejected by the object itself, or normal close
	RejectNoObject    = 4  // unrecognized object
	RejectBadFormat   = 5  // invalid object name format
	RejectBusy        = 6  // object too busy
	RejectAbandoned   = 8  // abort by management command
	RejectAccess      = 34 // access control rejected
	RejectNoResponse  = 38 // no response from object
	RejectUnreachable = 39 // node unreachable
)

// reasonText is the table of reason strings Session Control publishes for
// higher layers' diagnostics.
var reasonText = map[uint16]string{
	RejectByObject:    "rejected by object",
	RejectNoObject:    "unrecognized object",
	RejectBadFormat:   "invalid object name format",
	RejectBusy:        "object too busy",
	RejectAbandoned:   "abort by management command",
	RejectAccess:      "access control rejected",
	RejectNoResponse:  "no response from object",
	RejectUnreachable: "node unreachable",
}

// ReasonText renders a disconnect/reject reason for humans. Unlisted codes
// are application-defined.
func ReasonText(reason uint16) string {
	if s, ok := reasonText[reason]; ok {
		return s
	}
	return "application defined"
}
