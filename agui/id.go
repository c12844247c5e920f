package agui

import (
	"encoding/hex"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

// ParseId accepts the canonical 36-char dashed UUID form and the
// 32-char dashless form some gateways emit.
func ParseId(idStr string) (Id, error) {
	switch len(idStr) {
	case 36:
		idStr = idStr[0:8] + idStr[9:13] + idStr[14:18] + idStr[19:23] + idStr[24:]
	case 32:
	default:
		return Id{}, fmt.Errorf("cannot parse id %q", idStr)
	}

	buf, err := hex.DecodeString(idStr)
	if err != nil {
		return Id{}, fmt.Errorf("cannot parse id %q: %w", idStr, err)
	}
	var id Id
	copy(id[:], buf)
	return id, nil
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", self[0:4], self[4:6], self[6:8], self[8:10], self[10:16])
}

func (self *Id) MarshalJSON() ([]byte, error) {
	return []byte(`"` + self.String() + `"`), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("id must be a json string")
	}
	id, err := ParseId(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = id
	return nil
}
