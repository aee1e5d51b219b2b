package registry

import (
	"sort"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("registry: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("registry: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeSession(s Session) ([]byte, error) {
	return encMode.Marshal(s)
}

func decodeSession(data []byte) (Session, error) {
	var s Session
	if err := decMode.Unmarshal(data, &s); err != nil {
		return Session{}, err
	}
	return s, nil
}

func sortSessions(items []Session) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].Tag < items[j].Tag
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}
