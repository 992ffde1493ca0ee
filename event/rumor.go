package event

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/murmur-im/go-murmur/ids"
)

// A Rumor is the unsigned inner event revealed after unwrapping a gift wrap,
// and the plaintext form of an application message before it enters the
// group-key-agreement primitive.
type Rumor struct {
	ID        ids.ID `cbor:"1,keyasint"`
	Author    ids.ID `cbor:"2,keyasint"`
	CreatedAt uint64 `cbor:"3,keyasint"`
	Kind      uint32 `cbor:"4,keyasint"`
	Tags      []Tag  `cbor:"5,keyasint"`
	Content   string `cbor:"6,keyasint"`
}

func (r *Rumor) ComputeID() ids.ID {
	return computeID(r.Author, r.CreatedAt, r.Kind, r.Tags, r.Content)
}

func (r *Rumor) TagValue(name string) string {
	for _, t := range r.Tags {
		if t.Name() == name {
			return t.Value()
		}
	}
	return ""
}

func (r *Rumor) Serialize() ([]byte, error) {
	r.ID = r.ComputeID()
	return cbor.Marshal(r)
}

func DeserializeRumor(b []byte) (*Rumor, error) {
	r := &Rumor{}
	if err := cbor.Unmarshal(b, r); err != nil {
		return nil, fmt.Errorf("event: error deserializing rumor: %w", err)
	}
	if r.ID != r.ComputeID() {
		return nil, fmt.Errorf("event: rumor id mismatch")
	}
	return r, nil
}
